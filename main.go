// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

const (
	emitC   = "c"
	emitGo  = "go"
	emitAll = "all"
)

var emitModes = []string{emitC, emitGo, emitAll}

// CompileUnit lowers one graph file into C and/or Go assembly sources.
type CompileUnit struct {
	Source     string
	C          string
	GoAssembly string
	Go         string
	Package    string
	Emit       string
	Target     string
}

func NewCompileUnit(source string, outputDir string, pkg string, emit string, target string) (CompileUnit, error) {
	if !lo.Contains(emitModes, emit) {
		return CompileUnit{}, errors.Errorf("unsupported emit mode: %s (available: c, go, all)", emit)
	}
	sourceExt := filepath.Ext(source)
	noExtSourceBase := filepath.Base(source[:len(source)-len(sourceExt)])
	if pkg == "" {
		pkg = filepath.Base(outputDir)
	}
	return CompileUnit{
		Source:     source,
		C:          filepath.Join(outputDir, noExtSourceBase+".c"),
		GoAssembly: filepath.Join(outputDir, noExtSourceBase+".s"),
		Go:         filepath.Join(outputDir, noExtSourceBase+".go"),
		Package:    pkg,
		Emit:       emit,
		Target:     target,
	}, nil
}

// Compile loads, lowers and renders the unit.
func (u *CompileUnit) Compile() error {
	program, err := LoadProgram(u.Source)
	if err != nil {
		return err
	}
	if program.Target != u.Target {
		return errors.Errorf("%v targets %s, not %s", u.Source, program.Target, u.Target)
	}
	target, err := GetTarget(u.Target)
	if err != nil {
		return err
	}
	lowerer, err := NewLowerer(target)
	if err != nil {
		return err
	}
	debugf("Lowering %v for %v", u.Source, target)
	mod, err := lowerer.Lower(program.Module)
	if err != nil {
		return err
	}
	emitter := NewEmitter(filepath.Base(u.Source), target, lowerer.ABI())
	if u.Emit == emitC || u.Emit == emitAll {
		if err = u.write(u.C, func() ([]byte, error) { return emitter.EmitC(mod) }); err != nil {
			return err
		}
	}
	if u.Emit == emitGo || u.Emit == emitAll {
		if err = u.write(u.Go, func() ([]byte, error) { return emitter.EmitGoStubs(u.Package, mod) }); err != nil {
			return err
		}
		if err = u.write(u.GoAssembly, func() ([]byte, error) { return emitter.EmitGoAssembly(mod) }); err != nil {
			return err
		}
	}
	return nil
}

func (u *CompileUnit) write(path string, render func() ([]byte, error)) error {
	data, err := render()
	if err != nil {
		return err
	}
	debugf("Writing %v", path)
	return os.WriteFile(path, data, 0644)
}

var verbose bool

// debugf prints progress to stderr when verbose is set.
func debugf(format string, args ...any) {
	if verbose {
		_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

func newCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "cmsisnn graph [-o output_directory]",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.PersistentFlags().GetString("output")
			if output == "" {
				var err error
				if output, err = os.Getwd(); err != nil {
					return err
				}
			}
			pkg, _ := cmd.PersistentFlags().GetString("package")
			emit, _ := cmd.PersistentFlags().GetString("emit")
			target, _ := cmd.PersistentFlags().GetString("target")
			unit, err := NewCompileUnit(args[0], output, pkg, emit, target)
			if err != nil {
				return err
			}
			return unit.Compile()
		},
	}
	command.PersistentFlags().StringP("output", "o", "", "output directory of generated files")
	command.PersistentFlags().StringP("package", "p", "", "package name of generated Go files (default: base name of output directory)")
	command.PersistentFlags().StringP("emit", "e", emitAll, "generated sources (c, go, all)")
	command.PersistentFlags().StringP("target", "t", defaultTarget, "kernel target (cmsis-nn)")
	command.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "if set, increase verbosity level")
	return command
}

func main() {
	if err := newCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
