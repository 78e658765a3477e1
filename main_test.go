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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const graphFixture = "testdata/conv_softmax.yaml"

func TestNewCompileUnit(t *testing.T) {
	unit, err := NewCompileUnit("graphs/model.yaml", "out/kernels", "", emitAll, defaultTarget)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("out/kernels", "model.c"), unit.C)
	assert.Equal(t, filepath.Join("out/kernels", "model.s"), unit.GoAssembly)
	assert.Equal(t, filepath.Join("out/kernels", "model.go"), unit.Go)
	assert.Equal(t, "kernels", unit.Package)

	unit, err = NewCompileUnit("model.yaml", "out", "nn", emitC, defaultTarget)
	require.NoError(t, err)
	assert.Equal(t, "nn", unit.Package)

	_, err = NewCompileUnit("model.yaml", "out", "", "wasm", defaultTarget)
	assert.Error(t, err)
}

func TestCommand(t *testing.T) {
	dir := t.TempDir()
	command := newCommand()
	command.SetArgs([]string{graphFixture, "-o", dir, "-p", "kernels"})
	require.NoError(t, command.Execute())

	c, err := os.ReadFile(filepath.Join(dir, "conv_softmax.c"))
	require.NoError(t, err)
	assert.Contains(t, string(c), "// source: conv_softmax.yaml\n")
	assert.Contains(t, string(c), "int32_t tvmgen_default_cmsis_nn_main_0(")
	assert.Contains(t, string(c), "int32_t tvmgen_default_cmsis_nn_main_1(")

	stubs, err := os.ReadFile(filepath.Join(dir, "conv_softmax.go"))
	require.NoError(t, err)
	assert.Contains(t, string(stubs), "package kernels\n")

	asm, err := os.ReadFile(filepath.Join(dir, "conv_softmax.s"))
	require.NoError(t, err)
	assert.Contains(t, string(asm), "TEXT ·tvmgen_default_cmsis_nn_main_0(SB), $228-36")
}

func TestCommand_EmitC(t *testing.T) {
	dir := t.TempDir()
	command := newCommand()
	command.SetArgs([]string{graphFixture, "-o", dir, "-e", "c"})
	require.NoError(t, command.Execute())

	assert.FileExists(t, filepath.Join(dir, "conv_softmax.c"))
	assert.NoFileExists(t, filepath.Join(dir, "conv_softmax.go"))
	assert.NoFileExists(t, filepath.Join(dir, "conv_softmax.s"))
}

func TestCommand_Errors(t *testing.T) {
	t.Run("emit mode", func(t *testing.T) {
		command := newCommand()
		command.SetArgs([]string{graphFixture, "-o", t.TempDir(), "-e", "rust"})
		assert.ErrorContains(t, command.Execute(), "unsupported emit mode")
	})
	t.Run("target mismatch", func(t *testing.T) {
		command := newCommand()
		command.SetArgs([]string{graphFixture, "-o", t.TempDir(), "-t", "ethos-u"})
		assert.ErrorContains(t, command.Execute(), "targets cmsis-nn, not ethos-u")
	})
	t.Run("missing graph", func(t *testing.T) {
		command := newCommand()
		command.SetArgs([]string{filepath.Join(t.TempDir(), "missing.yaml")})
		assert.Error(t, command.Execute())
	})
	t.Run("lowering failure", func(t *testing.T) {
		dir := t.TempDir()
		graph := filepath.Join(dir, "pool.yaml")
		require.NoError(t, os.WriteFile(graph, []byte(`
main:
  params: [{name: input, shape: [1, 10], dtype: int8}]
  body:
    function:
      compiler: cmsis-nn
      global_symbol: pool_0
      composite: cmsis-nn.qnn_avg_pool2d
      params: [{name: x, shape: [1, 10], dtype: int8}]
      body: {op: qnn.avg_pool2d, type: {shape: [1, 10], dtype: int8}, args: [{var: x}]}
    args: [{var: input}]
`), 0644))
		command := newCommand()
		command.SetArgs([]string{graph, "-o", dir})
		err := command.Execute()
		assert.ErrorIs(t, err, ErrUnsupportedComposite)
		assert.NoFileExists(t, filepath.Join(dir, "pool.c"))
	})
}
