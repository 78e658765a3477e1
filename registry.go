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
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// PatternLowerer recognizes one fused composite and assembles its kernel call.
// Adding a pattern means adding a lowerer; the driver never changes.
type PatternLowerer interface {
	// Kind returns the pattern this lowerer handles.
	Kind() PatternKind

	// Routine returns the external kernel entry point the pattern lowers to.
	Routine() string

	// Decompose checks the composite body and extracts its leaf nodes and constants.
	Decompose(root Expr) (FusedMatch, error)

	// Assemble builds the signature, the ordered call arguments and the
	// optional scratch buffer for a match produced by Decompose.
	Assemble(ctx *AssemblyContext, match FusedMatch) (*Assembly, error)
}

// lowerers holds the registered pattern lowerers keyed by composite name
var lowerers = map[string]PatternLowerer{}

// RegisterLowerer registers a pattern lowerer for a composite name
func RegisterLowerer(composite string, l PatternLowerer) {
	lowerers[composite] = l
}

// GetLowerer returns the lowerer for the given composite name
func GetLowerer(composite string) (PatternLowerer, error) {
	if l, ok := lowerers[composite]; ok {
		return l, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedComposite, "%q (available: %s)", composite, strings.Join(ListComposites(), ", "))
}

// ListComposites returns the registered composite names in sorted order
func ListComposites() []string {
	names := lo.Keys(lowerers)
	sort.Strings(names)
	return names
}

// Target selects the device / kernel family emitted units are linked against.
type Target struct {
	Kind string
	// DeviceType is the DLPack device type code of the target.
	DeviceType int
}

func (t *Target) String() string {
	return t.Kind
}

// kDLCPU
const deviceTypeCPU = 1

// targets holds the known kernel targets
var targets = map[string]*Target{
	"cmsis-nn": {Kind: "cmsis-nn", DeviceType: deviceTypeCPU},
}

// GetTarget returns the target with the given kind
func GetTarget(kind string) (*Target, error) {
	if t, ok := targets[kind]; ok {
		return t, nil
	}
	names := lo.Keys(targets)
	sort.Strings(names)
	return nil, errors.Errorf("unsupported target: %s (available: %s)", kind, strings.Join(names, ", "))
}
