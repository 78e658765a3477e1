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
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedPointMultiplierShift(t *testing.T) {
	tests := []struct {
		value float64
		want  QuantizedMultiplier
	}{
		{0, QuantizedMultiplier{}},
		{1, QuantizedMultiplier{Multiplier: 1 << 30, Shift: 1}},
		{0.5, QuantizedMultiplier{Multiplier: 1 << 30, Shift: 0}},
		{0.75, QuantizedMultiplier{Multiplier: 1610612736, Shift: 0}},
		{-0.5, QuantizedMultiplier{Multiplier: -(1 << 30), Shift: 0}},
		{0.125, QuantizedMultiplier{Multiplier: 1 << 30, Shift: -2}},
		// the significand rounds up to 2^31 and is renormalized
		{1 - math.Ldexp(1, -40), QuantizedMultiplier{Multiplier: 1 << 30, Shift: 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.value), func(t *testing.T) {
			got, err := FixedPointMultiplierShift(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFixedPointMultiplierShift_NonFinite(t *testing.T) {
	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := FixedPointMultiplierShift(value)
		assert.True(t, errors.Is(err, ErrArithmetic), "%v: %v", value, err)
	}
}

func TestFixedPointMultiplierShift_Roundtrip(t *testing.T) {
	for _, value := range []float64{3.1415926, 1e-6, 0.0078125, 0.999, 123456.789, 2.5e-9, -0.3} {
		q, err := FixedPointMultiplierShift(value)
		require.NoError(t, err)
		magnitude := math.Abs(float64(q.Multiplier))
		assert.GreaterOrEqual(t, magnitude, float64(1<<30), "%v", value)
		assert.Less(t, magnitude, float64(int64(1)<<31), "%v", value)
		assert.InDelta(t, value, q.Float64(), math.Abs(value)*math.Ldexp(1, -31), "%v", value)
	}
}

func TestComputeSoftmaxParams(t *testing.T) {
	tests := []struct {
		scale float32
		want  SoftmaxParams
	}{
		{1.0 / 256, SoftmaxParams{Multiplier: 1 << 30, Shift: 19, DiffMin: -3968}},
		{1, SoftmaxParams{Multiplier: 1 << 30, Shift: 27, DiffMin: -15}},
		// 64 * 2^26 saturates at 2^31 - 1
		{64, SoftmaxParams{Multiplier: math.MaxInt32, Shift: 31, DiffMin: 0}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.scale), func(t *testing.T) {
			got, err := ComputeSoftmaxParams(tt.scale)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeSoftmaxParams_NegativeShift(t *testing.T) {
	_, err := ComputeSoftmaxParams(float32(math.Ldexp(1, -30)))
	assert.True(t, errors.Is(err, ErrArithmetic), "%v", err)
}

func TestComputeMulMultiplier(t *testing.T) {
	got, err := ComputeMulMultiplier(0.5, 0.25, 0.125)
	require.NoError(t, err)
	assert.Equal(t, QuantizedMultiplier{Multiplier: 1 << 30, Shift: 1}, got)

	got, err = ComputeMulMultiplier(0.02, 0.03, 0.05)
	require.NoError(t, err)
	want := float64(float32(0.02)) * float64(float32(0.03)) / float64(float32(0.05))
	assert.InDelta(t, want, got.Float64(), want*math.Ldexp(1, -31))
}

func TestComputeAddParams(t *testing.T) {
	got, err := ComputeAddParams(0.5, 0.25, 0.125)
	require.NoError(t, err)
	assert.Equal(t, AddParams{
		Input0:    QuantizedMultiplier{Multiplier: 1 << 30, Shift: 0},
		Input1:    QuantizedMultiplier{Multiplier: 1 << 30, Shift: -1},
		Output:    QuantizedMultiplier{Multiplier: 1 << 30, Shift: -16},
		LeftShift: 20,
	}, got)
}

func TestComputeAddParams_Symmetric(t *testing.T) {
	lhs, err := ComputeAddParams(0.1, 0.3, 0.2)
	require.NoError(t, err)
	rhs, err := ComputeAddParams(0.3, 0.1, 0.2)
	require.NoError(t, err)
	assert.Equal(t, lhs.Input0, rhs.Input1)
	assert.Equal(t, lhs.Input1, rhs.Input0)
	assert.Equal(t, lhs.Output, rhs.Output)
}

func TestComputeAddParams_ZeroOutputScale(t *testing.T) {
	_, err := ComputeAddParams(0.5, 0.25, 0)
	assert.True(t, errors.Is(err, ErrArithmetic), "%v", err)
}
