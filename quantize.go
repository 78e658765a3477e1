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
	"math"

	"github.com/pkg/errors"
)

// Softmax constants of the TFLite Micro int8 softmax, which arm_softmax_s8 mirrors.
const (
	scaledDiffIntegerBits = 5
	softmaxInputBits      = 5
	softmaxBeta           = 1.0
)

// addLeftShift is the headroom arm_elementwise_add_s8 gives its accumulator.
const addLeftShift = 20

const q31One = int64(1) << 31

// QuantizedMultiplier is a real value encoded as Multiplier * 2^(Shift-31),
// with Multiplier a Q31 fraction whose magnitude lies in [0.5, 1).
type QuantizedMultiplier struct {
	Multiplier int32
	Shift      int32
}

// Float64 reconstructs the encoded value.
func (q QuantizedMultiplier) Float64() float64 {
	return math.Ldexp(float64(q.Multiplier), int(q.Shift)-31)
}

// FixedPointMultiplierShift decomposes value into a normalized Q31 multiplier
// and a power-of-two shift. Zero maps to (0, 0).
func FixedPointMultiplierShift(value float64) (QuantizedMultiplier, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return QuantizedMultiplier{}, errors.Wrapf(ErrArithmetic, "cannot encode %v as a fixed-point multiplier", value)
	}
	if value == 0 {
		return QuantizedMultiplier{}, nil
	}
	significand, exponent := math.Frexp(value)
	// math.Round rounds half away from zero, matching std::round.
	q := int64(math.Round(significand * float64(q31One)))
	if q == q31One {
		q /= 2
		exponent++
	}
	if q > math.MaxInt32 || q < math.MinInt32 {
		return QuantizedMultiplier{}, errors.Wrapf(ErrArithmetic, "multiplier for %v does not fit in 32 bits", value)
	}
	if exponent > math.MaxInt32 || exponent < math.MinInt32 {
		return QuantizedMultiplier{}, errors.Wrapf(ErrArithmetic, "shift for %v does not fit in 32 bits", value)
	}
	return QuantizedMultiplier{Multiplier: int32(q), Shift: int32(exponent)}, nil
}

// SoftmaxParams holds the derived arguments of arm_softmax_s8.
type SoftmaxParams struct {
	Multiplier int32
	Shift      int32
	DiffMin    int32
}

// ComputeSoftmaxParams derives the beta multiplier, shift and diff_min from
// the scale of the dequantized softmax input.
func ComputeSoftmaxParams(inputScale float32) (SoftmaxParams, error) {
	betaMultiplier := softmaxBeta * float64(inputScale) * float64(int64(1)<<(31-softmaxInputBits))
	betaMultiplier = math.Min(betaMultiplier, float64(q31One)-1.0)
	q, err := FixedPointMultiplierShift(betaMultiplier)
	if err != nil {
		return SoftmaxParams{}, errors.Wrap(err, "softmax beta multiplier")
	}
	if q.Shift < 0 {
		return SoftmaxParams{}, errors.Wrapf(ErrArithmetic, "softmax input scale %v yields negative shift %d", inputScale, q.Shift)
	}
	diffMin := int32(1)<<scaledDiffIntegerBits - 1
	diffMin <<= 31 - scaledDiffIntegerBits
	diffMin >>= q.Shift
	return SoftmaxParams{
		Multiplier: q.Multiplier,
		Shift:      q.Shift,
		DiffMin:    -diffMin,
	}, nil
}

// ComputeMulMultiplier resolves input0_scale * input1_scale / output_scale.
func ComputeMulMultiplier(input0Scale, input1Scale, outputScale float32) (QuantizedMultiplier, error) {
	ratio := float64(input0Scale) * float64(input1Scale) / float64(outputScale)
	q, err := FixedPointMultiplierShift(ratio)
	if err != nil {
		return QuantizedMultiplier{}, errors.Wrap(err, "elementwise multiply output multiplier")
	}
	return q, nil
}

// AddParams holds the three independent rescaling factors of arm_elementwise_add_s8.
type AddParams struct {
	Input0    QuantizedMultiplier
	Input1    QuantizedMultiplier
	Output    QuantizedMultiplier
	LeftShift int32
}

// ComputeAddParams rescales both inputs to a common exponent of twice the
// larger input scale and maps the accumulator back to the output scale.
func ComputeAddParams(input0Scale, input1Scale, outputScale float32) (AddParams, error) {
	maxInputScale := max(input0Scale, input1Scale)
	twiceMaxInputScale := 2 * float64(maxInputScale)
	ratios := [3]float64{
		float64(input0Scale) / twiceMaxInputScale,
		float64(input1Scale) / twiceMaxInputScale,
		twiceMaxInputScale / (float64(int64(1)<<addLeftShift) * float64(outputScale)),
	}
	var resolved [3]QuantizedMultiplier
	for i, ratio := range ratios {
		q, err := FixedPointMultiplierShift(ratio)
		if err != nil {
			return AddParams{}, errors.Wrapf(err, "elementwise add multiplier %d", i)
		}
		resolved[i] = q
	}
	return AddParams{
		Input0:    resolved[0],
		Input1:    resolved[1],
		Output:    resolved[2],
		LeftShift: addLeftShift,
	}, nil
}
