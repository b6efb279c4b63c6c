// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"math"
	"strings"

	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/pkg/errors"
)

// ActivationType specifies the element-wise activation function of Activation and ActivationGrad nodes.
type ActivationType int

const (
	ActivationIdentity ActivationType = iota
	ActivationReLU
	ActivationLeakyReLU
	ActivationClamp
	ActivationSigmoid
	ActivationSiLU
	ActivationTanh
	ActivationGELU
	ActivationGELUTanh
	ActivationHardSwish
)

var activationNames = []string{"identity", "relu", "leaky_relu", "clamp", "sigmoid", "silu", "tanh", "gelu", "gelu_tanh", "hard_swish"}

// String returns the name of the activation type.
func (a ActivationType) String() string {
	if a < 0 || int(a) >= len(activationNames) {
		return "unknown"
	}
	return activationNames[a]
}

// ParseActivation converts the name of an activation (as returned by String) to an ActivationType.
func ParseActivation(name string) (ActivationType, error) {
	name = strings.ToLower(name)
	for ii, activationName := range activationNames {
		if name == activationName {
			return ActivationType(ii), nil
		}
	}
	return ActivationIdentity, errors.Errorf("unknown activation %q, valid values are: %s", name, strings.Join(activationNames, ", "))
}

// HasGrad returns whether ActivationGrad supports the activation.
func (a ActivationType) HasGrad() bool {
	switch a {
	case ActivationIdentity, ActivationReLU, ActivationLeakyReLU, ActivationSigmoid, ActivationSiLU, ActivationTanh, ActivationGELU:
		return true
	}
	return false
}

// ActivationArgs are the parameters of an activation, given with the arguments of its node.
// A nil Args uses DefaultActivationArgs.
type ActivationArgs[C numeric.Float] struct {
	// Alpha is the slope of LeakyReLU for negative inputs.
	Alpha C

	// Lower and Upper bound Clamp.
	Lower, Upper C
}

// DefaultActivationArgs returns a LeakyReLU slope of 0.01 and an unbounded Clamp.
func DefaultActivationArgs[C numeric.Float]() ActivationArgs[C] {
	return ActivationArgs[C]{Alpha: 0.01, Lower: C(math.Inf(-1)), Upper: C(math.Inf(1))}
}

const (
	sqrt2Inv       = 0.7071067811865476 // 1/√2
	sqrt2OverPi    = 0.7978845608028654 // √(2/π)
	invSqrt2Pi     = 0.3989422804014327 // 1/√(2π)
	geluTanhCoeff  = 0.044715
	hardSwishShift = 3.0
)

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// activationFn returns the activation function, evaluated in float64 and rounded once to C.
func activationFn[C numeric.Float](kind ActivationType, args ActivationArgs[C]) func(C) C {
	switch kind {
	case ActivationIdentity:
		return func(x C) C { return x }
	case ActivationReLU:
		return func(x C) C {
			if x < 0 {
				return 0
			}
			return x
		}
	case ActivationLeakyReLU:
		alpha := args.Alpha
		return func(x C) C {
			if x < 0 {
				return alpha * x
			}
			return x
		}
	case ActivationClamp:
		lower, upper := args.Lower, args.Upper
		return func(x C) C { return min(upper, max(lower, x)) }
	case ActivationSigmoid:
		return func(x C) C { return C(sigmoid(float64(x))) }
	case ActivationSiLU:
		return func(x C) C { return C(float64(x) * sigmoid(float64(x))) }
	case ActivationTanh:
		return func(x C) C { return C(math.Tanh(float64(x))) }
	case ActivationGELU:
		return func(x C) C {
			x64 := float64(x)
			return C(x64 * 0.5 * (1.0 + math.Erf(x64*sqrt2Inv)))
		}
	case ActivationGELUTanh:
		return func(x C) C {
			x64 := float64(x)
			return C(0.5 * x64 * (1 + math.Tanh(sqrt2OverPi*(x64+geluTanhCoeff*x64*x64*x64))))
		}
	case ActivationHardSwish:
		return func(x C) C {
			x64 := float64(x)
			return C(x64 * min(6, max(0, x64+hardSwishShift)) / 6)
		}
	}
	return nil
}

// activationDerivative returns act'(z), or nil if not supported.
func activationDerivative[C numeric.Float](kind ActivationType, args ActivationArgs[C]) func(C) C {
	switch kind {
	case ActivationIdentity:
		return func(z C) C { return 1 }
	case ActivationReLU:
		return func(z C) C {
			if z > 0 {
				return 1
			}
			return 0
		}
	case ActivationLeakyReLU:
		alpha := args.Alpha
		return func(z C) C {
			if z > 0 {
				return 1
			}
			return alpha
		}
	case ActivationSigmoid:
		return func(z C) C {
			s := sigmoid(float64(z))
			return C(s * (1 - s))
		}
	case ActivationSiLU:
		return func(z C) C {
			z64 := float64(z)
			s := sigmoid(z64)
			return C(s * (1 + z64*(1-s)))
		}
	case ActivationTanh:
		return func(z C) C {
			t := math.Tanh(float64(z))
			return C(1 - t*t)
		}
	case ActivationGELU:
		return func(z C) C {
			z64 := float64(z)
			cdf := 0.5 * (1 + math.Erf(z64*sqrt2Inv))
			pdf := invSqrt2Pi * math.Exp(-0.5*z64*z64)
			return C(cdf + z64*pdf)
		}
	}
	return nil
}
