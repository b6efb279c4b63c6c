// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recipes

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/reduce"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// LinCombDeEltActArgs are the arguments of LinCombDeEltAct.
type LinCombDeEltActArgs[C numeric.Float, X dtypes.Element] struct {
	LinearCombinationArgs[C]

	// Aux holds the pre-activation values Z of the forward pass. It is required.
	Aux       []X
	AuxStride tile.Stride

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// NodeArgs implements Arguments.
func (a LinCombDeEltActArgs[C, X]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{
		Op: activationArgs(a.Activation),
		Children: []fusion.Args{
			a.LinearCombinationArgs.NodeArgs(),
			fusion.TensorArgs[C, X]{Ptr: a.Aux, Stride: a.AuxStride},
		},
	}
}

// deActivation builds act'(aux)·(alpha·acc + beta·C), with aux loaded with element type X.
func deActivation[C numeric.Float, X dtypes.Element](act fusion.ActivationType, opts fusion.LoadOptions) fusion.Node[C] {
	return fusion.EVT(fusion.Compute(fusion.ActivationGrad[C](act)),
		linComb(fusion.AccFetch[C]()), fusion.AuxLoad[C, X](opts))
}

// LinCombDeEltAct returns the recipe D = act'(aux)·(alpha·acc + beta·C): the backward pass of an
// activation, where acc (and C) hold the incoming gradient and aux the pre-activation values.
//
// The activation must have a gradient, see fusion.ActivationType.HasGrad.
func LinCombDeEltAct[C numeric.Float, T, X dtypes.Element](act fusion.ActivationType, opts fusion.LoadOptions, round numeric.RoundStyle) *Recipe[C, T, LinCombDeEltActArgs[C, X]] {
	return newRecipe[C, T, LinCombDeEltActArgs[C, X]](Descriptor{
		Name:    "LinCombDeEltAct",
		Formula: fmt.Sprintf("D = d%s(aux)·(alpha·acc + beta·C)", act),
		Source:  true,
	}, round, deActivation[C, X](act, opts))
}

// LinCombDeEltActDeBiasArgs are the arguments of LinCombDeEltActDeBias.
type LinCombDeEltActDeBiasArgs[C numeric.Float, X dtypes.Element] struct {
	LinCombDeEltActArgs[C, X]

	// DBias receives the sum of each row of D: a reduce.Sum destination, typically a vector of length M
	// (or M·L), with DBiasStride static broadcast along N, e.g. PerRow.Vector(m).
	// Nil disables it.
	DBias       *reduce.Dest[C]
	DBiasStride tile.Stride
}

// NodeArgs implements Arguments.
func (a LinCombDeEltActDeBiasArgs[C, X]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{
		Op:       fusion.ReductionArgs[C]{Dest: a.DBias, Stride: a.DBiasStride},
		Children: []fusion.Args{a.LinCombDeEltActArgs.NodeArgs()},
	}
}

// LinCombDeEltActDeBias returns the recipe D = act'(aux)·(alpha·acc + beta·C), and in the same pass
// dbias = the sum of each row of D, before rounding to T.
func LinCombDeEltActDeBias[C numeric.Float, T, X dtypes.Element](act fusion.ActivationType, opts fusion.LoadOptions, round numeric.RoundStyle) *Recipe[C, T, LinCombDeEltActDeBiasArgs[C, X]] {
	return newRecipe[C, T, LinCombDeEltActDeBiasArgs[C, X]](Descriptor{
		Name:    "LinCombDeEltActDeBias",
		Formula: fmt.Sprintf("D = d%s(aux)·(alpha·acc + beta·C), dbias = Σ_n D", act),
		Source:  true,
	}, round, fusion.EVT(fusion.RowReduction[C](reduce.Sum), deActivation[C, X](act, opts)))
}
