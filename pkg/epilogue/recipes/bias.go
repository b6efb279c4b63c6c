// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recipes

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// LinCombBiasArgs are the arguments of LinCombBias.
type LinCombBiasArgs[C numeric.Float, B dtypes.Element] struct {
	LinearCombinationArgs[C]

	// Bias vector, read with BiasStride: use Axis.Vector for a packed vector along the axis of the recipe.
	// A nil Bias adds 0.
	Bias       []B
	BiasStride tile.Stride
}

func (a LinCombBiasArgs[C, B]) bias() fusion.TensorArgs[C, B] {
	return fusion.TensorArgs[C, B]{Ptr: a.Bias, Stride: a.BiasStride}
}

// NodeArgs implements Arguments.
func (a LinCombBiasArgs[C, B]) NodeArgs() fusion.Args {
	return linCombBiasArgs(a.alpha(), a.beta(), a.bias())
}

// LinCombBias returns the recipe D = alpha·acc + beta·C + bias, with the bias vector along axis
// (element type B).
func LinCombBias[C numeric.Float, T, B dtypes.Element](axis Axis, round numeric.RoundStyle) *Recipe[C, T, LinCombBiasArgs[C, B]] {
	return newRecipe[C, T, LinCombBiasArgs[C, B]](Descriptor{
		Name:    "LinCombBias" + axis.String(),
		Formula: "D = alpha·acc + beta·C + bias",
		Source:  true,
	}, round, linCombBias(scalar[C](), scalar[C](), vector[C, B](axis)))
}

// LinCombBiasEltActArgs are the arguments of LinCombBiasEltAct.
type LinCombBiasEltActArgs[C numeric.Float, B dtypes.Element] struct {
	LinCombBiasArgs[C, B]

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// NodeArgs implements Arguments.
func (a LinCombBiasEltActArgs[C, B]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Op: activationArgs(a.Activation), Children: []fusion.Args{a.LinCombBiasArgs.NodeArgs()}}
}

// LinCombBiasEltAct returns the recipe D = act(alpha·acc + beta·C + bias), with the bias vector along
// axis.
func LinCombBiasEltAct[C numeric.Float, T, B dtypes.Element](axis Axis, act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, LinCombBiasEltActArgs[C, B]] {
	return newRecipe[C, T, LinCombBiasEltActArgs[C, B]](Descriptor{
		Name:    "LinCombBiasEltAct" + axis.String(),
		Formula: fmt.Sprintf("D = %s(alpha·acc + beta·C + bias)", act),
		Source:  true,
	}, round, activation(act, linCombBias(scalar[C](), scalar[C](), vector[C, B](axis))))
}

// LinCombBiasEltActAuxArgs are the arguments of LinCombBiasEltActAux.
type LinCombBiasEltActAuxArgs[C numeric.Float, B, X dtypes.Element] struct {
	LinCombBiasEltActArgs[C, B]

	// Aux is the tensor where the pre-activation values are stored. It is required.
	Aux       []X
	AuxStride tile.Stride
}

// NodeArgs implements Arguments.
func (a LinCombBiasEltActAuxArgs[C, B, X]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{
		Op: activationArgs(a.Activation),
		Children: []fusion.Args{fusion.EVTArgs{
			Op:       fusion.StoreArgs[X]{Ptr: a.Aux, Stride: a.AuxStride},
			Children: []fusion.Args{a.LinCombBiasArgs.NodeArgs()},
		}},
	}
}

// LinCombBiasEltActAux returns the recipe D = act(Z), Aux = Z, where Z = alpha·acc + beta·C + bias,
// with the bias vector along axis. Aux has element type X, rounded as D.
func LinCombBiasEltActAux[C numeric.Float, T, B, X dtypes.Element](axis Axis, act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, LinCombBiasEltActAuxArgs[C, B, X]] {
	z := linCombBias(scalar[C](), scalar[C](), vector[C, B](axis))
	aux := fusion.EVT(fusion.AuxStore[C, X](fusion.StoreOptions{Round: round}), z)
	return newRecipe[C, T, LinCombBiasEltActAuxArgs[C, B, X]](Descriptor{
		Name:    "LinCombBiasEltActAux" + axis.String(),
		Formula: fmt.Sprintf("D = %s(Z), Aux = Z, Z = alpha·acc + beta·C + bias", act),
		Source:  true,
	}, round, activation(act, aux))
}

// VecLinCombBiasArgs are the arguments of VecLinCombBias: alpha and beta are vectors along the axis
// of the recipe, like the bias.
type VecLinCombBiasArgs[C numeric.Float, B dtypes.Element] struct {
	// Alpha and Beta are used where AlphaPtr (BetaPtr) is nil or doesn't cover the output.
	Alpha, Beta C

	AlphaPtr, BetaPtr       []C
	AlphaStride, BetaStride tile.Stride

	// Bias vector, nil adds 0.
	Bias       []B
	BiasStride tile.Stride
}

func (a VecLinCombBiasArgs[C, B]) vectors() (alpha, beta fusion.TensorArgs[C, C], bias fusion.TensorArgs[C, B]) {
	alpha = fusion.TensorArgs[C, C]{Ptr: a.AlphaPtr, Null: a.Alpha, Stride: a.AlphaStride}
	beta = fusion.TensorArgs[C, C]{Ptr: a.BetaPtr, Null: a.Beta, Stride: a.BetaStride}
	bias = fusion.TensorArgs[C, B]{Ptr: a.Bias, Stride: a.BiasStride}
	return
}

// NodeArgs implements Arguments.
func (a VecLinCombBiasArgs[C, B]) NodeArgs() fusion.Args {
	return linCombBiasArgs(a.vectors())
}

// VecLinCombBias returns the recipe D = alpha ⊙ acc + beta ⊙ C + bias, where alpha, beta and bias are
// vectors along axis.
func VecLinCombBias[C numeric.Float, T, B dtypes.Element](axis Axis, round numeric.RoundStyle) *Recipe[C, T, VecLinCombBiasArgs[C, B]] {
	return newRecipe[C, T, VecLinCombBiasArgs[C, B]](Descriptor{
		Name:    "VecLinCombBias" + axis.String(),
		Formula: "D = alpha ⊙ acc + beta ⊙ C + bias",
		Source:  true,
	}, round, linCombBias(vector[C, C](axis), vector[C, C](axis), vector[C, B](axis)))
}

// VecLinCombBiasEltActArgs are the arguments of VecLinCombBiasEltAct.
type VecLinCombBiasEltActArgs[C numeric.Float, B dtypes.Element] struct {
	VecLinCombBiasArgs[C, B]

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// NodeArgs implements Arguments.
func (a VecLinCombBiasEltActArgs[C, B]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Op: activationArgs(a.Activation), Children: []fusion.Args{a.VecLinCombBiasArgs.NodeArgs()}}
}

// VecLinCombBiasEltAct returns the recipe D = act(alpha ⊙ acc + beta ⊙ C + bias), where alpha, beta
// and bias are vectors along axis.
func VecLinCombBiasEltAct[C numeric.Float, T, B dtypes.Element](axis Axis, act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, VecLinCombBiasEltActArgs[C, B]] {
	return newRecipe[C, T, VecLinCombBiasEltActArgs[C, B]](Descriptor{
		Name:    "VecLinCombBiasEltAct" + axis.String(),
		Formula: fmt.Sprintf("D = %s(alpha ⊙ acc + beta ⊙ C + bias)", act),
		Source:  true,
	}, round, activation(act, linCombBias(vector[C, C](axis), vector[C, C](axis), vector[C, B](axis))))
}

// ResAddArgs are the arguments of PerColResAddPerColBiasEltAct. All vectors are per column.
type ResAddArgs[C numeric.Float, B dtypes.Element] struct {
	VecLinCombBiasEltActArgs[C, B]
}

// NodeArgs implements Arguments.
func (a ResAddArgs[C, B]) NodeArgs() fusion.Args {
	alpha, beta, bias := a.vectors()
	return fusion.EVTArgs{Children: []fusion.Args{
		beta,
		nil,
		fusion.EVTArgs{
			Op:       activationArgs(a.Activation),
			Children: []fusion.Args{fusion.EVTArgs{Children: []fusion.Args{alpha, nil, bias}}},
		},
	}}
}

// PerColResAddPerColBiasEltAct returns the recipe D = act(alpha ⊙ acc + bias) + beta ⊙ C, where C is
// a residual added after the activation, and alpha, beta and bias are per-column vectors.
func PerColResAddPerColBiasEltAct[C numeric.Float, T, B dtypes.Element](act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, ResAddArgs[C, B]] {
	preActivation := fusion.EVT(multiplyAdd[C](), vector[C, C](PerCol), fusion.AccFetch[C](), vector[C, B](PerCol))
	root := fusion.EVT(multiplyAdd[C](), vector[C, C](PerCol), fusion.SrcFetch[C](), activation(act, preActivation))
	return newRecipe[C, T, ResAddArgs[C, B]](Descriptor{
		Name:    "PerColResAddPerColBiasEltAct",
		Formula: fmt.Sprintf("D = %s(alpha ⊙ acc + bias) + beta ⊙ C", act),
		Source:  true,
	}, round, root)
}
