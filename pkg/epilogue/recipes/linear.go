// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recipes

import (
	"fmt"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/tile"
)

// ScaledAccArgs are the arguments of ScaledAcc.
type ScaledAccArgs[C numeric.Float] struct {
	Alpha C

	// AlphaPtr, if set, overrides Alpha with one value per batch, AlphaStride apart.
	AlphaPtr    []C
	AlphaStride tile.Dim
}

// NodeArgs implements Arguments.
func (a ScaledAccArgs[C]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Children: []fusion.Args{
		scalarArgs(fusion.Scalar[C]{Value: a.Alpha, Ptr: a.AlphaPtr, Stride: a.AlphaStride}),
	}}
}

// ScaledAcc returns the recipe D = alpha·acc.
func ScaledAcc[C numeric.Float, T dtypes.Element](round numeric.RoundStyle) *Recipe[C, T, ScaledAccArgs[C]] {
	return newRecipe[C, T, ScaledAccArgs[C]](Descriptor{
		Name:    "ScaledAcc",
		Formula: "D = alpha·acc",
	}, round, fusion.EVT(multiplies[C](), scalar[C](), fusion.AccFetch[C]()))
}

// LinearCombinationArgs are the arguments of alpha·acc + beta·C recipes.
type LinearCombinationArgs[C numeric.Float] struct {
	Alpha, Beta C

	// AlphaPtr and BetaPtr, if set, override Alpha and Beta with one value per batch, AlphaStride
	// (BetaStride) apart.
	AlphaPtr, BetaPtr       []C
	AlphaStride, BetaStride tile.Dim
}

func (a LinearCombinationArgs[C]) alpha() fusion.ScalarArgs[C] {
	return scalarArgs(fusion.Scalar[C]{Value: a.Alpha, Ptr: a.AlphaPtr, Stride: a.AlphaStride})
}

func (a LinearCombinationArgs[C]) beta() fusion.ScalarArgs[C] {
	return scalarArgs(fusion.Scalar[C]{Value: a.Beta, Ptr: a.BetaPtr, Stride: a.BetaStride})
}

// NodeArgs implements Arguments.
func (a LinearCombinationArgs[C]) NodeArgs() fusion.Args {
	return linCombArgs(a.alpha(), a.beta())
}

// LinearCombination returns the recipe D = alpha·acc + beta·C.
func LinearCombination[C numeric.Float, T dtypes.Element](round numeric.RoundStyle) *Recipe[C, T, LinearCombinationArgs[C]] {
	return newRecipe[C, T, LinearCombinationArgs[C]](Descriptor{
		Name:    "LinearCombination",
		Formula: "D = alpha·acc + beta·C",
		Source:  true,
	}, round, linComb(fusion.AccFetch[C]()))
}

// LinearCombinationGroupedArgs are the arguments of recipes of grouped problems, where alpha and
// beta can be given per group.
type LinearCombinationGroupedArgs[C numeric.Float] struct {
	Alpha, Beta C

	// AlphaPtrArray and BetaPtrArray, if set, override Alpha and Beta with one array per group,
	// each with one value per batch, AlphaStride (BetaStride) apart.
	AlphaPtrArray, BetaPtrArray [][]C
	AlphaStride, BetaStride     tile.Dim
}

// NodeArgs implements Arguments.
func (a LinearCombinationGroupedArgs[C]) NodeArgs() fusion.Args {
	return linCombArgs(
		scalarArgs(fusion.Scalar[C]{Value: a.Alpha, PtrArray: a.AlphaPtrArray, Stride: a.AlphaStride}),
		scalarArgs(fusion.Scalar[C]{Value: a.Beta, PtrArray: a.BetaPtrArray, Stride: a.BetaStride}))
}

// LinearCombinationGrouped returns the recipe D = alpha[g]·acc + beta[g]·C for problem group g.
func LinearCombinationGrouped[C numeric.Float, T dtypes.Element](round numeric.RoundStyle) *Recipe[C, T, LinearCombinationGroupedArgs[C]] {
	return newRecipe[C, T, LinearCombinationGroupedArgs[C]](Descriptor{
		Name:    "LinearCombinationGrouped",
		Formula: "D = alpha[g]·acc + beta[g]·C",
		Source:  true,
	}, round, linComb(fusion.AccFetch[C]()))
}

// LinCombEltActArgs are the arguments of LinCombEltAct.
type LinCombEltActArgs[C numeric.Float] struct {
	LinearCombinationArgs[C]

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// NodeArgs implements Arguments.
func (a LinCombEltActArgs[C]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Op: activationArgs(a.Activation), Children: []fusion.Args{a.LinearCombinationArgs.NodeArgs()}}
}

// LinCombEltAct returns the recipe D = act(alpha·acc + beta·C).
func LinCombEltAct[C numeric.Float, T dtypes.Element](act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, LinCombEltActArgs[C]] {
	return newRecipe[C, T, LinCombEltActArgs[C]](Descriptor{
		Name:    "LinCombEltAct",
		Formula: fmt.Sprintf("D = %s(alpha·acc + beta·C)", act),
		Source:  true,
	}, round, activation(act, linComb(fusion.AccFetch[C]())))
}

// LinCombEltActGroupedArgs are the arguments of LinCombEltActGrouped.
type LinCombEltActGroupedArgs[C numeric.Float] struct {
	LinearCombinationGroupedArgs[C]

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// NodeArgs implements Arguments.
func (a LinCombEltActGroupedArgs[C]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Op: activationArgs(a.Activation), Children: []fusion.Args{a.LinearCombinationGroupedArgs.NodeArgs()}}
}

// LinCombEltActGrouped returns the recipe D = act(alpha[g]·acc + beta[g]·C) for problem group g.
func LinCombEltActGrouped[C numeric.Float, T dtypes.Element](act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, LinCombEltActGroupedArgs[C]] {
	return newRecipe[C, T, LinCombEltActGroupedArgs[C]](Descriptor{
		Name:    "LinCombEltActGrouped",
		Formula: fmt.Sprintf("D = %s(alpha[g]·acc + beta[g]·C)", act),
		Source:  true,
	}, round, activation(act, linComb(fusion.AccFetch[C]())))
}

// LinearCombinationGroupedWgrad returns the recipe D = alpha·acc + beta·C for grouped weight-gradient
// convolutions: only the block-diagonal groups blocks of each accumulator tile are kept, the others
// are zero.
func LinearCombinationGroupedWgrad[C numeric.Float, T dtypes.Element](groups int, round numeric.RoundStyle) *Recipe[C, T, LinearCombinationArgs[C]] {
	return newRecipe[C, T, LinearCombinationArgs[C]](Descriptor{
		Name:    "LinearCombinationGroupedWgrad",
		Formula: fmt.Sprintf("D = alpha·blockdiag(acc, %d) + beta·C", groups),
		Source:  true,
	}, round, linComb(fusion.AccFetchGroupedWgrad[C](groups)))
}

// TopKSoftmaxArgs are the arguments of LinCombTopKSoftmaxCol.
type TopKSoftmaxArgs[C numeric.Float] struct {
	LinearCombinationArgs[C]
}

// NodeArgs implements Arguments.
func (a TopKSoftmaxArgs[C]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Children: []fusion.Args{a.LinearCombinationArgs.NodeArgs()}}
}

// LinCombTopKSoftmaxCol returns the recipe D = softmax(top_k(alpha·acc + beta·C)) for each column of the
// output: the k largest values of each column are replaced by their softmax, the others are zeroed.
// Ties go to the lower row.
//
// The tile must cover all the rows of the problem.
func LinCombTopKSoftmaxCol[C numeric.Float, T dtypes.Element](k int, round numeric.RoundStyle) *Recipe[C, T, TopKSoftmaxArgs[C]] {
	return newRecipe[C, T, TopKSoftmaxArgs[C]](Descriptor{
		Name:    "LinCombTopKSoftmaxCol",
		Formula: fmt.Sprintf("D = softmax(top_%d(alpha·acc + beta·C)) per column", k),
		Source:  true,
	}, round, fusion.EVT(fusion.TopKSoftmax[C](k), linComb(fusion.AccFetch[C]())))
}
