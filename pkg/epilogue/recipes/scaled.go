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

// ScaledLinCombBiasArgs are the arguments of ScaledLinCombBias.
//
// Scale factors are per-tensor: the value of ScaleXPtr[0] if the pointer is set, ScaleX otherwise.
// Like Alpha and Beta, they are taken as given, so a zero scale factor zeroes its term: start from
// DefaultScaledLinCombBiasArgs to have them all set to 1.
type ScaledLinCombBiasArgs[C numeric.Float, B dtypes.Element] struct {
	LinearCombinationArgs[C]

	ScaleA, ScaleB, ScaleC          C
	ScaleAPtr, ScaleBPtr, ScaleCPtr []C

	// Bias vector, nil adds 0.
	Bias       []B
	BiasStride tile.Stride
}

// DefaultScaledLinCombBiasArgs returns the arguments with all scale factors set to 1.
func DefaultScaledLinCombBiasArgs[C numeric.Float, B dtypes.Element]() ScaledLinCombBiasArgs[C, B] {
	return ScaledLinCombBiasArgs[C, B]{ScaleA: 1, ScaleB: 1, ScaleC: 1}
}

// NodeArgs implements Arguments.
func (a ScaledLinCombBiasArgs[C, B]) NodeArgs() fusion.Args {
	alpha := fusion.Scalar[C]{Value: a.Alpha, Ptr: a.AlphaPtr, Stride: a.AlphaStride}
	beta := fusion.Scalar[C]{Value: a.Beta, Ptr: a.BetaPtr, Stride: a.BetaStride}
	return linCombBiasArgs(
		scalarArgs(alpha, scaleFactor(a.ScaleA, a.ScaleAPtr), scaleFactor(a.ScaleB, a.ScaleBPtr)),
		scalarArgs(beta, scaleFactor(a.ScaleC, a.ScaleCPtr)),
		fusion.TensorArgs[C, B]{Ptr: a.Bias, Stride: a.BiasStride})
}

// scaledLinCombBias builds Z = scale_a·scale_b·alpha·acc + scale_c·beta·C + bias.
func scaledLinCombBias[C numeric.Float, B dtypes.Element](axis Axis) fusion.Node[C] {
	return linCombBias(fusion.ScalarBroadcast[C](3), fusion.ScalarBroadcast[C](2), vector[C, B](axis))
}

const scaledZ = "Z = scale_a·scale_b·alpha·acc + scale_c·beta·C + bias"

// ScaledLinCombBias returns the recipe D = scale_a·scale_b·alpha·acc + scale_c·beta·C + bias, with the
// bias vector along axis: the scale factors undo the scaling of narrow-float inputs A, B and C.
func ScaledLinCombBias[C numeric.Float, T, B dtypes.Element](axis Axis, round numeric.RoundStyle) *Recipe[C, T, ScaledLinCombBiasArgs[C, B]] {
	return newRecipe[C, T, ScaledLinCombBiasArgs[C, B]](Descriptor{
		Name:    "ScaledLinCombBias" + axis.String(),
		Formula: "D = scale_a·scale_b·alpha·acc + scale_c·beta·C + bias",
		Scaling: "scale_a·scale_b on acc, scale_c on C",
		Source:  true,
	}, round, scaledLinCombBias[C, B](axis))
}

// ScaledLinCombBiasEltActArgs are the arguments of ScaledLinCombBiasEltAct.
type ScaledLinCombBiasEltActArgs[C numeric.Float, B dtypes.Element] struct {
	ScaledLinCombBiasArgs[C, B]

	// ScaleD is only used if the output is a narrow float.
	ScaleD    C
	ScaleDPtr []C

	// Activation parameters, nil for the defaults.
	Activation *fusion.ActivationArgs[C]
}

// DefaultScaledLinCombBiasEltActArgs returns the arguments with all scale factors set to 1.
func DefaultScaledLinCombBiasEltActArgs[C numeric.Float, B dtypes.Element]() ScaledLinCombBiasEltActArgs[C, B] {
	return ScaledLinCombBiasEltActArgs[C, B]{ScaledLinCombBiasArgs: DefaultScaledLinCombBiasArgs[C, B](), ScaleD: 1}
}

// NodeArgs implements Arguments.
func (a ScaledLinCombBiasEltActArgs[C, B]) NodeArgs() fusion.Args {
	return fusion.EVTArgs{Children: []fusion.Args{
		fusion.EVTArgs{Op: activationArgs(a.Activation), Children: []fusion.Args{a.ScaledLinCombBiasArgs.NodeArgs()}},
		scalarArgs(scaleFactor(a.ScaleD, a.ScaleDPtr)),
	}}
}

// scaleOutput returns the operation applying scale_d to the output: a multiplication if T is a narrow
// float, and otherwise First, which drops scale_d from the graph.
func scaleOutput[C numeric.Float, T dtypes.Element]() fusion.Op[C] {
	if dtypes.IsNarrowFloat[T]() {
		return multiplies[C]()
	}
	return fusion.Compute(fusion.First[C]())
}

// ScaledLinCombBiasEltAct returns the recipe D = scale_d·act(Z), where Z = scale_a·scale_b·alpha·acc +
// scale_c·beta·C + bias, with the bias vector along axis.
//
// scale_d only exists if T is a narrow float: otherwise D = act(Z).
func ScaledLinCombBiasEltAct[C numeric.Float, T, B dtypes.Element](axis Axis, act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, ScaledLinCombBiasEltActArgs[C, B]] {
	desc := Descriptor{
		Name:    "ScaledLinCombBiasEltAct" + axis.String(),
		Formula: fmt.Sprintf("D = %s(Z), %s", act, scaledZ),
		Scaling: "scale_a·scale_b on acc, scale_c on C",
		Source:  true,
	}
	if dtypes.IsNarrowFloat[T]() {
		desc.Formula = fmt.Sprintf("D = scale_d·%s(Z), %s", act, scaledZ)
		desc.Scaling += ", scale_d on D"
	}
	root := fusion.EVT(scaleOutput[C, T](), activation(act, scaledLinCombBias[C, B](axis)), scalar[C]())
	return newRecipe[C, T, ScaledLinCombBiasEltActArgs[C, B]](desc, round, root)
}

// AmaxAuxArgs are the arguments of ScaledLinCombBiasEltActAmaxAux. The output type T and the auxiliary
// type X select the variant of the graph, and hence the layout of the node arguments.
type AmaxAuxArgs[C numeric.Float, T, B, X dtypes.Element] struct {
	ScaledLinCombBiasEltActArgs[C, B]

	// ScaleAux is only used if X is a narrow float.
	ScaleAux    C
	ScaleAuxPtr []C

	// AmaxD receives max|act(Z)|, only if T is a narrow float. It must be a reduce.MaxAbs destination,
	// and nil disables it.
	AmaxD *reduce.Dest[C]

	// AmaxAux receives max|Z|, only if X is a narrow float. It must be a reduce.MaxAbs destination,
	// and nil disables it.
	AmaxAux *reduce.Dest[C]

	// Aux is the tensor where the auxiliary output is stored. It is required.
	Aux       []X
	AuxStride tile.Stride
}

// DefaultAmaxAuxArgs returns the arguments with all scale factors set to 1. Aux must still be set.
func DefaultAmaxAuxArgs[C numeric.Float, T, B, X dtypes.Element]() AmaxAuxArgs[C, T, B, X] {
	return AmaxAuxArgs[C, T, B, X]{ScaledLinCombBiasEltActArgs: DefaultScaledLinCombBiasEltActArgs[C, B](), ScaleAux: 1}
}

// amaxD wraps the node arguments with those of the amax of D, if it exists.
func (a AmaxAuxArgs[C, T, B, X]) amaxD(args fusion.Args) fusion.Args {
	if !dtypes.IsNarrowFloat[T]() {
		return args
	}
	return fusion.EVTArgs{Op: fusion.ReductionArgs[C]{Dest: a.AmaxD}, Children: []fusion.Args{args}}
}

// NodeArgs implements Arguments.
func (a AmaxAuxArgs[C, T, B, X]) NodeArgs() fusion.Args {
	z := a.ScaledLinCombBiasArgs.NodeArgs()
	act := activationArgs(a.Activation)
	scaleD := scalarArgs(scaleFactor(a.ScaleD, a.ScaleDPtr))
	store := fusion.StoreArgs[X]{Ptr: a.Aux, Stride: a.AuxStride}
	if !dtypes.IsNarrowFloat[X]() {
		return fusion.EVTArgs{Children: []fusion.Args{
			a.amaxD(fusion.EVTArgs{Op: act, Children: []fusion.Args{
				fusion.EVTArgs{Op: store, Children: []fusion.Args{z}},
			}}),
			scaleD,
		}}
	}
	return fusion.SplitArgs{
		Producer: z,
		Consumers: []fusion.Args{
			fusion.EVTArgs{Op: store, Children: []fusion.Args{
				fusion.EVTArgs{Children: []fusion.Args{
					fusion.EVTArgs{Op: fusion.ReductionArgs[C]{Dest: a.AmaxAux}},
					scalarArgs(scaleFactor(a.ScaleAux, a.ScaleAuxPtr)),
				}},
			}},
			fusion.EVTArgs{Children: []fusion.Args{a.amaxD(fusion.EVTArgs{Op: act}), scaleD}},
		},
	}
}

// ScaledLinCombBiasEltActAmaxAux returns the recipe D = scale_d·act(Z), Aux = scale_aux·Z, where
// Z = scale_a·scale_b·alpha·acc + scale_c·beta·C + bias, with the bias vector along axis, and tracks
// the absolute maximum of the outputs before scaling.
//
// If T is a narrow float, scale_d applies and amax_D = max|act(Z)|; otherwise D = act(Z).
//
// If X is a narrow float, Z is computed once and shared by the two outputs (a Split):
// Aux = scale_aux·Z and amax_aux = max|Z|. Otherwise the graph is a tree with Aux = Z and no
// reduction of Aux.
func ScaledLinCombBiasEltActAmaxAux[C numeric.Float, T, B, X dtypes.Element](axis Axis, act fusion.ActivationType, round numeric.RoundStyle) *Recipe[C, T, AmaxAuxArgs[C, T, B, X]] {
	narrowD, narrowAux := dtypes.IsNarrowFloat[T](), dtypes.IsNarrowFloat[X]()
	desc := Descriptor{
		Name:    "ScaledLinCombBiasEltActAmaxAux" + axis.String(),
		Scaling: "scale_a·scale_b on acc, scale_c on C",
		Source:  true,
	}
	dFormula, auxFormula := fmt.Sprintf("D = %s(Z)", act), "Aux = Z"
	if narrowD {
		dFormula = fmt.Sprintf("D = scale_d·%s(Z)", act)
		desc.Scaling += ", scale_d on D"
		desc.Amax = fmt.Sprintf("amax_D = max|%s(Z)|", act)
	}
	if narrowAux {
		auxFormula = "Aux = scale_aux·Z"
		desc.Scaling += ", scale_aux on Aux"
		if desc.Amax != "" {
			desc.Amax += ", "
		}
		desc.Amax += "amax_aux = max|Z|"
	}
	desc.Formula = fmt.Sprintf("%s, %s, %s", dFormula, auxFormula, scaledZ)

	storeAux := fusion.AuxStore[C, X](fusion.StoreOptions{Round: round})
	amaxD := func(node fusion.Node[C]) fusion.Node[C] {
		if !narrowD {
			return node
		}
		return fusion.EVT(fusion.ScalarReduction[C](reduce.MaxAbs), node)
	}
	z := scaledLinCombBias[C, B](axis)
	var root fusion.Node[C]
	if !narrowAux {
		root = fusion.EVT(scaleOutput[C, T](), amaxD(activation(act, fusion.EVT(storeAux, z))), scalar[C]())
	} else {
		slot := fusion.NewSlot[C]("Z")
		aux := fusion.EVT(storeAux,
			fusion.EVT(multiplies[C](), fusion.EVT(fusion.ScalarReduction[C](reduce.MaxAbs), fusion.Fetch(slot)), scalar[C]()))
		d := fusion.EVT(scaleOutput[C, T](), amaxD(activation(act, fusion.Fetch(slot))), scalar[C]())
		root = fusion.Split(slot, z, aux, d)
	}
	return newRecipe[C, T, AmaxAuxArgs[C, T, B, X]](desc, round, root)
}
