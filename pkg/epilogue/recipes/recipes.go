// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package recipes is the catalogue of named epilogue fusions: each Recipe is a fixed fusion graph
// implementing one formula, with a flat Arguments record converted to the nested arguments of the
// graph nodes.
//
// Notation used in the formulas: acc is the accumulator, C the prior output, D the output and Aux a
// secondary output. Scalars (alpha, beta, scale factors) are broadcast over the whole tile, vectors
// (bias, vector alpha and beta) along one Axis.
//
// Variants that depend on a type (e.g. scale D only if D is a narrow float) are selected when the
// recipe is created: they never branch per tile.
package recipes

import (
	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/gomlx/evt/pkg/epilogue/tile"
	"github.com/pkg/errors"
)

// Arguments is the flat, user-facing record of arguments of a recipe.
type Arguments interface {
	// NodeArgs converts the record to the nested arguments of the recipe's graph.
	NodeArgs() fusion.Args
}

// Descriptor documents a recipe.
type Descriptor struct {
	// Name of the recipe in the Catalogue.
	Name string

	// Formula implemented.
	Formula string

	// Compute and Output precisions.
	Compute, Output dtypes.DType

	// Round is the rounding used when narrowing to the output type, applied once at the final store.
	Round numeric.RoundStyle

	// Scaling describes where scale factors apply, empty if none.
	Scaling string

	// Amax describes the absolute-max reductions, empty if none.
	Amax string

	// Source is true if the recipe reads the prior output C.
	Source bool

	// Graph is the description of the fusion graph.
	Graph string
}

// Recipe is a fusion graph with compute precision C, output element type T and flat arguments A.
type Recipe[C numeric.Float, T dtypes.Element, A Arguments] struct {
	desc Descriptor
	root fusion.Node[C]
}

func newRecipe[C numeric.Float, T dtypes.Element, A Arguments](desc Descriptor, round numeric.RoundStyle, root fusion.Node[C]) *Recipe[C, T, A] {
	desc.Compute = dtypes.FromAny(C(0))
	desc.Output = dtypes.FromGenericsType[T]()
	desc.Round = round
	desc.Graph = root.String()
	return &Recipe[C, T, A]{desc: desc, root: root}
}

// Descriptor returns the documentation of the recipe.
func (r *Recipe[C, T, A]) Descriptor() Descriptor { return r.desc }

// Name of the recipe.
func (r *Recipe[C, T, A]) Name() string { return r.desc.Name }

// Graph returns the root of the fusion graph of the recipe.
func (r *Recipe[C, T, A]) Graph() fusion.Node[C] { return r.root }

// String implements fmt.Stringer.
func (r *Recipe[C, T, A]) String() string { return r.desc.Name + ": " + r.desc.Formula }

// Compile the recipe with its arguments into a kernel writing to d.
// The rounding of cfg is replaced by the one of the recipe.
func (r *Recipe[C, T, A]) Compile(args A, d tile.Tensor[T], cfg fusion.Config) (*fusion.Kernel[C, T], error) {
	cfg.Round = r.desc.Round
	kernel, err := fusion.Compile(r.root, args.NodeArgs(), d, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "recipe %s", r.desc.Name)
	}
	return kernel, nil
}

// Axis of the vectors of a recipe (bias, vector alpha and beta).
type Axis int

const (
	// PerRow vectors hold one value per row of the output, broadcast along the columns.
	PerRow Axis = iota

	// PerCol vectors hold one value per column of the output, broadcast along the rows.
	PerCol
)

// String implements fmt.Stringer.
func (a Axis) String() string {
	if a == PerCol {
		return "PerCol"
	}
	return "PerRow"
}

// Vector returns the stride of a packed vector along the axis, with the given batch stride.
func (a Axis) Vector(batch tile.Dim) tile.Stride {
	if a == PerCol {
		return tile.Stride{M: tile.Zero, N: tile.One, L: batch}
	}
	return tile.Stride{M: tile.One, N: tile.Zero, L: batch}
}

// vector returns the broadcast leaf for the axis.
func vector[C numeric.Float, E dtypes.Element](axis Axis) fusion.Node[C] {
	if axis == PerCol {
		return fusion.ColBroadcast[C, E]()
	}
	return fusion.RowBroadcast[C, E]()
}

// Graph building blocks.

func scalar[C numeric.Float]() fusion.Node[C] { return fusion.ScalarBroadcast[C](1) }

func multiplies[C numeric.Float]() fusion.Op[C] { return fusion.Compute(fusion.Multiplies[C]()) }

func multiplyAdd[C numeric.Float]() fusion.Op[C] { return fusion.Compute(fusion.MultiplyAdd[C]()) }

// linComb builds alpha·acc + beta·C, where acc is given by accNode.
func linComb[C numeric.Float](accNode fusion.Node[C]) fusion.Node[C] {
	return fusion.EVT(multiplyAdd[C](), scalar[C](), accNode,
		fusion.EVT(multiplies[C](), scalar[C](), fusion.SrcFetch[C]()))
}

func linCombArgs(alpha, beta fusion.Args) fusion.Args {
	return fusion.EVTArgs{Children: []fusion.Args{alpha, nil, fusion.EVTArgs{Children: []fusion.Args{beta}}}}
}

// linCombBias builds alpha·acc + (beta·C + bias): alpha and beta can be scalars or vectors.
func linCombBias[C numeric.Float](alpha, beta, bias fusion.Node[C]) fusion.Node[C] {
	return fusion.EVT(multiplyAdd[C](), alpha, fusion.AccFetch[C](),
		fusion.EVT(multiplyAdd[C](), beta, fusion.SrcFetch[C](), bias))
}

func linCombBiasArgs(alpha, beta, bias fusion.Args) fusion.Args {
	return fusion.EVTArgs{Children: []fusion.Args{alpha, nil, fusion.EVTArgs{Children: []fusion.Args{beta, nil, bias}}}}
}

// activation wraps node with the activation function.
func activation[C numeric.Float](act fusion.ActivationType, node fusion.Node[C]) fusion.Node[C] {
	return fusion.EVT(fusion.Compute(fusion.Activation[C](act)), node)
}

// activationArgs returns the node arguments of an activation: nil selects the defaults.
func activationArgs[C numeric.Float](args *fusion.ActivationArgs[C]) fusion.Args {
	if args == nil {
		return nil
	}
	return *args
}

func scalarArgs[C numeric.Float](scalars ...fusion.Scalar[C]) fusion.ScalarArgs[C] {
	return fusion.ScalarArgs[C]{Scalars: scalars}
}

// scaleFactor returns the scalar of a per-tensor scale factor: ptr[0] if set, value otherwise.
func scaleFactor[C numeric.Float](value C, ptr []C) fusion.Scalar[C] {
	return fusion.Scalar[C]{Value: value, Ptr: ptr}
}
