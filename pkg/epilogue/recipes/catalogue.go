// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package recipes

import (
	"fmt"
	"strings"

	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
	"github.com/gomlx/evt/pkg/epilogue/fusion"
	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// CatalogueOptions select the parameters of the recipes listed in a Catalogue.
type CatalogueOptions struct {
	// Activation used by the recipes with an activation. Those of the backward recipes fall back to
	// ReLU if it has no gradient.
	Activation fusion.ActivationType

	// Round is the rounding to the output type.
	Round numeric.RoundStyle

	// TopK of LinCombTopKSoftmaxCol. Defaults to 2.
	TopK int

	// Groups of LinearCombinationGroupedWgrad. Defaults to 2.
	Groups int
}

// Catalogue is the ordered list of the descriptors of all recipes, for one choice of precisions.
type Catalogue struct {
	entries *orderedmap.OrderedMap[string, Descriptor]
}

// NewCatalogue returns the catalogue of recipes with compute precision C and output type T. Bias and
// auxiliary tensors are also of type T.
//
// Recipes with a vector axis are listed once per axis, with names suffixed by the axis.
func NewCatalogue[C numeric.Float, T dtypes.Element](opts CatalogueOptions) *Catalogue {
	if opts.TopK <= 0 {
		opts.TopK = 2
	}
	if opts.Groups <= 0 {
		opts.Groups = 2
	}
	act, round := opts.Activation, opts.Round
	gradAct := act
	if !gradAct.HasGrad() {
		gradAct = fusion.ActivationReLU
	}

	c := &Catalogue{entries: orderedmap.New[string, Descriptor]()}
	add := func(desc Descriptor) { c.entries.Set(desc.Name, desc) }
	add(ScaledAcc[C, T](round).Descriptor())
	add(LinearCombination[C, T](round).Descriptor())
	add(LinearCombinationGrouped[C, T](round).Descriptor())
	add(LinCombEltAct[C, T](act, round).Descriptor())
	add(LinCombEltActGrouped[C, T](act, round).Descriptor())
	for _, axis := range []Axis{PerRow, PerCol} {
		add(LinCombBias[C, T, T](axis, round).Descriptor())
		add(LinCombBiasEltAct[C, T, T](axis, act, round).Descriptor())
		add(LinCombBiasEltActAux[C, T, T, T](axis, act, round).Descriptor())
		add(VecLinCombBias[C, T, T](axis, round).Descriptor())
		add(VecLinCombBiasEltAct[C, T, T](axis, act, round).Descriptor())
	}
	add(PerColResAddPerColBiasEltAct[C, T, T](act, round).Descriptor())
	for _, axis := range []Axis{PerRow, PerCol} {
		add(ScaledLinCombBias[C, T, T](axis, round).Descriptor())
		add(ScaledLinCombBiasEltAct[C, T, T](axis, act, round).Descriptor())
		add(ScaledLinCombBiasEltActAmaxAux[C, T, T, T](axis, act, round).Descriptor())
	}
	add(LinCombDeEltAct[C, T, T](gradAct, fusion.LoadOptions{}, round).Descriptor())
	add(LinCombDeEltActDeBias[C, T, T](gradAct, fusion.LoadOptions{}, round).Descriptor())
	add(LinCombTopKSoftmaxCol[C, T](opts.TopK, round).Descriptor())
	add(LinearCombinationGroupedWgrad[C, T](opts.Groups, round).Descriptor())
	return c
}

// Len returns the number of recipes.
func (c *Catalogue) Len() int { return c.entries.Len() }

// Names returns the names of the recipes, in order.
func (c *Catalogue) Names() []string {
	names := make([]string, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Descriptors returns the descriptors of the recipes, in order.
func (c *Catalogue) Descriptors() []Descriptor {
	descs := make([]Descriptor, 0, c.entries.Len())
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		descs = append(descs, pair.Value)
	}
	return descs
}

// Describe returns the descriptor of the named recipe.
func (c *Catalogue) Describe(name string) (Descriptor, error) {
	desc, found := c.entries.Get(name)
	if !found {
		return Descriptor{}, errors.Errorf("unknown recipe %q, known recipes: %s",
			name, strings.Join(c.Names(), ", "))
	}
	return desc, nil
}

// String implements fmt.Stringer: one line per recipe.
func (c *Catalogue) String() string {
	var sb strings.Builder
	for pair := c.entries.Oldest(); pair != nil; pair = pair.Next() {
		fmt.Fprintf(&sb, "%s\n", pair.Value)
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	parts := []string{fmt.Sprintf("%s: %s", d.Name, d.Formula),
		fmt.Sprintf("compute=%s", d.Compute), fmt.Sprintf("output=%s", d.Output)}
	if d.Scaling != "" {
		parts = append(parts, "scaling: "+d.Scaling)
	}
	if d.Amax != "" {
		parts = append(parts, "amax: "+d.Amax)
	}
	return strings.Join(parts, "; ")
}
