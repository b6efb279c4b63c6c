// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gemm

import (
	"github.com/gomlx/evt/pkg/core/dtypes"
	"github.com/gomlx/evt/pkg/core/numeric"
)

// packRHS packs a [depth, width] block of the row-major rhs, starting at (rowStart, colStart), into
// dst, rearranged in vertical strips of kernelCols (Nr) columns: [ceil(width/Nr), depth, Nr].
// Incomplete strips are zero-padded.
func packRHS[C numeric.Float, I dtypes.Element](src []I, widen func(I) C, dst []C,
	rowStart, colStart, rowStride, depth, width, kernelCols int) {
	dstIdx := 0
	for stripColIdx := 0; stripColIdx < width; stripColIdx += kernelCols {
		validCols := min(kernelCols, width-stripColIdx)
		srcIdx := rowStart*rowStride + colStart + stripColIdx
		for range depth {
			for c := range validCols {
				dst[dstIdx+c] = widen(src[srcIdx+c])
			}
			for c := validCols; c < kernelCols; c++ {
				dst[dstIdx+c] = 0
			}
			dstIdx += kernelCols
			srcIdx += rowStride
		}
	}
}

// packLHS packs a [height, depth] block of the row-major lhs, starting at (rowStart, colStart), into
// dst, rearranged in horizontal strips of kernelRows (Mr) rows, traversed depth first:
// [ceil(height/Mr), depth, Mr]. Incomplete strips are zero-padded.
func packLHS[C numeric.Float, I dtypes.Element](src []I, widen func(I) C, dst []C,
	rowStart, colStart, rowStride, height, depth, kernelRows int) {
	dstIdx := 0
	for stripRowIdx := 0; stripRowIdx < height; stripRowIdx += kernelRows {
		validRows := min(kernelRows, height-stripRowIdx)
		srcRowBase := rowStart + stripRowIdx
		for k := range depth {
			srcCol := colStart + k
			for r := range validRows {
				dst[dstIdx+r] = widen(src[(srcRowBase+r)*rowStride+srcCol])
			}
			for r := validRows; r < kernelRows; r++ {
				dst[dstIdx+r] = 0
			}
			dstIdx += kernelRows
		}
	}
}

// microKernel accumulates the product of a packed lhs strip [depth, Mr] and a packed rhs strip
// [depth, Nr] into the [activeRows, activeCols] block of the accumulator tile acc at (row, col).
// accum is scratch of Mr x Nr elements.
func microKernel[C numeric.Float](depth int, packedLHS, packedRHS []C, accum []C,
	acc []C, row, col, accStride, kernelRows, kernelCols, activeRows, activeCols int) {
	clear(accum)
	idxLHS, idxRHS := 0, 0
	for range depth {
		for r := range kernelRows {
			valA := packedLHS[idxLHS+r]
			accumRow := accum[r*kernelCols : (r+1)*kernelCols]
			for c, valB := range packedRHS[idxRHS : idxRHS+kernelCols] {
				accumRow[c] += valA * valB
			}
		}
		idxLHS += kernelRows
		idxRHS += kernelCols
	}
	for r := range activeRows {
		accRow := acc[(row+r)*accStride+col:]
		for c := range activeCols {
			accRow[c] += accum[r*kernelCols+c]
		}
	}
}
