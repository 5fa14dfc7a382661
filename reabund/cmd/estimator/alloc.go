// Copyright © 2023-2024 Qian Chen <qchen.bio@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package estimator

import (
	"math"
	"sort"
)

// Apportion splits total into integer shares proportional to weights,
// using the largest-remainder method so the shares always sum exactly
// to total. Remainder ties go to the lower index, which keeps the
// result deterministic for a fixed weight order. Weights must be
// non-negative with a positive sum.
func Apportion(weights []float64, total uint64) []uint64 {
	shares := make([]uint64, len(weights))
	if total == 0 || len(weights) == 0 {
		return shares
	}

	var sum float64
	for _, w := range weights {
		sum += w
	}

	type frac struct {
		i int
		r float64
	}
	fracs := make([]frac, len(weights))

	var allocated uint64
	for i, w := range weights {
		q := w / sum * float64(total)
		f := math.Floor(q)
		shares[i] = uint64(f)
		allocated += shares[i]
		fracs[i] = frac{i: i, r: q - f}
	}

	sort.Slice(fracs, func(a, b int) bool {
		if fracs[a].r != fracs[b].r {
			return fracs[a].r > fracs[b].r
		}
		return fracs[a].i < fracs[b].i
	})

	// float rounding can leave more than len(weights) units unallocated
	// only in pathological cases, hence the cyclic walk
	for j := 0; allocated < total; j = (j + 1) % len(fracs) {
		shares[fracs[j].i]++
		allocated++
	}

	return shares
}
