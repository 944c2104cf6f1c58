/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package message

// Gap is one hole in the received byte range of an incoming message.
// Gaps are kept sorted by Start and pairwise disjoint. FirstSeen records
// the tick at which the hole was first observed, used by the resend logic.
type Gap struct {
	Start     int
	End       int
	FirstSeen uint64
}

func (g Gap) Len() int {
	return g.End - g.Start
}

// coverGaps removes [start, end) from the sorted gap list, splitting the
// gaps it lands inside, and returns the byte ranges that were actually
// holes before the call.
func coverGaps(gaps []Gap, start, end int) ([]Gap, []Gap) {
	var (
		out = make([]Gap, 0, len(gaps)+1)
		hit []Gap
	)

	for _, g := range gaps {
		if g.End <= start || g.Start >= end {
			out = append(out, g)
			continue
		}

		lo, hi := g.Start, g.End

		if lo < start {
			out = append(out, Gap{Start: lo, End: start, FirstSeen: g.FirstSeen})
			lo = start
		}

		if hi > end {
			out = append(out, Gap{Start: end, End: hi, FirstSeen: g.FirstSeen})
			hi = end
		}

		if lo < hi {
			hit = append(hit, Gap{Start: lo, End: hi, FirstSeen: g.FirstSeen})
		}
	}

	sortGaps(out)

	return out, hit
}

func sortGaps(gaps []Gap) {
	for i := 1; i < len(gaps); i++ {
		for j := i; j > 0 && gaps[j].Start < gaps[j-1].Start; j-- {
			gaps[j], gaps[j-1] = gaps[j-1], gaps[j]
		}
	}
}
