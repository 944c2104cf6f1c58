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

package message_test

import (
	"bytes"
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	hommsg "github.com/nabbar/homa/message"
	hompol "github.com/nabbar/homa/pool"
	homwir "github.com/nabbar/homa/wire"
)

// Testing Strategy:
// Each spec builds a message, cuts it into segments, and feeds random
// permutations with duplicated and overlapping slices. The received byte
// set must always equal the union of the delivered ranges, gaps must stay
// disjoint, and completion must reproduce the source bytes exactly.
// A fixed seed keeps the permutations reproducible.
var _ = Describe("Reassembly Properties", func() {
	var (
		rng *rand.Rand
		pl  hompol.Pool
	)

	BeforeEach(func() {
		rng = rand.New(rand.NewSource(42))

		pl = hompol.New()
		Expect(pl.SetRegion(make([]byte, 16*int(hompol.BpageSize.Int64())))).To(Succeed())
	})

	newMsg := func(n int) []byte {
		msg := make([]byte, n)

		for i := range msg {
			msg[i] = byte(rng.Intn(256))
		}

		return msg
	}

	cut := func(msg []byte, seg int) []homwir.Seg {
		var out []homwir.Seg

		for off := 0; off < len(msg); off += seg {
			end := off + seg

			if end > len(msg) {
				end = len(msg)
			}

			out = append(out, homwir.Seg{Offset: uint32(off), Payload: msg[off:end]})
		}

		return out
	}

	Describe("random permutations", func() {
		It("should reassemble the exact bytes for any arrival order", func() {
			for round := 0; round < 20; round++ {
				msg := newMsg(1 + rng.Intn(200*1024))

				in, err := hommsg.NewIncoming(pl, len(msg), len(msg))
				Expect(err).ToNot(HaveOccurred())

				segs := cut(msg, 1+rng.Intn(4000))

				rng.Shuffle(len(segs), func(i, j int) {
					segs[i], segs[j] = segs[j], segs[i]
				})

				for i, s := range segs {
					_, err = in.AddPacket(s, uint64(i))
					Expect(err).ToNot(HaveOccurred())

					// gaps stay sorted and disjoint at every step
					gaps := in.Gaps()
					for g := 1; g < len(gaps); g++ {
						Expect(gaps[g].Start).To(BeNumerically(">=", gaps[g-1].End))
					}
				}

				Expect(in.Complete()).To(BeTrue())
				Expect(in.BytesReceived).To(Equal(len(msg)))
				Expect(in.Gaps()).To(BeEmpty())

				out := make([]byte, len(msg))
				Expect(in.CopyOut(out)).To(Equal(len(msg)))
				Expect(bytes.Equal(out, msg)).To(BeTrue())

				in.Release()
				Expect(pl.InUse()).To(Equal(0))
			}
		})

		It("should ignore replayed subsets after completion", func() {
			msg := newMsg(64 * 1024)

			in, err := hommsg.NewIncoming(pl, len(msg), len(msg))
			Expect(err).ToNot(HaveOccurred())

			segs := cut(msg, 1400)

			for i, s := range segs {
				_, err = in.AddPacket(s, uint64(i))
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(in.Complete()).To(BeTrue())

			used := pl.InUse()
			recv := in.BytesReceived

			for i := 0; i < 200; i++ {
				s := segs[rng.Intn(len(segs))]

				fresh, err := in.AddPacket(s, uint64(1000+i))
				Expect(err).ToNot(HaveOccurred())
				Expect(fresh).To(BeFalse())
			}

			Expect(in.BytesReceived).To(Equal(recv))
			Expect(pl.InUse()).To(Equal(used))

			in.Release()
		})

		It("should keep the received set equal to the union of delivered ranges", func() {
			const length = 50000

			msg := newMsg(length)

			in, err := hommsg.NewIncoming(pl, length, length)
			Expect(err).ToNot(HaveOccurred())

			covered := make([]bool, length)
			frontier := 0

			// random, possibly overlapping slices
			for i := 0; i < 300; i++ {
				start := rng.Intn(length)
				size := 1 + rng.Intn(3000)

				if start+size > length {
					size = length - start
				}

				if size == 0 {
					continue
				}

				_, err = in.AddPacket(homwir.Seg{
					Offset:  uint32(start),
					Payload: msg[start : start+size],
				}, uint64(i))
				Expect(err).ToNot(HaveOccurred())

				for j := start; j < start+size; j++ {
					covered[j] = true
				}

				if start+size > frontier {
					frontier = start + size
				}

				var want int

				for _, c := range covered {
					if c {
						want++
					}
				}

				Expect(in.BytesReceived).To(Equal(want))

				// every gap byte must be uncovered, every hole covered by
				// the gap list
				var holes int

				for _, g := range in.Gaps() {
					holes += g.Len()

					for j := g.Start; j < g.End; j++ {
						Expect(covered[j]).To(BeFalse())
					}
				}

				Expect(holes).To(Equal(frontier - want))
			}

			in.Release()
		})
	})
})
