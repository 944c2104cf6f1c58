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

// Package message holds the per message state of an RPC: the incoming side
// reassembles arriving segments into the socket's receive region and tracks
// the holes still missing, the outgoing side fragments a user message into
// wire segments released under grant control.
package message

import (
	liberr "github.com/nabbar/golib/errors"

	hompol "github.com/nabbar/homa/pool"
	homwir "github.com/nabbar/homa/wire"
)

// Incoming is the reassembly state of a message being received.
//
// The received byte set is [0, recvEnd) minus the gap list. The message is
// complete once the gap list is empty and every byte up to Length has been
// seen. Payload lands in pool bpages, in message offset order, so the user
// reads it from the registered region with no further copy.
type Incoming struct {
	Length        int
	BytesReceived int
	Granted       int
	Unsched       int
	Priority      uint8
	Rank          int

	recvEnd int
	gaps    []Gap
	pages   []uint32
	pl      hompol.Pool
}

// NewIncoming starts reassembly of a message of the given total length.
// The initial grant covers the unscheduled prefix.
func NewIncoming(pl hompol.Pool, length, unsched int) (*Incoming, liberr.Error) {
	if pl == nil {
		return nil, ErrorParamEmpty.Error(nil)
	} else if length <= 0 {
		return nil, ErrorMessageSize.Error(nil)
	}

	if unsched > length {
		unsched = length
	}

	return &Incoming{
		Length:  length,
		Granted: unsched,
		Unsched: unsched,
		Rank:    -1,
		pl:      pl,
	}, nil
}

// AddPacket installs one arriving segment. It returns true when the segment
// contributed at least one byte not received before. Duplicates and fully
// overlapped ranges change nothing. When a bpage cannot be allocated the
// state is left untouched and the sender retransmission will retry.
func (o *Incoming) AddPacket(seg homwir.Seg, tick uint64) (bool, liberr.Error) {
	var (
		start = int(seg.Offset)
		end   = start + len(seg.Payload)
	)

	if len(seg.Payload) == 0 {
		return false, ErrorSegmentSize.Error(nil)
	} else if start < 0 || end > o.Length {
		return false, ErrorOffsetRange.Error(nil)
	}

	var fresh []Gap

	if end > o.recvEnd {
		// everything past the known end is new by definition
		ns := start

		if ns < o.recvEnd {
			ns = o.recvEnd
		}

		fresh = append(fresh, Gap{Start: ns, End: end})
	}

	_, hit := coverGaps(o.gaps, start, end)
	fresh = append(fresh, hit...)

	if len(fresh) == 0 {
		return false, nil
	}

	if err := o.extendPages(end); err != nil {
		return false, err
	}

	// new hole when the segment lands past the contiguous frontier
	var gaps = o.gaps

	if start > o.recvEnd {
		gaps = append(gaps, Gap{Start: o.recvEnd, End: start, FirstSeen: tick})
		sortGaps(gaps)
	}

	gaps, _ = coverGaps(gaps, start, end)
	o.gaps = gaps

	if end > o.recvEnd {
		o.recvEnd = end
	}

	o.copyIn(start, seg.Payload)

	for _, g := range fresh {
		o.BytesReceived += g.Len()
	}

	return true, nil
}

// extendPages allocates the bpages needed to hold bytes up to end.
// Either all missing pages are allocated or none.
func (o *Incoming) extendPages(end int) liberr.Error {
	var (
		siz  = int(hompol.BpageSize.Int64())
		need = (end + siz - 1) / siz
	)

	if need <= len(o.pages) {
		return nil
	}

	var fresh []uint32

	for len(o.pages)+len(fresh) < need {
		idx, err := o.pl.Alloc()

		if err != nil {
			for _, i := range fresh {
				_ = o.pl.Free(i)
			}

			return ErrorNoBuffer.Error(err)
		}

		fresh = append(fresh, idx)
	}

	o.pages = append(o.pages, fresh...)

	return nil
}

func (o *Incoming) copyIn(off int, p []byte) {
	var siz = int(hompol.BpageSize.Int64())

	for len(p) > 0 {
		var (
			pg  = off / siz
			po  = off % siz
			cnt = siz - po
		)

		if cnt > len(p) {
			cnt = len(p)
		}

		_ = o.pl.Write(o.pages[pg], po, p[:cnt])

		off += cnt
		p = p[cnt:]
	}
}

// Complete reports whether every byte of the message has been received.
func (o *Incoming) Complete() bool {
	return len(o.gaps) == 0 && o.BytesReceived == o.Length
}

// Ungranted returns the bytes not yet authorized, the SRPT sort key of the
// grant scheduler.
func (o *Incoming) Ungranted() int {
	return o.Length - o.Granted
}

// Grant raises the cumulative authorized byte count, clamped to the message
// length; it never decreases. It returns the resulting value.
func (o *Incoming) Grant(offset int) int {
	if offset > o.Length {
		offset = o.Length
	}

	if offset > o.Granted {
		o.Granted = offset
	}

	return o.Granted
}

// Gaps returns a copy of the hole list.
func (o *Incoming) Gaps() []Gap {
	out := make([]Gap, len(o.gaps))
	copy(out, o.gaps)

	return out
}

// FirstMissing names the range a RESEND should request: the first gap, or
// the unreceived suffix past the known end, or a zero range when complete.
func (o *Incoming) FirstMissing() (offset int, length int) {
	if len(o.gaps) > 0 {
		return o.gaps[0].Start, o.gaps[0].Len()
	}

	if o.recvEnd < o.Length {
		return o.recvEnd, o.Length - o.recvEnd
	}

	return 0, 0
}

// HasBuffers reports whether the message currently holds every bpage it
// needs for the bytes received so far.
func (o *Incoming) HasBuffers() bool {
	var siz = int(hompol.BpageSize.Int64())

	return len(o.pages) >= (o.recvEnd+siz-1)/siz
}

// Pages returns the bpage indices owned by the message, in offset order.
func (o *Incoming) Pages() []uint32 {
	out := make([]uint32, len(o.pages))
	copy(out, o.pages)

	return out
}

// CopyOut copies the received prefix of the message into p and returns the
// number of bytes written.
func (o *Incoming) CopyOut(p []byte) int {
	var (
		siz = int(hompol.BpageSize.Int64())
		max = o.recvEnd
	)

	if len(p) < max {
		max = len(p)
	}

	var off int

	for off < max {
		var (
			pg  = off / siz
			cnt = siz - off%siz
		)

		if cnt > max-off {
			cnt = max - off
		}

		copy(p[off:off+cnt], o.pl.Bytes(o.pages[pg])[off%siz:])
		off += cnt
	}

	return max
}

// Release hands every owned bpage back to the pool.
func (o *Incoming) Release() {
	for _, idx := range o.pages {
		_ = o.pl.Free(idx)
	}

	o.pages = nil
}

// ReleaseN hands back at most n bpages and returns how many were freed,
// used by the batched reaping of dead RPCs.
func (o *Incoming) ReleaseN(n int) int {
	if n > len(o.pages) {
		n = len(o.pages)
	}

	for _, idx := range o.pages[:n] {
		_ = o.pl.Free(idx)
	}

	o.pages = o.pages[n:]

	return n
}

// DetachPages transfers bpage ownership to the caller, typically on user
// delivery: the user releases them through the receive API.
func (o *Incoming) DetachPages() []uint32 {
	out := o.pages
	o.pages = nil

	return out
}
