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

import (
	liberr "github.com/nabbar/golib/errors"
)

// Packet is one outbound segment of an outgoing message.
type Packet struct {
	Offset    int
	Payload   []byte
	SegLength int
}

// Outgoing is the transmit state of a message being sent.
//
// The message is fragmented up front into fixed size segments. Granted
// bounds how many bytes past the unscheduled prefix may be released;
// NextXmitOffset is the boundary between segments already handed to the
// transmit path and segments still awaiting grants.
type Outgoing struct {
	Length         int
	Granted        int
	NextXmitOffset int
	Unsched        int

	next int
	pkts []Packet
}

// NewOutgoing fragments the user iovec into segments of at most segSize
// bytes. The first unsched bytes are eligible for transmit without grants.
func NewOutgoing(iov [][]byte, segSize, unsched int) (*Outgoing, liberr.Error) {
	if segSize <= 0 {
		return nil, ErrorSegmentSize.Error(nil)
	}

	var length int

	for _, b := range iov {
		length += len(b)
	}

	if length <= 0 {
		return nil, ErrorMessageSize.Error(nil)
	}

	if unsched > length {
		unsched = length
	}

	var (
		flat = make([]byte, 0, length)
		pkts = make([]Packet, 0, (length+segSize-1)/segSize)
	)

	for _, b := range iov {
		flat = append(flat, b...)
	}

	for off := 0; off < length; off += segSize {
		end := off + segSize

		if end > length {
			end = length
		}

		pkts = append(pkts, Packet{
			Offset:    off,
			Payload:   flat[off:end],
			SegLength: end - off,
		})
	}

	return &Outgoing{
		Length:  length,
		Granted: unsched,
		Unsched: unsched,
		pkts:    pkts,
	}, nil
}

// bound returns the cumulative byte count currently eligible for transmit.
func (o *Outgoing) bound() int {
	b := o.Granted

	if o.Unsched > b {
		b = o.Unsched
	}

	if b > o.Length {
		b = o.Length
	}

	return b
}

// Eligible returns the cumulative byte count currently authorized for
// transmit, advertised on outbound DATA so the receiver knows how much is
// coming without further grants.
func (o *Outgoing) Eligible() int {
	return o.bound()
}

// NextReady hands out the next segment whose first byte is inside the
// granted window, or nil when transmission must wait for more grants.
func (o *Outgoing) NextReady() *Packet {
	if o.next >= len(o.pkts) {
		return nil
	}

	p := &o.pkts[o.next]

	if p.Offset >= o.bound() {
		return nil
	}

	o.next++
	o.NextXmitOffset = p.Offset + p.SegLength

	return p
}

// Grant raises the granted byte count, clamped to the message length; it
// never decreases. It returns true when the window actually moved.
func (o *Outgoing) Grant(offset int) bool {
	if offset > o.Length {
		offset = o.Length
	}

	if offset <= o.Granted {
		return false
	}

	o.Granted = offset

	return true
}

// Transmitted reports whether every segment has been handed to the
// transmit path at least once.
func (o *Outgoing) Transmitted() bool {
	return o.next >= len(o.pkts)
}

// PendingBytes returns how many granted bytes are still waiting to be
// handed to the transmit path, the SRPT key of the pacer.
func (o *Outgoing) PendingBytes() int {
	n := o.bound() - o.NextXmitOffset

	if n < 0 {
		return 0
	}

	return n
}

// Range returns the segments intersecting [offset, offset+length), used to
// answer RESEND requests.
func (o *Outgoing) Range(offset, length int) []Packet {
	var (
		end = offset + length
		out []Packet
	)

	if length <= 0 {
		return nil
	}

	for i := range o.pkts {
		p := o.pkts[i]

		if p.Offset+p.SegLength <= offset || p.Offset >= end {
			continue
		}

		// only segments already released may be retransmitted
		if p.Offset >= o.NextXmitOffset {
			break
		}

		out = append(out, p)
	}

	return out
}

// PacketCount returns the number of segment buffers retained by the
// message, counted against the socket dead buffer budget once the RPC dies.
func (o *Outgoing) PacketCount() int {
	return len(o.pkts)
}

// DropPackets discards at most n retained segment buffers and returns how
// many were dropped, used by the batched reaping of dead RPCs.
func (o *Outgoing) DropPackets(n int) int {
	if n > len(o.pkts) {
		n = len(o.pkts)
	}

	o.pkts = o.pkts[n:]

	if o.next > 0 {
		o.next -= n

		if o.next < 0 {
			o.next = 0
		}
	}

	return n
}
