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

// Package peer tracks per remote host state shared by every RPC talking to
// that host: priority cutoffs, resend pressure, and the acknowledgements
// waiting to be piggybacked on outbound traffic.
package peer

import (
	"net/netip"
	"sync"

	homwir "github.com/nabbar/homa/wire"
)

// MaxPendingAcks bounds the per peer acknowledgement FIFO. When a new entry
// would overflow it, the oldest entries are flushed in an explicit ACK.
const MaxPendingAcks = homwir.MaxAckPerPacket

// Peer is the shared state of one remote host. A peer is kept alive by
// reference counts taken by the RPCs using it and released when they die.
type Peer struct {
	addr netip.Addr

	m sync.Mutex

	refs int

	// cached egress state for this host
	Route   uint64
	LastMTU int

	// the peer's advertised unscheduled priority cutoffs
	cutVersion uint16
	cutoffs    [homwir.NumPriorities]uint32

	// version of our own cutoffs last advertised to this host
	sentCutVersion uint16

	outstandingResends int

	acks []homwir.AckTuple
}

// Addr returns the remote address of the peer.
func (o *Peer) Addr() netip.Addr {
	return o.addr
}

// SetCutoffs installs the peer's advertised cutoffs, ignoring a version equal
// to the one already installed.
func (o *Peer) SetCutoffs(version uint16, cutoffs [homwir.NumPriorities]uint32) {
	o.m.Lock()
	defer o.m.Unlock()

	if version == o.cutVersion {
		return
	}

	o.cutVersion = version
	o.cutoffs = cutoffs
}

// CutoffVersion returns the version of the peer cutoffs currently known.
func (o *Peer) CutoffVersion() uint16 {
	o.m.Lock()
	defer o.m.Unlock()

	return o.cutVersion
}

// UnschedPriority selects the priority level for the unscheduled bytes of a
// message of the given length. Cutoff i is the largest message still sent at
// priority i; shorter messages take higher levels. Zero cutoffs fall through
// to the lowest level.
func (o *Peer) UnschedPriority(length int) uint8 {
	o.m.Lock()
	defer o.m.Unlock()

	for i := homwir.NumPriorities - 1; i > 0; i-- {
		if c := o.cutoffs[i]; c != 0 && length <= int(c) {
			return uint8(i)
		}
	}

	return 0
}

// SentCutoffVersion returns the version of the local cutoffs this peer has
// been told about; the caller schedules a CUTOFFS packet when it lags.
func (o *Peer) SentCutoffVersion() uint16 {
	o.m.Lock()
	defer o.m.Unlock()

	return o.sentCutVersion
}

// MarkCutoffsSent records the local cutoff version advertised to the peer.
func (o *Peer) MarkCutoffsSent(version uint16) {
	o.m.Lock()
	defer o.m.Unlock()

	o.sentCutVersion = version
}

// AddResend counts one RESEND emitted toward this host and returns the new
// outstanding total.
func (o *Peer) AddResend() int {
	o.m.Lock()
	defer o.m.Unlock()

	o.outstandingResends++

	return o.outstandingResends
}

// ClearResends resets the resend pressure, called when the host shows life.
func (o *Peer) ClearResends() {
	o.m.Lock()
	defer o.m.Unlock()

	o.outstandingResends = 0
}

// OutstandingResends returns the resends emitted without a sign of life.
func (o *Peer) OutstandingResends() int {
	o.m.Lock()
	defer o.m.Unlock()

	return o.outstandingResends
}

// AddAck queues one acknowledgement for piggybacking. When the FIFO is full
// the current batch is returned and must be flushed in an explicit ACK.
func (o *Peer) AddAck(t homwir.AckTuple) []homwir.AckTuple {
	o.m.Lock()
	defer o.m.Unlock()

	var flush []homwir.AckTuple

	if len(o.acks) >= MaxPendingAcks {
		flush = o.acks
		o.acks = nil
	}

	o.acks = append(o.acks, t)

	return flush
}

// TakeAck pops the oldest pending acknowledgement, zero when none waits.
func (o *Peer) TakeAck() homwir.AckTuple {
	o.m.Lock()
	defer o.m.Unlock()

	if len(o.acks) == 0 {
		return homwir.AckTuple{}
	}

	t := o.acks[0]
	o.acks = o.acks[1:]

	return t
}

// TakeAcks drains up to max pending acknowledgements.
func (o *Peer) TakeAcks(max int) []homwir.AckTuple {
	o.m.Lock()
	defer o.m.Unlock()

	if max <= 0 || len(o.acks) == 0 {
		return nil
	}

	if max > len(o.acks) {
		max = len(o.acks)
	}

	out := o.acks[:max]
	o.acks = o.acks[max:]

	return out
}

// PendingAcks returns how many acknowledgements wait for piggybacking.
func (o *Peer) PendingAcks() int {
	o.m.Lock()
	defer o.m.Unlock()

	return len(o.acks)
}

func (o *Peer) hold() {
	o.m.Lock()
	defer o.m.Unlock()

	o.refs++
}

func (o *Peer) put() int {
	o.m.Lock()
	defer o.m.Unlock()

	if o.refs > 0 {
		o.refs--
	}

	return o.refs
}

// Refs returns the live reference count of the peer.
func (o *Peer) Refs() int {
	o.m.Lock()
	defer o.m.Unlock()

	return o.refs
}
