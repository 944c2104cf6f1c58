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

// Package rpc holds the canonical per RPC state machine, the sockets owning
// those RPCs, and the port table of one transport instance.
//
// Lock ordering, outermost first: socket, rpc, pacer or grant scheduler,
// peer. Every mutation of RPC state, its messages, or its list memberships
// happens under the RPC lock; the socket lock guards the socket's RPC
// tables and lists.
package rpc

import (
	"net/netip"

	liberr "github.com/nabbar/golib/errors"

	homwir "github.com/nabbar/homa/wire"
)

// FuncTick returns the current tick of the transport timer.
type FuncTick func() uint64

// Sender is the egress side of the OS glue: it hands one wire packet to the
// network stack. It never blocks; over pressure surfaces via QueuedBytes.
type Sender interface {
	// Send transmits one packet toward the given host.
	Send(to netip.Addr, pkt homwir.Packet) liberr.Error

	// QueuedBytes estimates the bytes sitting in the egress queue, the
	// signal the pacer throttles on.
	QueuedBytes() int
}

// Granter is the inbound flow control scheduler. IncomingChanged is called
// with no lock held: the scheduler takes the RPC lock itself to snapshot
// message progress, and never holds its own lock across an RPC lock.
// RpcDead is the exception, called from the teardown path with the socket
// and RPC locks held; it only detaches bookkeeping.
type Granter interface {
	// IncomingChanged tells the scheduler the RPC's incoming message was
	// created, received fresh bytes, or completed.
	IncomingChanged(r *Rpc)

	// RpcDead detaches the RPC from every scheduler structure.
	RpcDead(r *Rpc)
}

// Throttler serializes outbound transmission when the egress queue builds
// up. The transmit path calls it with the RPC lock held.
type Throttler interface {
	// Enqueue parks the RPC until the pacer releases it.
	Enqueue(r *Rpc)

	// Remove detaches the RPC from the throttled list.
	Remove(r *Rpc)
}

// Params carries the transport knobs the socket layer needs. The transport
// assembly fills it from its validated configuration.
type Params struct {
	// UnschedBytes is the prefix every sender may transmit without grants.
	UnschedBytes int

	// SegmentSize bounds the payload of one DATA packet.
	SegmentSize int

	// MinDefaultPort splits server ports (below) from ephemeral client
	// ports (at or above).
	MinDefaultPort uint16

	// DeadBuffsLimit caps the packet buffers retained by dead RPCs on one
	// socket before the timer reaps them.
	DeadBuffsLimit int

	// ReapBatch bounds how many dead packet buffers one reap pass frees.
	ReapBatch int

	// DontThrottle bypasses the pacer entirely.
	DontThrottle bool

	// ThrottleMinBytes is the egress queue depth above which transmission
	// goes through the pacer.
	ThrottleMinBytes int

	// Cutoffs are the local unscheduled priority cutoffs advertised to
	// peers, with their version.
	Cutoffs       [homwir.NumPriorities]uint32
	CutoffVersion uint16
}
