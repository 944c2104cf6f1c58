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

package rpc

import (
	"sync"
	"sync/atomic"

	liberr "github.com/nabbar/golib/errors"

	hommsg "github.com/nabbar/homa/message"
	homper "github.com/nabbar/homa/peer"
	homwir "github.com/nabbar/homa/wire"
)

// Rpc is one request/response exchange, identified by its peer and id.
// The low bit of the id encodes the role: client initiated ids are even,
// and each side stores the id from its own point of view.
//
// Exported mutable fields are guarded by the RPC lock; components already
// ordered after the socket lock take it through Lock/Unlock.
type Rpc struct {
	id     uint64
	role   Role
	sk     *Socket
	peer   *homper.Peer
	dport  uint16
	cookie uint64

	mu   sync.Mutex
	refs atomic.Int32

	State  State
	Msgin  *hommsg.Incoming
	Msgout *hommsg.Outgoing

	SilentTicks    int
	DoneTick       uint64
	LastResendTick uint64
	Err            liberr.Error

	// GrantRank is the position in the scheduler active set, -1 outside;
	// managed under the scheduler lock.
	GrantRank int

	// Throttled marks membership in the pacer list, managed by the pacer.
	Throttled bool

	deadBufs  int
	delivered bool
}

// ID returns the RPC identifier from the local point of view.
func (o *Rpc) ID() uint64 {
	return o.id
}

// Role returns which side of the exchange this RPC is.
func (o *Rpc) Role() Role {
	return o.role
}

// Peer returns the remote host of the RPC.
func (o *Rpc) Peer() *homper.Peer {
	return o.peer
}

// Socket returns the owning socket.
func (o *Rpc) Socket() *Socket {
	return o.sk
}

// DstPort returns the remote port packets of this RPC are sent to.
func (o *Rpc) DstPort() uint16 {
	return o.dport
}

// Cookie returns the opaque user token echoed on completion.
func (o *Rpc) Cookie() uint64 {
	return o.cookie
}

// Lock takes the per RPC mutex, ordered after the socket lock and before
// the scheduler, pacer and peer locks.
func (o *Rpc) Lock() {
	o.mu.Lock()
}

func (o *Rpc) Unlock() {
	o.mu.Unlock()
}

// Hold prevents destruction of the RPC while a code path uses it.
func (o *Rpc) Hold() {
	o.refs.Add(1)
}

// Put drops one reference and returns the remaining count. A dead RPC with
// no references left only awaits buffer reaping.
func (o *Rpc) Put() int {
	if n := o.refs.Add(-1); n >= 0 {
		return int(n)
	}

	o.refs.Store(0)

	return 0
}

// Refs returns the live reference count.
func (o *Rpc) Refs() int {
	return int(o.refs.Load())
}

// Dead reports whether the RPC reached its terminal state. Callers hold
// the RPC lock.
func (o *Rpc) Dead() bool {
	return o.State == StateDead
}

// SenderID returns the id to place in an outbound header. The receiver
// flips the low bit to obtain its own local id.
func (o *Rpc) SenderID() uint64 {
	return o.id
}

// ReplyAckTuple names this client RPC in an acknowledgement to its server.
func (o *Rpc) ReplyAckTuple() homwir.AckTuple {
	return homwir.AckTuple{ServerPort: o.dport, ClientID: o.id}
}

// end transitions the RPC to dead with both the socket and RPC locks held,
// and detaches it from every index. It is idempotent.
func (o *Rpc) end() {
	if o.State == StateDead {
		return
	}

	o.State = StateDead

	o.deadBufs = 0

	if o.Msgout != nil {
		o.deadBufs += o.Msgout.PacketCount()
	}

	if o.Msgin != nil {
		o.deadBufs += len(o.Msgin.Pages())
	}

	o.sk.detachLocked(o)
}

// reapBuffers releases up to max retained packet buffers and returns how
// many were freed. Called by the socket reaper with the RPC lock held.
func (o *Rpc) reapBuffers(max int) int {
	var n int

	if o.Msgin != nil {
		n += o.Msgin.ReleaseN(max)
	}

	if o.Msgout != nil && n < max {
		n += o.Msgout.DropPackets(max - n)

		if o.Msgout.PacketCount() == 0 {
			o.Msgout = nil
		}
	}

	o.deadBufs -= n

	if o.deadBufs < 0 {
		o.deadBufs = 0
	}

	return n
}
