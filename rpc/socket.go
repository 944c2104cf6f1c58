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
	"context"
	"net/netip"
	"sync"

	liberr "github.com/nabbar/golib/errors"

	hompol "github.com/nabbar/homa/pool"
	homwir "github.com/nabbar/homa/wire"
)

// Delivery is one completed inbound message handed to the user: a request
// reaching a server, a response reaching a client, or a client RPC failure.
// The payload sits in the bpages listed in Pages inside the registered
// region; the user releases them once consumed.
type Delivery struct {
	Src    netip.Addr
	ID     uint64
	Role   Role
	Length int
	Cookie uint64
	Pages  []uint32
	Err    liberr.Error
}

type serverKey struct {
	addr netip.Addr
	id   uint64
}

// Socket is one bound homa port with its RPC tables, receive queue, and
// buffer pool.
type Socket struct {
	port uint16
	tbl  *Table
	pool hompol.Pool

	mu       sync.Mutex
	clients  map[uint64]*Rpc
	servers  map[serverKey]*Rpc
	tomb     map[serverKey]struct{}
	active   map[*Rpc]struct{}
	dead     []*Rpc
	deadSkbs int
	nextID   uint64
	ready    []Delivery
	waitq    chan struct{}
	down     bool
}

func newSocket(tbl *Table, port uint16) *Socket {
	return &Socket{
		port:    port,
		tbl:     tbl,
		pool:    hompol.New(),
		clients: make(map[uint64]*Rpc),
		servers: make(map[serverKey]*Rpc),
		tomb:    make(map[serverKey]struct{}),
		active:  make(map[*Rpc]struct{}),
		nextID:  2,
		waitq:   make(chan struct{}),
	}
}

// Port returns the bound local port.
func (o *Socket) Port() uint16 {
	return o.port
}

// Table returns the owning port table.
func (o *Socket) Table() *Table {
	return o.tbl
}

// Pool returns the receive buffer pool of the socket.
func (o *Socket) Pool() hompol.Pool {
	return o.pool
}

// SetRegion registers the user receive region with the socket pool.
func (o *Socket) SetRegion(region []byte) liberr.Error {
	return o.pool.SetRegion(region)
}

// IsServer reports whether the socket sits on a server port.
func (o *Socket) IsServer() bool {
	return o.port < o.tbl.prm.MinDefaultPort
}

// AllocClient creates a client RPC toward dest with a fresh even id. The
// RPC is installed in the client table and active list, and returned
// referenced and locked; the caller fills the outgoing message, starts
// transmission and unlocks.
func (o *Socket) AllocClient(dest netip.AddrPort, cookie uint64) (*Rpc, liberr.Error) {
	p, err := o.tbl.peers.LookupOrCreate(dest.Addr())

	if err != nil {
		return nil, err
	}

	o.mu.Lock()

	if o.down {
		o.mu.Unlock()
		o.tbl.peers.Release(p)

		return nil, ErrorShutdown.Error(nil)
	}

	r := &Rpc{
		id:        o.nextID,
		role:      RoleClient,
		sk:        o,
		peer:      p,
		dport:     dest.Port(),
		cookie:    cookie,
		State:     StateOutgoing,
		GrantRank: -1,
	}

	o.nextID += 2

	o.clients[r.id] = r
	o.active[r] = struct{}{}

	r.Hold()
	r.Lock()

	o.mu.Unlock()

	return r, nil
}

// AllocServer resolves the server RPC named by an arriving packet,
// creating it on the first request packet. The RPC is returned referenced
// and locked, with created reporting whether this call made it.
func (o *Socket) AllocServer(src netip.AddrPort, hdr *homwir.Header) (*Rpc, bool, liberr.Error) {
	var (
		id  = hdr.LocalID()
		key = serverKey{addr: src.Addr(), id: id}
	)

	o.mu.Lock()

	if o.down {
		o.mu.Unlock()
		return nil, false, ErrorShutdown.Error(nil)
	}

	if _, gone := o.tomb[key]; gone {
		// the RPC died and still awaits reaping; late packets must not
		// resurrect it
		o.mu.Unlock()
		return nil, false, ErrorRpcUnknown.Error(nil)
	}

	if r, ok := o.servers[key]; ok {
		r.Hold()
		o.mu.Unlock()
		r.Lock()

		return r, false, nil
	}

	o.mu.Unlock()

	p, err := o.tbl.peers.LookupOrCreate(src.Addr())

	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()

	if r, ok := o.servers[key]; ok {
		// lost the race against another dispatcher core
		o.mu.Unlock()
		o.tbl.peers.Release(p)

		r.Hold()
		r.Lock()

		return r, false, nil
	}

	if _, gone := o.tomb[key]; gone {
		o.mu.Unlock()
		o.tbl.peers.Release(p)

		return nil, false, ErrorRpcUnknown.Error(nil)
	}

	r := &Rpc{
		id:        id,
		role:      RoleServer,
		sk:        o,
		peer:      p,
		dport:     hdr.SrcPort,
		State:     StateIncoming,
		GrantRank: -1,
	}

	o.servers[key] = r
	o.active[r] = struct{}{}

	r.Hold()
	r.Lock()

	o.mu.Unlock()

	return r, true, nil
}

// Find resolves a live RPC by the sender address and local id, taking a
// reference on it. Dead RPCs are unreachable. Returns nil when unknown.
func (o *Socket) Find(src netip.Addr, id uint64) *Rpc {
	o.mu.Lock()
	defer o.mu.Unlock()

	var r *Rpc

	if homwir.IsClientID(id) {
		r = o.clients[id]

		if r != nil && r.peer.Addr() != src {
			return nil
		}
	} else {
		r = o.servers[serverKey{addr: src, id: id}]
	}

	if r != nil {
		r.Hold()
	}

	return r
}

// detachLocked removes the RPC from the hash and active indices and parks
// it on the dead list. Both the socket and RPC locks are held.
func (o *Socket) detachLocked(r *Rpc) {
	if r.role == RoleClient {
		delete(o.clients, r.id)
	} else {
		key := serverKey{addr: r.peer.Addr(), id: r.id}

		delete(o.servers, key)
		o.tomb[key] = struct{}{}
	}

	delete(o.active, r)

	o.dead = append(o.dead, r)
	o.deadSkbs += r.deadBufs
}

// End transitions the RPC to dead, detaches it everywhere and releases its
// peer reference. It is idempotent; no lock may be held by the caller.
func (o *Socket) End(r *Rpc) {
	o.mu.Lock()
	r.Lock()

	if r.State == StateDead {
		r.Unlock()
		o.mu.Unlock()

		return
	}

	var queueAck bool

	if r.role == RoleClient && r.Err == nil && r.Msgin != nil && r.Msgin.Complete() {
		queueAck = true
	}

	r.end()

	if g := o.tbl.Granter(); g != nil {
		g.RpcDead(r)
	}

	if t := o.tbl.Throttler(); t != nil {
		t.Remove(r)
	}

	r.Unlock()
	o.mu.Unlock()

	if queueAck {
		o.queueAck(r)
	}

	o.tbl.peers.Release(r.peer)
}

// queueAck records the completed client RPC in the peer acknowledgement
// FIFO; an overflowing FIFO is flushed in an explicit ACK packet.
func (o *Socket) queueAck(r *Rpc) {
	flush := r.peer.AddAck(r.ReplyAckTuple())

	if len(flush) == 0 {
		return
	}

	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	pkt := &homwir.Ack{
		Hdr: homwir.Header{
			SrcPort:  o.port,
			DstPort:  r.dport,
			SenderID: r.SenderID(),
		},
		Acks: flush,
	}

	if err := snd.Send(r.peer.Addr(), pkt); err != nil {
		o.tbl.log().Error("unable to flush peer acknowledgements", nil)
	}
}

// Abort marks the RPC with a sticky fatal error, surfaces it to a waiting
// client receiver, and ends the RPC. No lock may be held by the caller.
func (o *Socket) Abort(r *Rpc, err liberr.Error) {
	o.mu.Lock()
	r.Lock()

	if r.State == StateDead {
		r.Unlock()
		o.mu.Unlock()

		return
	}

	r.Err = err

	if r.role == RoleClient && !r.delivered {
		r.delivered = true

		o.deliverLocked(Delivery{
			Src:    r.peer.Addr(),
			ID:     r.id,
			Role:   r.role,
			Cookie: r.cookie,
			Err:    err,
		})
	}

	r.end()

	if g := o.tbl.Granter(); g != nil {
		g.RpcDead(r)
	}

	if t := o.tbl.Throttler(); t != nil {
		t.Remove(r)
	}

	r.Unlock()
	o.mu.Unlock()

	o.tbl.peers.Release(r.peer)
}

// CompleteIncoming hands a fully received inbound message to the user: a
// server request parks the RPC in service, a client response ends the RPC
// and then queues its acknowledgement. No lock may be held by the caller.
func (o *Socket) CompleteIncoming(r *Rpc) {
	o.mu.Lock()
	r.Lock()

	if r.State == StateDead || r.delivered || r.Msgin == nil || !r.Msgin.Complete() {
		r.Unlock()
		o.mu.Unlock()

		return
	}

	r.delivered = true

	d := Delivery{
		Src:    r.peer.Addr(),
		ID:     r.id,
		Role:   r.role,
		Length: r.Msgin.Length,
		Cookie: r.cookie,
		Pages:  r.Msgin.DetachPages(),
	}

	var queueAck bool

	if r.role == RoleServer {
		r.State = StateInService
		r.SilentTicks = 0
	} else {
		queueAck = true
		r.end()

		if g := o.tbl.Granter(); g != nil {
			g.RpcDead(r)
		}

		if t := o.tbl.Throttler(); t != nil {
			t.Remove(r)
		}
	}

	o.deliverLocked(d)

	r.Unlock()
	o.mu.Unlock()

	if queueAck {
		o.queueAck(r)
		o.tbl.peers.Release(r.peer)
	}
}

// deliverLocked appends one delivery and wakes every waiting receiver.
// The socket lock is held.
func (o *Socket) deliverLocked(d Delivery) {
	o.ready = append(o.ready, d)

	close(o.waitq)
	o.waitq = make(chan struct{})
}

// Receive waits for the next completed delivery. A non zero filter only
// matches the RPC with that id. Cancellation of the context returns
// ErrorCanceled; a shut down socket returns ErrorShutdown once drained.
func (o *Socket) Receive(ctx context.Context, filter uint64) (Delivery, liberr.Error) {
	for {
		o.mu.Lock()

		for i := range o.ready {
			if filter != 0 && o.ready[i].ID != filter {
				continue
			}

			d := o.ready[i]
			o.ready = append(o.ready[:i], o.ready[i+1:]...)
			o.mu.Unlock()

			return d, nil
		}

		if o.down {
			o.mu.Unlock()
			return Delivery{}, ErrorShutdown.Error(nil)
		}

		w := o.waitq
		o.mu.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			return Delivery{}, ErrorCanceled.Error(ctx.Err())
		}
	}
}

// ReleaseBpages returns consumed delivery bpages to the socket pool.
func (o *Socket) ReleaseBpages(pages ...uint32) liberr.Error {
	for _, idx := range pages {
		if err := o.pool.Free(idx); err != nil {
			return err
		}
	}

	return nil
}

// ActiveRpcs snapshots the live RPCs of the socket, each referenced; the
// caller puts them back after use.
func (o *Socket) ActiveRpcs() []*Rpc {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Rpc, 0, len(o.active))

	for r := range o.active {
		r.Hold()
		out = append(out, r)
	}

	return out
}

// ActiveCount returns how many live RPCs the socket holds.
func (o *Socket) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.active)
}

// DeadSkbs returns the packet buffers retained by dead RPCs.
func (o *Socket) DeadSkbs() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.deadSkbs
}

// Reap frees up to max packet buffers of dead unreferenced RPCs and
// returns how many were freed.
func (o *Socket) Reap(max int) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		freed int
		keep  []*Rpc
	)

	for i, r := range o.dead {
		if freed >= max {
			keep = append(keep, o.dead[i:]...)
			break
		}

		if r.Refs() > 0 {
			keep = append(keep, r)
			continue
		}

		r.Lock()
		n := r.reapBuffers(max - freed)

		if r.deadBufs > 0 {
			keep = append(keep, r)
		} else {
			r.Msgin = nil

			if r.role == RoleServer {
				delete(o.tomb, serverKey{addr: r.peer.Addr(), id: r.id})
			}
		}

		r.Unlock()

		freed += n
	}

	o.dead = keep
	o.deadSkbs -= freed

	if o.deadSkbs < 0 {
		o.deadSkbs = 0
	}

	return freed
}

// DeadCount returns how many dead RPCs await reaping.
func (o *Socket) DeadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.dead)
}

// Shutdown aborts every live RPC of the socket and wakes every waiter.
func (o *Socket) Shutdown() {
	o.mu.Lock()

	if o.down {
		o.mu.Unlock()
		return
	}

	o.down = true

	list := make([]*Rpc, 0, len(o.active))

	for r := range o.active {
		list = append(list, r)
	}

	close(o.waitq)
	o.waitq = make(chan struct{})

	o.mu.Unlock()

	for _, r := range list {
		o.Abort(r, ErrorShutdown.Error(nil))
	}
}

// purgeReady frees the bpages of deliveries nobody will receive anymore,
// called by the final destroy after shutdown.
func (o *Socket) purgeReady() {
	o.mu.Lock()
	list := o.ready
	o.ready = nil
	o.mu.Unlock()

	for i := range list {
		for _, idx := range list[i].Pages {
			_ = o.pool.Free(idx)
		}
	}
}

func (o *Socket) isDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.down
}
