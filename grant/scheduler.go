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

// Package grant allocates inbound bandwidth among concurrent incoming
// messages by SRPT: the messages with the fewest ungranted bytes receive
// grants first, at most NumActive of them at a time, each kept one Window
// ahead of its received bytes.
//
// Fairness across peers: the active set takes the shortest message of each
// grantable peer before a second message of any peer, so one busy remote
// cannot occupy every slot. Ties on ungranted bytes go to the lower RPC id.
package grant

import (
	"sort"
	"sync"

	liberr "github.com/nabbar/golib/errors"

	homper "github.com/nabbar/homa/peer"
	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

// Config carries the scheduler knobs.
type Config struct {
	// Window is how many bytes beyond its received byte count each active
	// message stays granted.
	Window int

	// NumActive caps how many incoming messages hold grants at once.
	NumActive int
}

// Scheduler is the grant side of the transport, implementing rpc.Granter.
type Scheduler interface {
	homrpc.Granter

	// Check re-emits grants for the active set, called from the timer so
	// freshly promoted messages do not wait for their own packets.
	Check()

	// ActiveIDs returns the RPC ids of the active set in rank order.
	ActiveIDs() []uint64

	// GrantableCount returns how many messages wait for grants overall.
	GrantableCount() int
}

// New returns a scheduler emitting GRANT packets through the given sender.
func New(cfg Config, snd homrpc.Sender) (Scheduler, liberr.Error) {
	if snd == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	if cfg.Window <= 0 || cfg.NumActive <= 0 {
		return nil, ErrorConfigInvalid.Error(nil)
	}

	return &scheduler{
		cfg:   cfg,
		snd:   snd,
		all:   make(map[*homrpc.Rpc]*entry),
		peers: make(map[*homper.Peer][]*entry),
	}, nil
}

// entry caches the message progress of one RPC, refreshed under that RPC's
// lock; the scheduler never touches another RPC's message directly while
// holding its own lock.
type entry struct {
	r        *homrpc.Rpc
	peer     *homper.Peer
	length   int
	received int
	granted  int
	noBufs   bool
}

func (e *entry) ungranted() int {
	return e.length - e.granted
}

type scheduler struct {
	mu     sync.Mutex
	cfg    Config
	snd    homrpc.Sender
	all    map[*homrpc.Rpc]*entry
	peers  map[*homper.Peer][]*entry
	active []*entry
}

// IncomingChanged refreshes the scheduler view of the RPC's incoming
// message and reconsiders the active set. Called with no lock held.
func (o *scheduler) IncomingChanged(r *homrpc.Rpc) {
	if r == nil {
		return
	}

	var (
		snap     entry
		complete bool
	)

	r.Lock()

	if r.Msgin == nil || r.Dead() {
		complete = r.Dead()

		if !complete {
			r.Unlock()
			return
		}
	} else {
		snap = entry{
			r:        r,
			peer:     r.Peer(),
			length:   r.Msgin.Length,
			received: r.Msgin.BytesReceived,
			granted:  r.Msgin.Granted,
			noBufs:   !r.Msgin.HasBuffers(),
		}
		complete = r.Msgin.Complete()
	}

	r.Unlock()

	o.mu.Lock()

	if complete {
		o.dropLocked(r)
	} else {
		o.upsertLocked(&snap)
	}

	o.electLocked()
	targets := o.pendingLocked()

	o.mu.Unlock()

	o.apply(targets)
}

// RpcDead detaches the RPC; the caller already holds its locks, so only
// scheduler bookkeeping happens here.
func (o *scheduler) RpcDead(r *homrpc.Rpc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.dropLocked(r)
	o.electLocked()
}

// Check runs one emission pass over the active set.
func (o *scheduler) Check() {
	o.mu.Lock()
	o.electLocked()
	targets := o.pendingLocked()
	o.mu.Unlock()

	o.apply(targets)
}

func (o *scheduler) ActiveIDs() []uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]uint64, 0, len(o.active))

	for _, e := range o.active {
		out = append(out, e.r.ID())
	}

	return out
}

func (o *scheduler) GrantableCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.all)
}

func (o *scheduler) upsertLocked(snap *entry) {
	e, ok := o.all[snap.r]

	if !ok {
		e = &entry{r: snap.r, peer: snap.peer}
		o.all[snap.r] = e
	}

	e.length = snap.length
	e.received = snap.received
	e.noBufs = snap.noBufs

	if snap.granted > e.granted {
		e.granted = snap.granted
	}

	o.resortLocked(e.peer)
}

func (o *scheduler) dropLocked(r *homrpc.Rpc) {
	e, ok := o.all[r]

	if !ok {
		return
	}

	delete(o.all, r)

	list := o.peers[e.peer]

	for i := range list {
		if list[i] == e {
			o.peers[e.peer] = append(list[:i], list[i+1:]...)
			break
		}
	}

	if len(o.peers[e.peer]) == 0 {
		delete(o.peers, e.peer)
	}
}

func (o *scheduler) resortLocked(p *homper.Peer) {
	list := o.peers[p][:0]

	for _, e := range o.all {
		if e.peer == p {
			list = append(list, e)
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ungranted() != list[j].ungranted() {
			return list[i].ungranted() < list[j].ungranted()
		}

		return list[i].r.ID() < list[j].r.ID()
	})

	if len(list) > 0 {
		o.peers[p] = list
	} else {
		delete(o.peers, p)
	}
}

// electLocked rebuilds the active set: one pass taking the shortest
// message of every peer, a second pass filling leftover slots with the
// globally shortest remainder, then ranks in SRPT order.
func (o *scheduler) electLocked() {
	var first, rest []*entry

	for _, list := range o.peers {
		if len(list) == 0 {
			continue
		}

		first = append(first, list[0])
		rest = append(rest, list[1:]...)
	}

	byShortest := func(s []*entry) {
		sort.SliceStable(s, func(i, j int) bool {
			if s[i].ungranted() != s[j].ungranted() {
				return s[i].ungranted() < s[j].ungranted()
			}

			return s[i].r.ID() < s[j].r.ID()
		})
	}

	byShortest(first)
	byShortest(rest)

	if len(first) > o.cfg.NumActive {
		first = first[:o.cfg.NumActive]
	}

	for _, e := range rest {
		if len(first) >= o.cfg.NumActive {
			break
		}

		first = append(first, e)
	}

	byShortest(first)

	for _, e := range o.active {
		e.r.GrantRank = -1
	}

	o.active = first

	for i, e := range o.active {
		e.r.GrantRank = i
	}
}

// target is one grant to apply outside the scheduler lock.
type target struct {
	r       *homrpc.Rpc
	desired int
	prio    uint8
}

func (o *scheduler) pendingLocked() []target {
	var out []target

	for rank, e := range o.active {
		if e.noBufs {
			// no room to land more bytes, withholding until bpages free up
			continue
		}

		desired := e.received + o.cfg.Window

		if desired > e.length {
			desired = e.length
		}

		if desired <= e.granted {
			continue
		}

		prio := homwir.NumPriorities - 1 - rank

		if prio < 0 {
			prio = 0
		}

		out = append(out, target{r: e.r, desired: desired, prio: uint8(prio)})

		// record the emission so a parallel pass does not repeat it
		e.granted = desired
	}

	return out
}

// apply updates each target message under its own RPC lock and emits the
// GRANT. No scheduler lock is held here.
func (o *scheduler) apply(targets []target) {
	for _, t := range targets {
		t.r.Lock()

		if t.r.Dead() || t.r.Msgin == nil {
			t.r.Unlock()
			continue
		}

		var (
			prev = t.r.Msgin.Granted
			next = t.r.Msgin.Grant(t.desired)
		)

		if next <= prev {
			t.r.Unlock()
			continue
		}

		pkt := &homwir.Grant{
			Hdr: homwir.Header{
				SrcPort:  t.r.Socket().Port(),
				DstPort:  t.r.DstPort(),
				SenderID: t.r.SenderID(),
			},
			Offset:   uint32(next),
			Priority: t.prio,
		}

		addr := t.r.Peer().Addr()

		t.r.Unlock()

		_ = o.snd.Send(addr, pkt)
	}
}
