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

// Package timer drives the periodic maintenance of the transport: resend
// emission for silent peers, RPC timeouts, acknowledgement requests for
// finished responses, dead RPC reaping, and peer scavenging.
package timer

import (
	"context"
	"sync/atomic"
	"time"

	libdur "github.com/nabbar/golib/duration"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	libtck "github.com/nabbar/golib/runner/ticker"

	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

// Config carries the timer knobs, all expressed in ticks except the tick
// interval itself.
type Config struct {
	// TickInterval is the wall clock period of one tick.
	TickInterval libdur.Duration

	// ResendTicks is how long a peer may stay silent before the first
	// RESEND goes out.
	ResendTicks int

	// ResendInterval spaces the RESENDs that follow the first one.
	ResendInterval int

	// TimeoutTicks is how long a peer may stay silent before the RPC is
	// errored out.
	TimeoutTicks int

	// TimeoutResends errors the RPC out once this many RESENDs toward its
	// peer went unanswered.
	TimeoutResends int

	// RequestAckTicks is how long a server keeps a finished response
	// before asking the client to acknowledge it.
	RequestAckTicks int
}

// Timer is the periodic maintenance loop of one transport instance.
type Timer interface {
	// Start launches the tick loop until Stop or context cancellation.
	Start(ctx context.Context) liberr.Error

	// Stop halts the tick loop.
	Stop(ctx context.Context) liberr.Error

	// IsRunning reports whether the loop is active.
	IsRunning() bool

	// Tick returns the current tick count; it only moves on RunOnce.
	Tick() uint64

	// RunOnce advances one tick and runs a full maintenance pass; tests
	// and the loop itself both drive the timer through it.
	RunOnce()
}

// New returns a timer for the given socket table. The grant check and
// pacer kick callbacks may be nil.
func New(cfg Config, tbl *homrpc.Table, log liblog.FuncLog, grantCheck, pacerKick func()) (Timer, liberr.Error) {
	if tbl == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	if cfg.TickInterval.Time() <= 0 || cfg.ResendTicks <= 0 || cfg.ResendInterval <= 0 {
		return nil, ErrorConfigInvalid.Error(nil)
	}

	if cfg.TimeoutTicks <= cfg.ResendTicks || cfg.TimeoutResends <= 0 || cfg.RequestAckTicks <= 0 {
		return nil, ErrorConfigInvalid.Error(nil)
	}

	t := &timer{
		cfg: cfg,
		tbl: tbl,
		fl:  log,
		fg:  grantCheck,
		fp:  pacerKick,
	}

	t.run = libtck.New(cfg.TickInterval.Time(), func(ctx context.Context, tck *time.Ticker) error {
		t.RunOnce()
		return nil
	})

	tbl.SetTick(t.Tick)

	return t, nil
}

type timer struct {
	cfg  Config
	tbl  *homrpc.Table
	fl   liblog.FuncLog
	fg   func()
	fp   func()
	tick atomic.Uint64
	run  libtck.Ticker
}

func (o *timer) Start(ctx context.Context) liberr.Error {
	if o.run.IsRunning() {
		return ErrorRunning.Error(nil)
	}

	if err := o.run.Start(ctx); err != nil {
		return ErrorParamEmpty.Error(err)
	}

	return nil
}

func (o *timer) Stop(ctx context.Context) liberr.Error {
	if !o.run.IsRunning() {
		return nil
	}

	if err := o.run.Stop(ctx); err != nil {
		return ErrorParamEmpty.Error(err)
	}

	return nil
}

func (o *timer) IsRunning() bool {
	return o.run.IsRunning()
}

func (o *timer) Tick() uint64 {
	return o.tick.Load()
}

// RunOnce advances the tick, inspects every live RPC, then reaps and
// scavenges.
func (o *timer) RunOnce() {
	now := o.tick.Add(1)

	for _, sk := range o.tbl.Sockets() {
		o.checkSocket(sk, now)
	}

	if o.fg != nil {
		o.fg()
	}

	if o.fp != nil {
		o.fp()
	}

	o.tbl.Peers().ScavengeDead()
}

func (o *timer) checkSocket(sk *homrpc.Socket, now uint64) {
	var expired []*homrpc.Rpc

	for _, r := range sk.ActiveRpcs() {
		if o.checkRpc(r, now) {
			expired = append(expired, r)
		}

		r.Put()
	}

	for _, r := range expired {
		sk.Abort(r, homrpc.ErrorTimeout.Error(nil))
	}

	if sk.DeadSkbs() > o.tbl.Params().DeadBuffsLimit {
		sk.Reap(o.tbl.Params().ReapBatch)
	}
}

// checkRpc inspects one RPC under its lock and reports whether it timed
// out. RESEND and NEED_ACK packets are emitted inline.
func (o *timer) checkRpc(r *homrpc.Rpc, now uint64) bool {
	r.Lock()
	defer r.Unlock()

	if r.Dead() {
		return false
	}

	// a server currently holds the request for the user; nothing is owed
	// by the peer
	if r.State == homrpc.StateInService {
		r.SilentTicks = 0
		return false
	}

	if r.Msgin != nil && !r.Msgin.Complete() {
		// the peer sent every granted byte, silence is expected
		if r.Msgin.BytesReceived >= r.Msgin.Granted {
			r.SilentTicks = 0
			return false
		}

		// no room to land more bytes, the stall is ours
		if !r.Msgin.HasBuffers() {
			r.SilentTicks = 0
			return false
		}
	}

	r.SilentTicks++

	if r.SilentTicks >= o.cfg.TimeoutTicks {
		return true
	}

	if r.Peer().OutstandingResends() >= o.cfg.TimeoutResends {
		return true
	}

	if o.expectingData(r) && r.SilentTicks >= o.cfg.ResendTicks {
		if (r.SilentTicks-o.cfg.ResendTicks)%o.cfg.ResendInterval == 0 {
			o.sendResend(r)
		}
	}

	if r.Role() == homrpc.RoleServer && r.State == homrpc.StateOutgoing &&
		r.Msgout != nil && r.Msgout.Transmitted() {
		if r.DoneTick == 0 {
			r.DoneTick = now
		} else if now-r.DoneTick >= uint64(o.cfg.RequestAckTicks) {
			o.sendNeedAck(r)
			r.DoneTick = now
		}
	}

	return false
}

// expectingData reports whether the peer owes this RPC message bytes: an
// incomplete incoming message, or a client whose request is fully out with
// no response started.
func (o *timer) expectingData(r *homrpc.Rpc) bool {
	if r.Msgin != nil {
		return !r.Msgin.Complete()
	}

	return r.Role() == homrpc.RoleClient && r.Msgout != nil && r.Msgout.Transmitted()
}

// resendAll marks a RESEND asking for everything the peer has sent so far,
// used when no byte of the inbound message has been seen yet.
const resendAll = ^uint32(0)

func (o *timer) sendResend(r *homrpc.Rpc) {
	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	var offset, length uint32 = 0, resendAll

	if r.Msgin != nil {
		off, ln := r.Msgin.FirstMissing()
		offset, length = uint32(off), uint32(ln)

		if length == 0 {
			return
		}
	}

	pkt := &homwir.Resend{
		Hdr: homwir.Header{
			SrcPort:  r.Socket().Port(),
			DstPort:  r.DstPort(),
			SenderID: r.SenderID(),
		},
		Offset:   offset,
		Length:   length,
		Priority: homwir.NumPriorities - 1,
	}

	if err := snd.Send(r.Peer().Addr(), pkt); err == nil {
		r.Peer().AddResend()
		r.LastResendTick = o.tick.Load()
	}
}

func (o *timer) sendNeedAck(r *homrpc.Rpc) {
	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	pkt := &homwir.NeedAck{
		Hdr: homwir.Header{
			SrcPort:  r.Socket().Port(),
			DstPort:  r.DstPort(),
			SenderID: r.SenderID(),
		},
	}

	_ = snd.Send(r.Peer().Addr(), pkt)
}
