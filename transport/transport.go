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

// Package transport assembles the homa core: packet codec, peer table,
// buffer pools, RPC state machines, grant scheduler, pacer, dispatcher and
// timer, behind the user facing message API. The OS network stack stays
// outside: ingress enters through Deliver, egress leaves through the
// injected Sender.
package transport

import (
	"context"
	"net/netip"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"
	"github.com/prometheus/client_golang/prometheus"

	homdsp "github.com/nabbar/homa/dispatch"
	homgrt "github.com/nabbar/homa/grant"
	hommsg "github.com/nabbar/homa/message"
	hompcr "github.com/nabbar/homa/pacer"
	homper "github.com/nabbar/homa/peer"
	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

// Homa is one transport instance: a set of sockets sharing a peer table,
// a grant scheduler, a pacer and a timer loop.
type Homa interface {
	// Bind reserves a server port, or an ephemeral client port when zero.
	Bind(port uint16) (*homrpc.Socket, liberr.Error)

	// SetRegion registers the user receive region of a socket; the length
	// must be a positive multiple of pool.BpageSize.
	SetRegion(sk *homrpc.Socket, region []byte) liberr.Error

	// SendRequest starts a client RPC toward dest and returns its id. The
	// cookie is echoed on completion.
	SendRequest(sk *homrpc.Socket, dest netip.AddrPort, iov [][]byte, cookie uint64) (uint64, liberr.Error)

	// SendResponse answers the in service server RPC named by the request
	// delivery.
	SendResponse(sk *homrpc.Socket, src netip.Addr, id uint64, iov [][]byte) liberr.Error

	// Receive waits for the next completed inbound message of the socket.
	// A non zero filter restricts it to one RPC id.
	Receive(sk *homrpc.Socket, ctx context.Context, filter uint64) (homrpc.Delivery, liberr.Error)

	// ReleaseBpages returns consumed delivery bpages to the socket pool.
	ReleaseBpages(sk *homrpc.Socket, pages ...uint32) liberr.Error

	// Abort cancels the client RPC named by id with ECANCELED semantics.
	Abort(sk *homrpc.Socket, dest netip.Addr, id uint64) liberr.Error

	// Deliver is the ingress entry: one raw datagram from the OS.
	Deliver(raw []byte, from netip.AddrPort) liberr.Error

	// Dispatch routes one already decoded packet.
	Dispatch(pkt homwir.Packet, from netip.AddrPort) liberr.Error

	// Start launches the timer loop.
	Start(ctx context.Context) liberr.Error

	// Stop halts the timer loop without touching RPC state.
	Stop(ctx context.Context) liberr.Error

	// Shutdown aborts every RPC of every socket and wakes all waiters.
	Shutdown()

	// Close shuts down, reaps and releases everything.
	Close()

	// Table exposes the socket table, for the OS glue and tests.
	Table() *homrpc.Table

	// RegisterMetrics attaches the transport collectors to a registry.
	RegisterMetrics(reg prometheus.Registerer) liberr.Error
}

// New assembles a transport instance from a validated configuration and
// the OS egress glue.
func New(cfg Config, snd homrpc.Sender, log liblog.FuncLog) (Homa, liberr.Error) {
	if snd == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		met = newMetrics()
		out = &meteredSender{s: snd, m: met}
	)

	tbl := homrpc.NewTable(homrpc.Params{
		UnschedBytes:     int(cfg.UnschedBytes.Int64()),
		SegmentSize:      int(cfg.SegmentSize.Int64()),
		MinDefaultPort:   cfg.MinDefaultPort,
		DeadBuffsLimit:   cfg.DeadBuffsLimit,
		ReapBatch:        cfg.ReapBatch,
		DontThrottle:     cfg.Pacer.DontThrottle,
		ThrottleMinBytes: int(cfg.Pacer.ThrottleMinBytes.Int64()),
		Cutoffs:          cfg.Cutoffs,
		CutoffVersion:    cfg.CutoffVersion,
	}, homper.NewTable(), log)

	tbl.SetSender(out)

	sch, err := homgrt.New(homgrt.Config{
		Window:    int(cfg.Grant.Window.Int64()),
		NumActive: cfg.Grant.NumActiveRpcs,
	}, out)

	if err != nil {
		return nil, err
	}

	tbl.SetGranter(sch)

	pcr, err := hompcr.New(hompcr.Config{
		ThrottleMinBytes: int(cfg.Pacer.ThrottleMinBytes.Int64()),
	}, out)

	if err != nil {
		return nil, err
	}

	tbl.SetThrottler(pcr)

	dsp, err := homdsp.New(tbl, log)

	if err != nil {
		return nil, err
	}

	tmr, err := newTimer(cfg, tbl, log, sch.Check, pcr.Drain)

	if err != nil {
		return nil, err
	}

	return &homa{
		cfg: cfg,
		tbl: tbl,
		dsp: dsp,
		sch: sch,
		pcr: pcr,
		tmr: tmr,
		met: met,
	}, nil
}

type homa struct {
	cfg Config
	tbl *homrpc.Table
	dsp homdsp.Dispatcher
	sch homgrt.Scheduler
	pcr hompcr.Pacer
	tmr timerRunner
	met *metrics
}

func (o *homa) Bind(port uint16) (*homrpc.Socket, liberr.Error) {
	return o.tbl.Bind(port)
}

func (o *homa) SetRegion(sk *homrpc.Socket, region []byte) liberr.Error {
	if sk == nil {
		return ErrorParamEmpty.Error(nil)
	}

	return sk.SetRegion(region)
}

func (o *homa) SendRequest(sk *homrpc.Socket, dest netip.AddrPort, iov [][]byte, cookie uint64) (uint64, liberr.Error) {
	if sk == nil || !dest.IsValid() {
		return 0, ErrorParamEmpty.Error(nil)
	}

	out, err := hommsg.NewOutgoing(iov, int(o.cfg.SegmentSize.Int64()), int(o.cfg.UnschedBytes.Int64()))

	if err != nil {
		return 0, err
	}

	r, err2 := sk.AllocClient(dest, cookie)

	if err2 != nil {
		return 0, err2
	}

	r.Msgout = out
	r.Xmit(false)

	id := r.ID()

	r.Unlock()
	r.Put()

	return id, nil
}

func (o *homa) SendResponse(sk *homrpc.Socket, src netip.Addr, id uint64, iov [][]byte) liberr.Error {
	if sk == nil || !src.IsValid() {
		return ErrorParamEmpty.Error(nil)
	}

	out, err := hommsg.NewOutgoing(iov, int(o.cfg.SegmentSize.Int64()), int(o.cfg.UnschedBytes.Int64()))

	if err != nil {
		return err
	}

	r := sk.Find(src, id)

	if r == nil {
		return homrpc.ErrorRpcUnknown.Error(nil)
	}

	r.Lock()

	if r.Role() != homrpc.RoleServer || r.State != homrpc.StateInService {
		r.Unlock()
		r.Put()

		return ErrorRpcNotInService.Error(nil)
	}

	r.Msgout = out
	r.State = homrpc.StateOutgoing
	r.SilentTicks = 0
	r.Xmit(false)

	r.Unlock()
	r.Put()

	return nil
}

func (o *homa) Receive(sk *homrpc.Socket, ctx context.Context, filter uint64) (homrpc.Delivery, liberr.Error) {
	if sk == nil {
		return homrpc.Delivery{}, ErrorParamEmpty.Error(nil)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	return sk.Receive(ctx, filter)
}

func (o *homa) ReleaseBpages(sk *homrpc.Socket, pages ...uint32) liberr.Error {
	if sk == nil {
		return ErrorParamEmpty.Error(nil)
	}

	return sk.ReleaseBpages(pages...)
}

func (o *homa) Abort(sk *homrpc.Socket, dest netip.Addr, id uint64) liberr.Error {
	if sk == nil {
		return ErrorParamEmpty.Error(nil)
	}

	r := sk.Find(dest, id)

	if r == nil {
		return homrpc.ErrorRpcUnknown.Error(nil)
	}

	sk.Abort(r, homrpc.ErrorCanceled.Error(nil))
	o.met.aborted.Inc()
	r.Put()

	return nil
}

func (o *homa) Deliver(raw []byte, from netip.AddrPort) liberr.Error {
	err := o.dsp.Deliver(raw, from)

	o.countInbound(raw, err)

	return err
}

func (o *homa) Dispatch(pkt homwir.Packet, from netip.AddrPort) liberr.Error {
	if pkt == nil {
		return ErrorParamEmpty.Error(nil)
	}

	err := o.dsp.Dispatch(pkt, from)

	if err != nil {
		o.met.drops.Inc()
	} else {
		o.met.recv.WithLabelValues(pkt.Type().String()).Inc()
	}

	return err
}

func (o *homa) countInbound(raw []byte, err liberr.Error) {
	if err != nil {
		o.met.drops.Inc()
		return
	}

	if pkt, e := homwir.ReadPacket(raw); e == nil {
		o.met.recv.WithLabelValues(pkt.Type().String()).Inc()
	}
}

func (o *homa) Start(ctx context.Context) liberr.Error {
	return o.tmr.Start(ctx)
}

func (o *homa) Stop(ctx context.Context) liberr.Error {
	return o.tmr.Stop(ctx)
}

func (o *homa) Shutdown() {
	o.tbl.Shutdown()
}

func (o *homa) Close() {
	_ = o.tmr.Stop(context.Background())
	o.tbl.Close()
	o.tbl.Peers().ScavengeDead()
}

func (o *homa) Table() *homrpc.Table {
	return o.tbl
}

func (o *homa) RegisterMetrics(reg prometheus.Registerer) liberr.Error {
	if reg == nil {
		return ErrorParamEmpty.Error(nil)
	}

	return o.met.register(reg)
}
