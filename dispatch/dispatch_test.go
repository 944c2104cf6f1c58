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

package dispatch_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	liberr "github.com/nabbar/golib/errors"

	homdsp "github.com/nabbar/homa/dispatch"
	homgrt "github.com/nabbar/homa/grant"
	hommsg "github.com/nabbar/homa/message"
	homper "github.com/nabbar/homa/peer"
	hompol "github.com/nabbar/homa/pool"
	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	pkts []homwir.Packet
}

func (o *fakeSender) Send(to netip.Addr, pkt homwir.Packet) liberr.Error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pkts = append(o.pkts, pkt)

	return nil
}

func (o *fakeSender) QueuedBytes() int {
	return 0
}

func (o *fakeSender) byType(t homwir.PacketType) []homwir.Packet {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []homwir.Packet

	for _, p := range o.pkts {
		if p.Type() == t {
			out = append(out, p)
		}
	}

	return out
}

type env struct {
	snd *fakeSender
	tbl *homrpc.Table
	dsp homdsp.Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()

	snd := &fakeSender{}

	tbl := homrpc.NewTable(homrpc.Params{
		UnschedBytes:   10000,
		SegmentSize:    1400,
		MinDefaultPort: 32768,
		DeadBuffsLimit: 100,
		ReapBatch:      100,
		DontThrottle:   true,
		CutoffVersion:  1,
	}, homper.NewTable(), nil)
	tbl.SetSender(snd)

	sch, err := homgrt.New(homgrt.Config{Window: 50000, NumActive: 4}, snd)
	if err != nil {
		t.Fatalf("New scheduler failed: %v", err)
	}

	tbl.SetGranter(sch)

	dsp, err2 := homdsp.New(tbl, nil)
	if err2 != nil {
		t.Fatalf("New dispatcher failed: %v", err2)
	}

	return &env{snd: snd, tbl: tbl, dsp: dsp}
}

func (e *env) bindServer(t *testing.T, port uint16, pages int) *homrpc.Socket {
	t.Helper()

	sk, err := e.tbl.Bind(port)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	if err = sk.SetRegion(make([]byte, pages*int(hompol.BpageSize.Int64()))); err != nil {
		t.Fatalf("SetRegion failed: %v", err)
	}

	return sk
}

func from(addr string, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(addr), port)
}

func data(sport, dport uint16, senderID uint64, msgLen, off int, payload []byte) *homwir.Data {
	return &homwir.Data{
		Hdr:           homwir.Header{SrcPort: sport, DstPort: dport, SenderID: senderID},
		MessageLength: uint32(msgLen),
		Incoming:      uint32(msgLen),
		CutoffVersion: 1,
		Seg:           homwir.Seg{Offset: uint32(off), Payload: payload},
	}
}

func TestDispatch_RequestCreatesServerRpc(t *testing.T) {
	e := newEnv(t)
	sk := e.bindServer(t, 99, 4)

	if err := e.dsp.Dispatch(data(40000, 99, 42, 100, 0, make([]byte, 100)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	ctx, cnl := context.WithTimeout(context.Background(), time.Second)
	defer cnl()

	d, err := sk.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if d.ID != 43 || d.Length != 100 || d.Role != homrpc.RoleServer {
		t.Fatalf("Unexpected delivery: %+v", d)
	}

	// the request is now in service
	r := sk.Find(netip.MustParseAddr("10.0.0.1"), 43)
	if r == nil {
		t.Fatalf("Server RPC not found")
	}

	r.Lock()
	if r.State != homrpc.StateInService {
		t.Errorf("Expected IN_SERVICE, got %s", r.State)
	}
	r.Unlock()
	r.Put()
}

func TestDispatch_OutOfOrderReassembly(t *testing.T) {
	e := newEnv(t)
	sk := e.bindServer(t, 99, 4)

	// offsets 0 and 2800 arrive, then the 1400 hole fills
	if err := e.dsp.Dispatch(data(40000, 99, 42, 5000, 0, make([]byte, 1400)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if err := e.dsp.Dispatch(data(40000, 99, 42, 5000, 2800, make([]byte, 2200)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	r := sk.Find(netip.MustParseAddr("10.0.0.1"), 43)
	if r == nil {
		t.Fatalf("Server RPC not found")
	}

	r.Lock()
	gaps := r.Msgin.Gaps()
	r.Unlock()

	if len(gaps) != 1 || gaps[0].Start != 1400 || gaps[0].End != 2800 {
		t.Fatalf("Expected gap [1400,2800), got %v", gaps)
	}

	// duplicate changes nothing
	if err := e.dsp.Dispatch(data(40000, 99, 42, 5000, 0, make([]byte, 1400)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if err := e.dsp.Dispatch(data(40000, 99, 42, 5000, 1400, make([]byte, 1400)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	ctx, cnl := context.WithTimeout(context.Background(), time.Second)
	defer cnl()

	d, err := sk.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if d.Length != 5000 {
		t.Errorf("Expected 5000 byte delivery, got %d", d.Length)
	}

	r.Put()
}

func TestDispatch_UnknownIdAnswers(t *testing.T) {
	e := newEnv(t)
	e.bindServer(t, 99, 2)

	// GRANT for an id never seen
	g := &homwir.Grant{Hdr: homwir.Header{SrcPort: 40000, DstPort: 99, SenderID: 42}, Offset: 1000}

	if err := e.dsp.Dispatch(g, from("10.0.0.1", 40000)); err == nil {
		t.Fatalf("Expected drop error")
	}

	unk := e.snd.byType(homwir.TypeUnknown)
	if len(unk) != 1 {
		t.Fatalf("Expected 1 RPC_UNKNOWN, got %d", len(unk))
	}

	if unk[0].Common().DstPort != 40000 {
		t.Errorf("RPC_UNKNOWN to wrong port %d", unk[0].Common().DstPort)
	}

	// the peer reads back its own id
	if homwir.LocalID(unk[0].Common().SenderID) != 42 {
		t.Errorf("RPC_UNKNOWN names the wrong id: %d", unk[0].Common().SenderID)
	}

	// an inbound RPC_UNKNOWN for an unknown id stays silent
	e.snd.pkts = nil

	u := &homwir.Unknown{Hdr: homwir.Header{SrcPort: 40000, DstPort: 99, SenderID: 44}}

	if err := e.dsp.Dispatch(u, from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(e.snd.byType(homwir.TypeUnknown)) != 0 {
		t.Errorf("RPC_UNKNOWN answered with RPC_UNKNOWN")
	}
}

func TestDispatch_GrantMovesWindow(t *testing.T) {
	e := newEnv(t)

	sk, err := e.tbl.Bind(0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	r, err2 := sk.AllocClient(from("10.0.0.1", 99), 0)
	if err2 != nil {
		t.Fatalf("AllocClient failed: %v", err2)
	}

	out, e2 := hommsg.NewOutgoing([][]byte{make([]byte, 5000)}, 1400, 1400)
	if e2 != nil {
		t.Fatalf("NewOutgoing failed: %v", e2)
	}

	r.Msgout = out
	r.Xmit(false)
	r.Unlock()
	r.Put()

	if got := len(e.snd.byType(homwir.TypeData)); got != 1 {
		t.Fatalf("Expected 1 unscheduled segment, got %d", got)
	}

	g := &homwir.Grant{
		Hdr:    homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1},
		Offset: 5000,
	}

	if err := e.dsp.Dispatch(g, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if got := len(e.snd.byType(homwir.TypeData)); got != 4 {
		t.Errorf("Expected 4 segments after grant, got %d", got)
	}

	// a stale grant releases nothing more
	g2 := &homwir.Grant{
		Hdr:    homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1},
		Offset: 2000,
	}

	if err := e.dsp.Dispatch(g2, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if got := len(e.snd.byType(homwir.TypeData)); got != 4 {
		t.Errorf("Stale grant released segments: %d", got)
	}
}

func TestDispatch_ResendAndBusy(t *testing.T) {
	e := newEnv(t)

	sk, _ := e.tbl.Bind(0)

	r, _ := sk.AllocClient(from("10.0.0.1", 99), 0)
	out, _ := hommsg.NewOutgoing([][]byte{make([]byte, 5000)}, 1400, 5000)
	r.Msgout = out
	r.Unlock()
	r.Put()

	// nothing released yet: BUSY
	rs := &homwir.Resend{
		Hdr:    homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1},
		Offset: 0, Length: 5000,
	}

	if err := e.dsp.Dispatch(rs, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(e.snd.byType(homwir.TypeBusy)) != 1 {
		t.Fatalf("Expected BUSY, got %d", len(e.snd.byType(homwir.TypeBusy)))
	}

	r.Lock()
	r.Xmit(false)
	r.Unlock()

	e.snd.pkts = nil

	rs2 := &homwir.Resend{
		Hdr:    homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1},
		Offset: 1400, Length: 1400,
	}

	if err := e.dsp.Dispatch(rs2, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	res := e.snd.byType(homwir.TypeData)
	if len(res) != 1 {
		t.Fatalf("Expected 1 retransmitted segment, got %d", len(res))
	}

	if p := res[0].(*homwir.Data); p.Seg.Offset != 1400 || p.Retransmit != 1 {
		t.Errorf("Unexpected retransmission: offset %d retransmit %d", p.Seg.Offset, p.Retransmit)
	}
}

func TestDispatch_BusyOnUnknownId(t *testing.T) {
	e := newEnv(t)

	sk, err := e.tbl.Bind(0)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	b := &homwir.Busy{Hdr: homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: 21}}

	if err := e.dsp.Dispatch(b, from("10.0.0.1", 99)); err == nil {
		t.Fatalf("Expected drop error")
	}

	unk := e.snd.byType(homwir.TypeUnknown)
	if len(unk) != 1 {
		t.Fatalf("Expected 1 RPC_UNKNOWN, got %d", len(unk))
	}

	if homwir.LocalID(unk[0].Common().SenderID) != 21 {
		t.Errorf("RPC_UNKNOWN names the wrong id: %d", unk[0].Common().SenderID)
	}

	// a BUSY for a live RPC resets its silence and draws no reply
	r, err2 := sk.AllocClient(from("10.0.0.1", 99), 0)
	if err2 != nil {
		t.Fatalf("AllocClient failed: %v", err2)
	}

	r.SilentTicks = 7
	r.Unlock()
	r.Put()

	e.snd.pkts = nil

	b2 := &homwir.Busy{Hdr: homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1}}

	if err := e.dsp.Dispatch(b2, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(e.snd.byType(homwir.TypeUnknown)) != 0 {
		t.Errorf("BUSY for a live RPC answered with RPC_UNKNOWN")
	}

	r.Lock()
	if r.SilentTicks != 0 {
		t.Errorf("Expected silent ticks reset, got %d", r.SilentTicks)
	}
	r.Unlock()
}

func TestDispatch_UnknownTerminates(t *testing.T) {
	e := newEnv(t)

	sk, _ := e.tbl.Bind(0)

	r, _ := sk.AllocClient(from("10.0.0.1", 99), 3)
	r.Unlock()
	r.Put()

	u := &homwir.Unknown{Hdr: homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: r.ID() ^ 1}}

	if err := e.dsp.Dispatch(u, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	ctx, cnl := context.WithTimeout(context.Background(), time.Second)
	defer cnl()

	d, err := sk.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if d.Err == nil || d.Err.Code() != homrpc.ErrorPeerUnknown.Uint16() {
		t.Errorf("Expected peer unknown delivery, got %+v", d)
	}
}

func TestDispatch_NeedAckAnswersAck(t *testing.T) {
	e := newEnv(t)

	sk, _ := e.tbl.Bind(0)

	// the client RPC is long gone; NEED_ACK must still be answered
	na := &homwir.NeedAck{Hdr: homwir.Header{SrcPort: 99, DstPort: sk.Port(), SenderID: 21}}

	if err := e.dsp.Dispatch(na, from("10.0.0.1", 99)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	acks := e.snd.byType(homwir.TypeAck)
	if len(acks) != 1 {
		t.Fatalf("Expected 1 ACK, got %d", len(acks))
	}

	got := acks[0].(*homwir.Ack)
	if len(got.Acks) != 1 || got.Acks[0].ClientID != 20 || got.Acks[0].ServerPort != 99 {
		t.Errorf("Unexpected ack tuples: %+v", got.Acks)
	}
}

func TestDispatch_AckEndsServerRpc(t *testing.T) {
	e := newEnv(t)
	sk := e.bindServer(t, 99, 2)

	if err := e.dsp.Dispatch(data(40000, 99, 42, 100, 0, make([]byte, 100)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if sk.ActiveCount() != 1 {
		t.Fatalf("Expected 1 active RPC")
	}

	ack := &homwir.Ack{
		Hdr:  homwir.Header{SrcPort: 40000, DstPort: 99, SenderID: 42},
		Acks: []homwir.AckTuple{{ServerPort: 99, ClientID: 42}},
	}

	if err := e.dsp.Dispatch(ack, from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if sk.ActiveCount() != 0 {
		t.Errorf("Server RPC survived the ACK")
	}
}

func TestDispatch_DataForDeadRpc(t *testing.T) {
	e := newEnv(t)
	sk := e.bindServer(t, 99, 2)

	if err := e.dsp.Dispatch(data(40000, 99, 42, 100, 0, make([]byte, 100)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	r := sk.Find(netip.MustParseAddr("10.0.0.1"), 43)
	if r == nil {
		t.Fatalf("Server RPC not found")
	}

	sk.End(r)
	r.Put()

	e.snd.pkts = nil

	// a retransmission for the dead RPC must not resurrect it
	if err := e.dsp.Dispatch(data(40000, 99, 42, 100, 0, make([]byte, 100)), from("10.0.0.1", 40000)); err == nil {
		t.Fatalf("Expected drop for dead RPC")
	}

	if len(e.snd.byType(homwir.TypeUnknown)) != 1 {
		t.Errorf("Expected RPC_UNKNOWN for dead RPC")
	}

	if sk.ActiveCount() != 0 {
		t.Errorf("Dead RPC resurrected")
	}

	// once reaped, the id is free again and a fresh exchange may reuse it
	for sk.Reap(1000) > 0 {
	}

	e.snd.pkts = nil

	if err := e.dsp.Dispatch(data(40000, 99, 42, 100, 0, make([]byte, 100)), from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed after reap: %v", err)
	}

	if sk.ActiveCount() != 1 {
		t.Errorf("Expected a fresh server RPC after reap")
	}
}

func TestDispatch_CutoffsStored(t *testing.T) {
	e := newEnv(t)
	e.bindServer(t, 99, 2)

	c := &homwir.Cutoffs{
		Hdr:           homwir.Header{SrcPort: 40000, DstPort: 99, SenderID: 42},
		Cutoffs:       [8]uint32{0, 0, 0, 0, 0, 0, 0, 1000},
		CutoffVersion: 5,
	}

	if err := e.dsp.Dispatch(c, from("10.0.0.1", 40000)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	p := e.tbl.Peers().Get(netip.MustParseAddr("10.0.0.1"))
	if p == nil {
		t.Fatalf("Peer not created")
	}

	if p.CutoffVersion() != 5 {
		t.Errorf("Expected cutoff version 5, got %d", p.CutoffVersion())
	}

	if p.UnschedPriority(500) != 7 {
		t.Errorf("Cutoffs not applied")
	}
}

func TestDispatch_MalformedDrop(t *testing.T) {
	e := newEnv(t)

	if err := e.dsp.Deliver([]byte{1, 2, 3}, from("10.0.0.1", 40000)); err == nil {
		t.Errorf("Expected drop error")
	}

	if err := e.dsp.Dispatch(data(40000, 7777, 42, 10, 0, make([]byte, 10)), from("10.0.0.1", 40000)); err == nil {
		t.Errorf("Expected unknown socket error")
	} else if err.Code() != homdsp.ErrorSocketUnknown.Uint16() {
		t.Errorf("Expected socket unknown code, got %d", err.Code())
	}
}
