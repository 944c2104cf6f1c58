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

// Package dispatch demultiplexes inbound wire packets to their RPC by
// destination port, sender id and packet type. It never blocks: every
// handler runs a short critical section under the RPC lock and hands
// longer work to the scheduler or the user wait queues.
package dispatch

import (
	"net/netip"

	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	hommsg "github.com/nabbar/homa/message"
	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

// Dispatcher is the ingress side of the transport.
type Dispatcher interface {
	// Deliver decodes one raw datagram and dispatches it.
	Deliver(raw []byte, from netip.AddrPort) liberr.Error

	// Dispatch routes one decoded packet.
	Dispatch(pkt homwir.Packet, from netip.AddrPort) liberr.Error
}

// New returns a dispatcher over the given socket table.
func New(tbl *homrpc.Table, log liblog.FuncLog) (Dispatcher, liberr.Error) {
	if tbl == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	return &dispatcher{tbl: tbl, fl: log}, nil
}

type dispatcher struct {
	tbl *homrpc.Table
	fl  liblog.FuncLog
}

func (o *dispatcher) log() liblog.Logger {
	if o.fl != nil {
		if l := o.fl(); l != nil {
			return l
		}
	}

	return liblog.New(nil)
}

func (o *dispatcher) Deliver(raw []byte, from netip.AddrPort) liberr.Error {
	pkt, err := homwir.ReadPacket(raw)

	if err != nil {
		o.log().Debug("dropping malformed packet", map[string]interface{}{
			"from": from.String(),
			"size": len(raw),
		})

		return ErrorPacketDrop.Error(err)
	}

	return o.Dispatch(pkt, from)
}

func (o *dispatcher) Dispatch(pkt homwir.Packet, from netip.AddrPort) liberr.Error {
	if pkt == nil {
		return ErrorParamEmpty.Error(nil)
	}

	var (
		hdr = pkt.Common()
		sk  = o.tbl.ByPort(hdr.DstPort)
	)

	if sk == nil {
		return ErrorSocketUnknown.Error(nil)
	}

	switch p := pkt.(type) {
	case *homwir.Data:
		return o.handleData(sk, p, from)
	case *homwir.Grant:
		return o.handleGrant(sk, p, from)
	case *homwir.Resend:
		return o.handleResend(sk, p, from)
	case *homwir.Unknown:
		return o.handleUnknown(sk, p, from)
	case *homwir.Busy:
		found := o.withRpc(sk, from, p.Hdr.LocalID(), func(r *homrpc.Rpc) {
			r.SilentTicks = 0
		})

		if !found {
			o.sendUnknown(sk, &p.Hdr, from)
			return ErrorPacketDrop.Error(nil)
		}

		return nil
	case *homwir.Cutoffs:
		return o.handleCutoffs(p, from)
	case *homwir.Freeze:
		return nil
	case *homwir.NeedAck:
		return o.handleNeedAck(sk, p, from)
	case *homwir.Ack:
		return o.handleAck(sk, p, from)
	}

	return ErrorPacketDrop.Error(nil)
}

// withRpc runs fct under the lock of the RPC named by the local id,
// reporting whether the RPC was found.
func (o *dispatcher) withRpc(sk *homrpc.Socket, from netip.AddrPort, id uint64, fct func(r *homrpc.Rpc)) bool {
	r := sk.Find(from.Addr(), id)

	if r == nil {
		return false
	}

	r.Lock()
	fct(r)
	r.Unlock()
	r.Put()

	return true
}

func (o *dispatcher) handleData(sk *homrpc.Socket, p *homwir.Data, from netip.AddrPort) liberr.Error {
	if !p.Ack.IsZero() {
		o.applyAckTuple(from, p.Ack)
	}

	var (
		id      = p.Hdr.LocalID()
		r       = sk.Find(from.Addr(), id)
		created bool
	)

	if r == nil {
		if homwir.IsClientID(id) || !sk.IsServer() {
			// either a response for a finished client RPC or a request to
			// a client only port
			o.sendUnknown(sk, &p.Hdr, from)
			return ErrorPacketDrop.Error(nil)
		}

		var err liberr.Error

		r, created, err = sk.AllocServer(from, &p.Hdr)

		if err != nil {
			if err.IsCode(homrpc.ErrorRpcUnknown) {
				// the RPC died but its buffers are not reaped yet
				o.sendUnknown(sk, &p.Hdr, from)
			}

			return err
		}
	} else {
		r.Lock()
	}

	var (
		fresh    bool
		complete bool
		err      liberr.Error
	)

	if r.Msgin == nil {
		r.Msgin, err = hommsg.NewIncoming(sk.Pool(), int(p.MessageLength), o.initialGrant(int(p.MessageLength), int(p.Incoming)))

		if err != nil {
			r.Unlock()
			r.Put()

			if created {
				sk.End(r)
			}

			return err
		}

		if r.Role() == homrpc.RoleClient {
			// first response byte: the request side is over
			r.State = homrpc.StateIncoming
		}
	}

	fresh, err = r.Msgin.AddPacket(p.Seg, o.tbl.Tick())

	if err != nil && !err.IsCode(hommsg.ErrorNoBuffer) {
		r.Unlock()
		r.Put()

		return ErrorPacketDrop.Error(err)
	}

	if fresh {
		r.SilentTicks = 0
		r.Peer().ClearResends()
	}

	complete = r.Msgin.Complete()

	o.refreshCutoffs(r, p.CutoffVersion)

	r.Unlock()

	if fresh {
		if g := o.tbl.Granter(); g != nil {
			g.IncomingChanged(r)
		}
	}

	if complete {
		sk.CompleteIncoming(r)
	}

	r.Put()

	return nil
}

// initialGrant seeds the granted count of a fresh incoming message: the
// bytes the sender already advertised as authorized, at least the
// unscheduled prefix, clamped by the message length.
func (o *dispatcher) initialGrant(length, incoming int) int {
	g := o.tbl.Params().UnschedBytes

	if incoming > g {
		g = incoming
	}

	if g > length {
		g = length
	}

	return g
}

// refreshCutoffs advertises the local priority cutoffs when the sender's
// view of them is stale. Called under the RPC lock.
func (o *dispatcher) refreshCutoffs(r *homrpc.Rpc, seen uint16) {
	var prm = o.tbl.Params()

	if seen == prm.CutoffVersion {
		return
	}

	if r.Peer().SentCutoffVersion() == prm.CutoffVersion {
		return
	}

	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	pkt := &homwir.Cutoffs{
		Hdr: homwir.Header{
			SrcPort:  r.Socket().Port(),
			DstPort:  r.DstPort(),
			SenderID: r.SenderID(),
		},
		Cutoffs:       prm.Cutoffs,
		CutoffVersion: prm.CutoffVersion,
	}

	if err := snd.Send(r.Peer().Addr(), pkt); err == nil {
		r.Peer().MarkCutoffsSent(prm.CutoffVersion)
	}
}

func (o *dispatcher) handleGrant(sk *homrpc.Socket, p *homwir.Grant, from netip.AddrPort) liberr.Error {
	found := o.withRpc(sk, from, p.Hdr.LocalID(), func(r *homrpc.Rpc) {
		r.SilentTicks = 0
		r.Peer().ClearResends()

		if r.Msgout == nil {
			return
		}

		if p.ResendAll != 0 {
			r.XmitRange(0, r.Msgout.NextXmitOffset)
		}

		if r.Msgout.Grant(int(p.Offset)) {
			r.Xmit(false)
		}
	})

	if !found {
		o.sendUnknown(sk, &p.Hdr, from)
		return ErrorPacketDrop.Error(nil)
	}

	return nil
}

func (o *dispatcher) handleResend(sk *homrpc.Socket, p *homwir.Resend, from netip.AddrPort) liberr.Error {
	found := o.withRpc(sk, from, p.Hdr.LocalID(), func(r *homrpc.Rpc) {
		r.SilentTicks = 0

		if r.Msgout == nil || r.Msgout.NextXmitOffset == 0 {
			// nothing released yet: show life so the peer stops asking
			o.sendBusy(r)
			return
		}

		length := int(p.Length)

		if p.Length == ^uint32(0) || int(p.Offset)+length > r.Msgout.Length {
			length = r.Msgout.Length - int(p.Offset)
		}

		if r.XmitRange(int(p.Offset), length) == 0 {
			o.sendBusy(r)
		}
	})

	if !found {
		o.sendUnknown(sk, &p.Hdr, from)
		return ErrorPacketDrop.Error(nil)
	}

	return nil
}

func (o *dispatcher) handleUnknown(sk *homrpc.Socket, p *homwir.Unknown, from netip.AddrPort) liberr.Error {
	r := sk.Find(from.Addr(), p.Hdr.LocalID())

	if r == nil {
		return nil
	}

	if r.Role() == homrpc.RoleClient {
		// the server lost our RPC: fatal for the request
		sk.Abort(r, homrpc.ErrorPeerUnknown.Error(nil))
	} else {
		// the client forgot us: our response went through or will never
		// be wanted, either way an implicit acknowledgement
		sk.End(r)
	}

	r.Put()

	return nil
}

func (o *dispatcher) handleCutoffs(p *homwir.Cutoffs, from netip.AddrPort) liberr.Error {
	peer, err := o.tbl.Peers().LookupOrCreate(from.Addr())

	if err != nil {
		return err
	}

	peer.SetCutoffs(p.CutoffVersion, p.Cutoffs)
	o.tbl.Peers().Release(peer)

	return nil
}

func (o *dispatcher) handleNeedAck(sk *homrpc.Socket, p *homwir.NeedAck, from netip.AddrPort) liberr.Error {
	var (
		id       = p.Hdr.LocalID()
		r        = sk.Find(from.Addr(), id)
		complete bool
	)

	if r != nil {
		r.Lock()
		complete = r.Msgin != nil && r.Msgin.Complete()
		r.Unlock()
		r.Put()

		if !complete {
			// the response is still in flight, the server must keep its
			// state and retransmit
			return nil
		}
	}

	// the RPC is done or already reaped: confirm it, draining whatever
	// else waits for this peer
	snd := o.tbl.Sender()

	if snd == nil {
		return nil
	}

	var acks []homwir.AckTuple

	if pr := o.tbl.Peers().Get(from.Addr()); pr != nil {
		acks = pr.TakeAcks(homwir.MaxAckPerPacket - 1)
	}

	acks = append(acks, homwir.AckTuple{ServerPort: p.Hdr.SrcPort, ClientID: id})

	pkt := &homwir.Ack{
		Hdr: homwir.Header{
			SrcPort:  sk.Port(),
			DstPort:  p.Hdr.SrcPort,
			SenderID: id,
		},
		Acks: acks,
	}

	return snd.Send(from.Addr(), pkt)
}

func (o *dispatcher) handleAck(sk *homrpc.Socket, p *homwir.Ack, from netip.AddrPort) liberr.Error {
	for _, t := range p.Acks {
		o.applyAckTuple(from, t)
	}

	// the header itself names the server RPC being acknowledged
	if r := sk.Find(from.Addr(), p.Hdr.LocalID()); r != nil {
		if r.Role() == homrpc.RoleServer {
			sk.End(r)
		}

		r.Put()
	}

	return nil
}

// applyAckTuple ends the server RPC named by one acknowledgement tuple.
func (o *dispatcher) applyAckTuple(from netip.AddrPort, t homwir.AckTuple) {
	if t.IsZero() {
		return
	}

	sk := o.tbl.ByPort(t.ServerPort)

	if sk == nil {
		return
	}

	if r := sk.Find(from.Addr(), homwir.LocalID(t.ClientID)); r != nil {
		if r.Role() == homrpc.RoleServer {
			sk.End(r)
		}

		r.Put()
	}
}

func (o *dispatcher) sendUnknown(sk *homrpc.Socket, hdr *homwir.Header, from netip.AddrPort) {
	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	pkt := &homwir.Unknown{
		Hdr: homwir.Header{
			SrcPort:  sk.Port(),
			DstPort:  hdr.SrcPort,
			SenderID: hdr.LocalID(),
		},
	}

	_ = snd.Send(from.Addr(), pkt)
}

// sendBusy answers a RESEND that reached a live RPC with nothing to
// retransmit. Called under the RPC lock.
func (o *dispatcher) sendBusy(r *homrpc.Rpc) {
	snd := o.tbl.Sender()

	if snd == nil {
		return
	}

	pkt := &homwir.Busy{
		Hdr: homwir.Header{
			SrcPort:  r.Socket().Port(),
			DstPort:  r.DstPort(),
			SenderID: r.SenderID(),
		},
	}

	_ = snd.Send(r.Peer().Addr(), pkt)
}
