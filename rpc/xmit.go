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
	hommsg "github.com/nabbar/homa/message"
	homwir "github.com/nabbar/homa/wire"
)

// Xmit releases segments of the outgoing message from the transmit
// boundary up to the granted window. When the egress queue is above the
// throttle threshold the RPC parks on the pacer instead; force bypasses
// pacing. The caller holds the RPC lock.
func (o *Rpc) Xmit(force bool) {
	var (
		snd = o.sk.tbl.Sender()
		prm = o.sk.tbl.prm
	)

	if snd == nil || o.Msgout == nil || o.State == StateDead {
		return
	}

	for {
		if !force && !prm.DontThrottle && snd.QueuedBytes() >= prm.ThrottleMinBytes {
			if t := o.sk.tbl.Throttler(); t != nil {
				t.Enqueue(o)
				return
			}
		}

		p := o.Msgout.NextReady()

		if p == nil {
			return
		}

		if err := snd.Send(o.peer.Addr(), o.dataPacket(p, 0)); err != nil {
			o.sk.tbl.log().Error("unable to transmit segment", map[string]interface{}{
				"id":     o.id,
				"offset": p.Offset,
			})
		}
	}
}

// XmitRange retransmits the already released segments intersecting the
// given range, marked so the receiver can tell them from first
// transmissions. The caller holds the RPC lock.
func (o *Rpc) XmitRange(offset, length int) int {
	var snd = o.sk.tbl.Sender()

	if snd == nil || o.Msgout == nil {
		return 0
	}

	var (
		n    int
		pkts = o.Msgout.Range(offset, length)
	)

	for i := range pkts {
		if err := snd.Send(o.peer.Addr(), o.dataPacket(&pkts[i], 1)); err == nil {
			n++
		}
	}

	return n
}

// dataPacket builds the wire DATA packet for one segment, piggybacking one
// pending peer acknowledgement when available.
func (o *Rpc) dataPacket(p *hommsg.Packet, retransmit uint8) *homwir.Data {
	return &homwir.Data{
		Hdr: homwir.Header{
			SrcPort:  o.sk.port,
			DstPort:  o.dport,
			SenderID: o.SenderID(),
		},
		MessageLength: uint32(o.Msgout.Length),
		Incoming:      uint32(o.Msgout.Eligible()),
		CutoffVersion: o.peer.CutoffVersion(),
		Retransmit:    retransmit,
		Ack:           o.peer.TakeAck(),
		Seg: homwir.Seg{
			Offset:  uint32(p.Offset),
			Payload: p.Payload,
		},
	}
}
