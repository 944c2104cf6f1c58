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

// Package wire defines the homa packet model and its binary codec.
//
// Every packet starts with the 16 byte common Header followed by a
// type-specific body. All multi-byte fields are network byte order.
// The sender places its own RPC id in the header; the two sides of an
// RPC differ only in the low bit, so the receiver obtains its local id
// by flipping it.
package wire

type PacketType uint8

const (
	// TypeData carries a segment of message payload.
	TypeData PacketType = iota + 0x10
	// TypeGrant authorizes the peer to send up to a cumulative offset.
	TypeGrant
	// TypeResend asks the peer to retransmit a byte range.
	TypeResend
	// TypeUnknown tells the peer the named RPC does not exist here.
	TypeUnknown
	// TypeBusy tells the peer the RPC is alive but nothing is ready to send.
	TypeBusy
	// TypeCutoffs carries the 8 priority cutoffs of the sender.
	TypeCutoffs
	// TypeFreeze is a debug hook; it carries no semantics for the transport.
	TypeFreeze
	// TypeNeedAck asks the peer to acknowledge a completed RPC.
	TypeNeedAck
	// TypeAck carries explicit RPC acknowledgements.
	TypeAck
)

func (t PacketType) IsValid() bool {
	return t >= TypeData && t <= TypeAck
}

func (t PacketType) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeGrant:
		return "GRANT"
	case TypeResend:
		return "RESEND"
	case TypeUnknown:
		return "RPC_UNKNOWN"
	case TypeBusy:
		return "BUSY"
	case TypeCutoffs:
		return "CUTOFFS"
	case TypeFreeze:
		return "FREEZE"
	case TypeNeedAck:
		return "NEED_ACK"
	case TypeAck:
		return "ACK"
	}

	return "unknown packet type"
}

// LocalID translates the header sender id into the receiver local id.
func LocalID(senderID uint64) uint64 {
	return senderID ^ 1
}

// IsClientID reports whether the given local id names a client side RPC.
// Client initiated ids are even.
func IsClientID(id uint64) bool {
	return id&1 == 0
}

// NumPriorities is the number of wire priority levels.
const NumPriorities = 8
