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

package wire

import (
	"bytes"
	"io"

	liberr "github.com/nabbar/golib/errors"
)

// MaxPayload bounds the segment payload of one DATA packet. It equals the
// 9000-byte jumbo ethernet MTU, with no header bytes deducted.
const MaxPayload = 9000

// AckTuple names one RPC to acknowledge on behalf of a client.
type AckTuple struct {
	ServerPort uint16
	ClientID   uint64
}

// IsZero reports whether the tuple carries no acknowledgement.
func (a AckTuple) IsZero() bool {
	return a.ClientID == 0 && a.ServerPort == 0
}

// Seg is the payload slice of a DATA packet within its message.
type Seg struct {
	Offset  uint32
	Payload []byte
}

// Data carries one message segment. MessageLength repeats the total length
// of the message on every packet so the receiver can learn it from whichever
// packet arrives first. Incoming is the cumulative byte count the sender is
// authorized to transmit. Ack piggybacks one pending acknowledgement of the
// sender's peer, zero when none is pending.
type Data struct {
	Hdr           Header
	MessageLength uint32
	Incoming      uint32
	CutoffVersion uint16
	Retransmit    uint8
	Ack           AckTuple
	Seg           Seg
}

func (p *Data) Type() PacketType {
	return TypeData
}

func (p *Data) Common() *Header {
	return &p.Hdr
}

func (p *Data) Encode(w io.Writer) liberr.Error {
	if len(p.Seg.Payload) > MaxPayload {
		return ErrorPayloadSize.Error(nil)
	}

	p.Hdr.Type = TypeData

	if err := p.Hdr.encode(w); err != nil {
		return err
	}

	err := writeElements(w,
		p.MessageLength, p.Incoming, p.CutoffVersion, p.Retransmit,
		p.Ack.ServerPort, p.Ack.ClientID, p.Seg.Offset,
	)

	if err != nil {
		return err
	}

	if _, e := w.Write(p.Seg.Payload); e != nil {
		return ErrorPacketEncode.Error(e)
	}

	return nil
}

func (p *Data) decodeBody(r *bytes.Reader) liberr.Error {
	err := readElements(r,
		&p.MessageLength, &p.Incoming, &p.CutoffVersion, &p.Retransmit,
		&p.Ack.ServerPort, &p.Ack.ClientID, &p.Seg.Offset,
	)

	if err != nil {
		return err
	}

	if r.Len() > MaxPayload {
		return ErrorPayloadSize.Error(nil)
	}

	p.Seg.Payload = make([]byte, r.Len())

	if _, e := io.ReadFull(r, p.Seg.Payload); e != nil {
		return ErrorPacketTruncated.Error(e)
	}

	return nil
}
