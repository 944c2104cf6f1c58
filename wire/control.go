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

// Unknown answers a packet naming an RPC that does not exist on this host.
type Unknown struct {
	Hdr Header
}

func (p *Unknown) Type() PacketType {
	return TypeUnknown
}

func (p *Unknown) Common() *Header {
	return &p.Hdr
}

func (p *Unknown) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeUnknown
	return p.Hdr.encode(w)
}

func (p *Unknown) decodeBody(r *bytes.Reader) liberr.Error {
	return nil
}

// Busy tells the peer its RESEND reached a live RPC that has nothing
// retransmittable yet, so its timeout clock should restart.
type Busy struct {
	Hdr Header
}

func (p *Busy) Type() PacketType {
	return TypeBusy
}

func (p *Busy) Common() *Header {
	return &p.Hdr
}

func (p *Busy) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeBusy
	return p.Hdr.encode(w)
}

func (p *Busy) decodeBody(r *bytes.Reader) liberr.Error {
	return nil
}

// Freeze is a debugging hook carried on the wire; the transport ignores it.
type Freeze struct {
	Hdr Header
}

func (p *Freeze) Type() PacketType {
	return TypeFreeze
}

func (p *Freeze) Common() *Header {
	return &p.Hdr
}

func (p *Freeze) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeFreeze
	return p.Hdr.encode(w)
}

func (p *Freeze) decodeBody(r *bytes.Reader) liberr.Error {
	return nil
}

// NeedAck asks the peer to confirm it has received the full response, so
// the server side can release the RPC state it retains for retransmission.
type NeedAck struct {
	Hdr Header
}

func (p *NeedAck) Type() PacketType {
	return TypeNeedAck
}

func (p *NeedAck) Common() *Header {
	return &p.Hdr
}

func (p *NeedAck) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeNeedAck
	return p.Hdr.encode(w)
}

func (p *NeedAck) decodeBody(r *bytes.Reader) liberr.Error {
	return nil
}
