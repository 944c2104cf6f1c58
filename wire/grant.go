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

// Grant authorizes the peer to transmit up to Offset cumulative bytes,
// sending them at the given priority level. ResendAll asks the peer to
// retransmit everything already sent, used after a receiver restart.
type Grant struct {
	Hdr       Header
	Offset    uint32
	Priority  uint8
	ResendAll uint8
}

func (p *Grant) Type() PacketType {
	return TypeGrant
}

func (p *Grant) Common() *Header {
	return &p.Hdr
}

func (p *Grant) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeGrant

	if err := p.Hdr.encode(w); err != nil {
		return err
	}

	return writeElements(w, p.Offset, p.Priority, p.ResendAll)
}

func (p *Grant) decodeBody(r *bytes.Reader) liberr.Error {
	return readElements(r, &p.Offset, &p.Priority, &p.ResendAll)
}

// Resend asks the peer to retransmit Length bytes of its outgoing message
// starting at Offset, at the given priority.
type Resend struct {
	Hdr      Header
	Offset   uint32
	Length   uint32
	Priority uint8
}

func (p *Resend) Type() PacketType {
	return TypeResend
}

func (p *Resend) Common() *Header {
	return &p.Hdr
}

func (p *Resend) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeResend

	if err := p.Hdr.encode(w); err != nil {
		return err
	}

	return writeElements(w, p.Offset, p.Length, p.Priority)
}

func (p *Resend) decodeBody(r *bytes.Reader) liberr.Error {
	return readElements(r, &p.Offset, &p.Length, &p.Priority)
}
