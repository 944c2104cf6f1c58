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

// MaxAckPerPacket bounds the tuples one ACK packet may carry.
const MaxAckPerPacket = 8

// Ack carries explicit acknowledgements for completed RPCs, so the server
// peers can release their retained response state.
type Ack struct {
	Hdr  Header
	Acks []AckTuple
}

func (p *Ack) Type() PacketType {
	return TypeAck
}

func (p *Ack) Common() *Header {
	return &p.Hdr
}

func (p *Ack) Encode(w io.Writer) liberr.Error {
	if len(p.Acks) > MaxAckPerPacket {
		return ErrorAckOverflow.Error(nil)
	}

	p.Hdr.Type = TypeAck

	if err := p.Hdr.encode(w); err != nil {
		return err
	}

	if err := writeElements(w, uint16(len(p.Acks))); err != nil {
		return err
	}

	for i := range p.Acks {
		if err := writeElements(w, p.Acks[i].ServerPort, p.Acks[i].ClientID); err != nil {
			return err
		}
	}

	return nil
}

func (p *Ack) decodeBody(r *bytes.Reader) liberr.Error {
	var cnt uint16

	if err := readElements(r, &cnt); err != nil {
		return err
	}

	if int(cnt) > MaxAckPerPacket {
		return ErrorAckOverflow.Error(nil)
	}

	p.Acks = make([]AckTuple, cnt)

	for i := range p.Acks {
		if err := readElements(r, &p.Acks[i].ServerPort, &p.Acks[i].ClientID); err != nil {
			return err
		}
	}

	return nil
}

// Cutoffs advertises the sender's unscheduled priority cutoffs. A receiver
// stores them per peer and selects the priority of its unscheduled bytes by
// message length against this table.
type Cutoffs struct {
	Hdr           Header
	Cutoffs       [NumPriorities]uint32
	CutoffVersion uint16
}

func (p *Cutoffs) Type() PacketType {
	return TypeCutoffs
}

func (p *Cutoffs) Common() *Header {
	return &p.Hdr
}

func (p *Cutoffs) Encode(w io.Writer) liberr.Error {
	p.Hdr.Type = TypeCutoffs

	if err := p.Hdr.encode(w); err != nil {
		return err
	}

	for i := range p.Cutoffs {
		if err := writeElements(w, p.Cutoffs[i]); err != nil {
			return err
		}
	}

	return writeElements(w, p.CutoffVersion)
}

func (p *Cutoffs) decodeBody(r *bytes.Reader) liberr.Error {
	for i := range p.Cutoffs {
		if err := readElements(r, &p.Cutoffs[i]); err != nil {
			return err
		}
	}

	return readElements(r, &p.CutoffVersion)
}
