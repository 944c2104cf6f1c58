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

// Packet is one homa wire packet, common header included.
type Packet interface {
	// Type returns the packet type encoded in the common header.
	Type() PacketType

	// Common returns the common header of the packet.
	Common() *Header

	// Encode writes the full packet, header first, to the given writer.
	Encode(w io.Writer) liberr.Error

	decodeBody(r *bytes.Reader) liberr.Error
}

// ReadPacket decodes one full packet from the given buffer, rejecting it
// when a non zero stored checksum does not match.
func ReadPacket(b []byte) (Packet, liberr.Error) {
	if len(b) < HeaderLen {
		return nil, ErrorPacketTruncated.Error(nil)
	}

	if !VerifyChecksum(b) {
		return nil, ErrorPacketChecksum.Error(nil)
	}

	var (
		h Header
		r = bytes.NewReader(b)
	)

	if err := h.decode(r); err != nil {
		return nil, err
	}

	// skip header options beyond the fixed part
	if ext := int(h.DataOff)*4 - HeaderLen; ext > 0 {
		if _, err := r.Seek(int64(ext), io.SeekCurrent); err != nil {
			return nil, ErrorPacketTruncated.Error(err)
		}
	}

	var p Packet

	switch h.Type {
	case TypeData:
		p = &Data{Hdr: h}
	case TypeGrant:
		p = &Grant{Hdr: h}
	case TypeResend:
		p = &Resend{Hdr: h}
	case TypeUnknown:
		p = &Unknown{Hdr: h}
	case TypeBusy:
		p = &Busy{Hdr: h}
	case TypeCutoffs:
		p = &Cutoffs{Hdr: h}
	case TypeFreeze:
		p = &Freeze{Hdr: h}
	case TypeNeedAck:
		p = &NeedAck{Hdr: h}
	case TypeAck:
		p = &Ack{Hdr: h}
	default:
		return nil, ErrorPacketType.Error(nil)
	}

	if err := p.decodeBody(r); err != nil {
		return nil, err
	}

	return p, nil
}

// Marshal encodes the given packet into a fresh buffer and seals its
// checksum.
func Marshal(p Packet) ([]byte, liberr.Error) {
	if p == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	var buf bytes.Buffer

	if err := p.Encode(&buf); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	SealChecksum(out)

	return out, nil
}
