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
	"encoding/binary"
	"io"

	liberr "github.com/nabbar/golib/errors"
)

// HeaderLen is the size in bytes of the common header.
const HeaderLen = 16

// Header is the common prefix of every homa packet.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	DataOff  uint8 // header length in 4-byte units
	Type     PacketType
	Checksum uint16
	SenderID uint64
}

func (h *Header) encode(w io.Writer) liberr.Error {
	if h.DataOff == 0 {
		h.DataOff = HeaderLen / 4
	}

	return writeElements(w, h.SrcPort, h.DstPort, h.DataOff, uint8(h.Type), h.Checksum, h.SenderID)
}

func (h *Header) decode(r io.Reader) liberr.Error {
	var typ uint8

	if err := readElements(r, &h.SrcPort, &h.DstPort, &h.DataOff, &typ, &h.Checksum, &h.SenderID); err != nil {
		return ErrorPacketHeader.Error(err)
	}

	h.Type = PacketType(typ)

	if !h.Type.IsValid() {
		return ErrorPacketType.Error(nil)
	} else if int(h.DataOff)*4 < HeaderLen {
		return ErrorPacketHeader.Error(nil)
	}

	return nil
}

// LocalID returns the receiver side RPC id named by the header.
func (h *Header) LocalID() uint64 {
	return LocalID(h.SenderID)
}

func writeElements(w io.Writer, elems ...interface{}) liberr.Error {
	for _, e := range elems {
		if err := binary.Write(w, binary.BigEndian, e); err != nil {
			return ErrorPacketEncode.Error(err)
		}
	}

	return nil
}

func readElements(r io.Reader, elems ...interface{}) liberr.Error {
	for _, e := range elems {
		if err := binary.Read(r, binary.BigEndian, e); err != nil {
			return ErrorPacketTruncated.Error(err)
		}
	}

	return nil
}
