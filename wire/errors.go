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

import liberr "github.com/nabbar/golib/errors"

const (
	ErrorParamEmpty liberr.CodeError = iota + liberr.MinAvailable
	ErrorPacketType
	ErrorPacketTruncated
	ErrorPacketHeader
	ErrorPacketEncode
	ErrorPayloadSize
	ErrorAckOverflow
	ErrorPacketChecksum
)

var isCodeError = false

func IsCodeError() bool {
	return isCodeError
}

func init() {
	isCodeError = liberr.ExistInMapMessage(ErrorParamEmpty)
	liberr.RegisterIdFctMessage(ErrorParamEmpty, getMessage)
}

func getMessage(code liberr.CodeError) (message string) {
	switch code {
	case ErrorParamEmpty:
		return "at least one given parameter is empty"
	case ErrorPacketType:
		return "packet type is not a known homa packet type"
	case ErrorPacketTruncated:
		return "packet is truncated"
	case ErrorPacketHeader:
		return "packet common header is malformed"
	case ErrorPacketEncode:
		return "unable to encode packet"
	case ErrorPayloadSize:
		return "segment payload exceeds maximum packet size"
	case ErrorAckOverflow:
		return "too many ack tuples for one packet"
	case ErrorPacketChecksum:
		return "packet checksum does not match its content"
	}

	return liberr.NullMessage
}
