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

// checksumOffset locates the checksum field inside the common header:
// source port (2), destination port (2), data offset (1), type (1).
const checksumOffset = 6

// Checksum computes the ones complement sum of the buffer, the checksum
// field itself counted as zero. A zero result is folded to 0xFFFF so a
// stored checksum of zero always means "not checksummed".
func Checksum(b []byte) uint16 {
	var sum uint32

	for i := 0; i+1 < len(b); i += 2 {
		if i == checksumOffset {
			continue
		}

		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}

	if len(b)%2 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}

	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}

	res := ^uint16(sum)

	if res == 0 {
		return 0xFFFF
	}

	return res
}

// SealChecksum stamps the checksum of a marshalled packet in place.
func SealChecksum(b []byte) {
	if len(b) < HeaderLen {
		return
	}

	c := Checksum(b)

	b[checksumOffset] = byte(c >> 8)
	b[checksumOffset+1] = byte(c)
}

// VerifyChecksum reports whether the stored checksum matches the buffer.
// An all zero field means the sender did not checksum the packet and
// always verifies.
func VerifyChecksum(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}

	stored := uint16(b[checksumOffset])<<8 | uint16(b[checksumOffset+1])

	if stored == 0 {
		return true
	}

	return stored == Checksum(b)
}
