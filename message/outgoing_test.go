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

package message_test

import (
	"bytes"
	"testing"

	hommsg "github.com/nabbar/homa/message"
)

func TestOutgoing_Fragmentation(t *testing.T) {
	msg := pattern(5000)

	out, err := hommsg.NewOutgoing([][]byte{msg[:2000], msg[2000:]}, 1400, 10000)
	if err != nil {
		t.Fatalf("NewOutgoing failed: %v", err)
	}

	if out.Length != 5000 {
		t.Fatalf("Expected length 5000, got %d", out.Length)
	}

	if out.PacketCount() != 4 {
		t.Fatalf("Expected 4 segments, got %d", out.PacketCount())
	}

	var (
		got []byte
		off int
	)

	for {
		p := out.NextReady()
		if p == nil {
			break
		}

		if p.Offset != off {
			t.Errorf("Expected offset %d, got %d", off, p.Offset)
		}

		if p.SegLength != len(p.Payload) {
			t.Errorf("SegLength %d != payload %d", p.SegLength, len(p.Payload))
		}

		got = append(got, p.Payload...)
		off += p.SegLength
	}

	if !bytes.Equal(got, msg) {
		t.Fatalf("Fragmented bytes differ from source")
	}

	if !out.Transmitted() {
		t.Errorf("Expected fully transmitted message")
	}

	if out.NextXmitOffset != 5000 {
		t.Errorf("Expected next xmit offset 5000, got %d", out.NextXmitOffset)
	}
}

func TestOutgoing_GrantWindow(t *testing.T) {
	msg := pattern(10000)

	out, err := hommsg.NewOutgoing([][]byte{msg}, 1000, 2500)
	if err != nil {
		t.Fatalf("NewOutgoing failed: %v", err)
	}

	// unscheduled prefix: segments starting below 2500
	var n int

	for out.NextReady() != nil {
		n++
	}

	if n != 3 {
		t.Fatalf("Expected 3 unscheduled segments, got %d", n)
	}

	if out.NextXmitOffset != 3000 {
		t.Fatalf("Expected next xmit offset 3000, got %d", out.NextXmitOffset)
	}

	// grants below the already eligible bound change nothing
	if out.Grant(2000) {
		t.Errorf("Grant below current window reported progress")
	}

	if out.NextReady() != nil {
		t.Errorf("Expected no segment without new grant")
	}

	if !out.Grant(6000) {
		t.Fatalf("Expected grant to move the window")
	}

	n = 0
	for out.NextReady() != nil {
		n++
	}

	if n != 3 {
		t.Errorf("Expected 3 more segments, got %d", n)
	}

	if out.Transmitted() {
		t.Errorf("Message cannot be fully transmitted yet")
	}

	if out.Grant(50000); out.Granted != 10000 {
		t.Errorf("Grant exceeded length: %d", out.Granted)
	}

	for out.NextReady() != nil {
	}

	if !out.Transmitted() {
		t.Errorf("Expected fully transmitted message")
	}
}

func TestOutgoing_PendingBytes(t *testing.T) {
	out, err := hommsg.NewOutgoing([][]byte{pattern(4000)}, 1000, 1000)
	if err != nil {
		t.Fatalf("NewOutgoing failed: %v", err)
	}

	if out.PendingBytes() != 1000 {
		t.Errorf("Expected 1000 pending, got %d", out.PendingBytes())
	}

	_ = out.NextReady()

	if out.PendingBytes() != 0 {
		t.Errorf("Expected 0 pending, got %d", out.PendingBytes())
	}

	out.Grant(4000)

	if out.PendingBytes() != 3000 {
		t.Errorf("Expected 3000 pending, got %d", out.PendingBytes())
	}
}

func TestOutgoing_Range(t *testing.T) {
	out, err := hommsg.NewOutgoing([][]byte{pattern(5000)}, 1400, 10000)
	if err != nil {
		t.Fatalf("NewOutgoing failed: %v", err)
	}

	// nothing released yet, nothing to retransmit
	if got := out.Range(0, 5000); len(got) != 0 {
		t.Fatalf("Expected empty range before transmit, got %d", len(got))
	}

	for out.NextReady() != nil {
	}

	got := out.Range(1400, 1400)
	if len(got) != 1 || got[0].Offset != 1400 {
		t.Fatalf("Expected the [1400,2800) segment, got %+v", got)
	}

	got = out.Range(2000, 1000)
	if len(got) != 2 {
		t.Fatalf("Expected 2 overlapping segments, got %d", len(got))
	}

	if got := out.Range(0, 0); got != nil {
		t.Errorf("Expected nil for empty range")
	}
}

func TestOutgoing_BadParams(t *testing.T) {
	if _, err := hommsg.NewOutgoing([][]byte{pattern(10)}, 0, 100); err == nil {
		t.Errorf("Expected error for zero segment size")
	}

	if _, err := hommsg.NewOutgoing(nil, 1400, 100); err == nil {
		t.Errorf("Expected error for empty message")
	}
}
