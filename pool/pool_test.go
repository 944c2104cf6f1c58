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

package pool_test

import (
	"bytes"
	"sync"
	"testing"

	hompol "github.com/nabbar/homa/pool"
)

func region(n int) []byte {
	return make([]byte, n*int(hompol.BpageSize.Int64()))
}

func TestPool_SetRegion(t *testing.T) {
	tests := []struct {
		nam string
		reg []byte
		cod uint16
	}{
		{
			nam: "empty region",
			reg: nil,
			cod: hompol.ErrorParamEmpty.Uint16(),
		},
		{
			nam: "not a bpage multiple",
			reg: make([]byte, int(hompol.BpageSize.Int64())+1),
			cod: hompol.ErrorRegionSize.Uint16(),
		},
		{
			nam: "short region",
			reg: make([]byte, 4096),
			cod: hompol.ErrorRegionSize.Uint16(),
		},
		{
			nam: "valid region",
			reg: region(4),
			cod: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.nam, func(t *testing.T) {
			p := hompol.New()
			err := p.SetRegion(tc.reg)

			if tc.cod == 0 {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				if p.Cap() != 4 {
					t.Errorf("Expected capacity 4, got %d", p.Cap())
				}
			} else {
				if err == nil {
					t.Fatalf("Expected error, got nil")
				}
				if err.Code() != tc.cod {
					t.Errorf("Expected code %d, got %d", tc.cod, err.Code())
				}
			}
		})
	}
}

func TestPool_AllocFree(t *testing.T) {
	p := hompol.New()

	if _, err := p.Alloc(); err == nil {
		t.Fatalf("Expected alloc failure before SetRegion")
	}

	if err := p.SetRegion(region(2)); err != nil {
		t.Fatalf("SetRegion failed: %v", err)
	}

	a, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if a == b {
		t.Errorf("Expected distinct bpages, got %d twice", a)
	}

	if p.InUse() != 2 {
		t.Errorf("Expected 2 bpages in use, got %d", p.InUse())
	}

	if _, err = p.Alloc(); err == nil {
		t.Fatalf("Expected exhaustion, got nil")
	} else if err.Code() != hompol.ErrorPoolExhausted.Uint16() {
		t.Errorf("Expected exhausted code, got %d", err.Code())
	}

	if err = p.Free(a); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err = p.Free(a); err == nil {
		t.Fatalf("Expected double free error, got nil")
	} else if err.Code() != hompol.ErrorBpageState.Uint16() {
		t.Errorf("Expected bpage state code, got %d", err.Code())
	}

	if err = p.Free(99); err == nil {
		t.Fatalf("Expected index error, got nil")
	}

	if err = p.Free(b); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if p.InUse() != 0 {
		t.Errorf("Expected 0 bpages in use, got %d", p.InUse())
	}
}

func TestPool_WriteBytes(t *testing.T) {
	p := hompol.New()

	if err := p.SetRegion(region(1)); err != nil {
		t.Fatalf("SetRegion failed: %v", err)
	}

	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	msg := []byte("direct to user memory")

	if err = p.Write(idx, 128, msg); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := p.Bytes(idx)[128 : 128+len(msg)]
	if !bytes.Equal(got, msg) {
		t.Errorf("Expected %q, got %q", msg, got)
	}

	if err = p.Write(idx, int(hompol.BpageSize.Int64())-1, []byte{1, 2}); err == nil {
		t.Errorf("Expected out of bpage write to fail")
	}

	if err = p.Free(idx); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err = p.Write(idx, 0, msg); err == nil {
		t.Errorf("Expected write to free bpage to fail")
	}
}

func TestPool_RegionBusy(t *testing.T) {
	p := hompol.New()

	if err := p.SetRegion(region(1)); err != nil {
		t.Fatalf("SetRegion failed: %v", err)
	}

	idx, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if err = p.SetRegion(region(2)); err == nil {
		t.Fatalf("Expected busy error, got nil")
	} else if err.Code() != hompol.ErrorRegionBusy.Uint16() {
		t.Errorf("Expected busy code, got %d", err.Code())
	}

	if err = p.Free(idx); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err = p.SetRegion(region(2)); err != nil {
		t.Fatalf("Expected re-registration to succeed, got %v", err)
	}
}

func TestPool_ConcurrentOwnership(t *testing.T) {
	p := hompol.New()

	if err := p.SetRegion(region(8)); err != nil {
		t.Fatalf("SetRegion failed: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		at = make(map[uint32]int)
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				idx, err := p.Alloc()
				if err != nil {
					continue
				}

				mu.Lock()
				at[idx]++
				if at[idx] != 1 {
					t.Errorf("bpage %d owned twice", idx)
				}
				mu.Unlock()

				mu.Lock()
				at[idx]--
				mu.Unlock()

				if err = p.Free(idx); err != nil {
					t.Errorf("Free failed: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	if p.InUse() != 0 {
		t.Errorf("Expected 0 in use after teardown, got %d", p.InUse())
	}
}
