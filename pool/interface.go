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

// Package pool manages the user registered receive region of a socket.
//
// The region is carved into fixed size bpages. Incoming messages borrow
// bpages to land their payload directly into user visible memory, and the
// user returns them through the receive API once consumed. A bpage belongs
// to at most one incomplete message at any time.
package pool

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	liberr "github.com/nabbar/golib/errors"
	libsiz "github.com/nabbar/golib/size"
)

// BpageSize is the allocation unit of the receive region.
const BpageSize = 64 * libsiz.SizeKilo

// Pool is the bpage allocator over one user registered region.
type Pool interface {
	// SetRegion registers the user receive region. The length must be a
	// positive multiple of BpageSize. Re-registering while bpages are out
	// fails with ErrorRegionBusy.
	SetRegion(region []byte) liberr.Error

	// Alloc takes one free bpage out of the pool.
	Alloc() (uint32, liberr.Error)

	// Free returns one bpage to the pool.
	Free(idx uint32) liberr.Error

	// Write copies p into the given bpage starting at off.
	Write(idx uint32, off int, p []byte) liberr.Error

	// Bytes returns the user visible memory of the given bpage.
	Bytes(idx uint32) []byte

	// InUse returns how many bpages are currently allocated.
	InUse() int

	// Cap returns how many bpages the region holds, zero before SetRegion.
	Cap() int
}

// New returns an empty pool; SetRegion must be called before any allocation.
func New() Pool {
	return &pool{}
}

type pool struct {
	m sync.Mutex
	r []byte
	f *bitset.BitSet
	n uint
	u int
}

func (o *pool) SetRegion(region []byte) liberr.Error {
	if len(region) == 0 {
		return ErrorParamEmpty.Error(nil)
	}

	var siz = int(BpageSize.Int64())

	if len(region)%siz != 0 {
		return ErrorRegionSize.Error(nil)
	}

	o.m.Lock()
	defer o.m.Unlock()

	if o.u > 0 {
		return ErrorRegionBusy.Error(nil)
	}

	o.r = region
	o.n = uint(len(region) / siz)
	o.f = bitset.New(o.n)

	for i := uint(0); i < o.n; i++ {
		o.f.Set(i)
	}

	return nil
}

func (o *pool) Alloc() (uint32, liberr.Error) {
	o.m.Lock()
	defer o.m.Unlock()

	if o.f == nil {
		return 0, ErrorRegionMissing.Error(nil)
	}

	idx, ok := o.f.NextSet(0)

	if !ok {
		return 0, ErrorPoolExhausted.Error(nil)
	}

	o.f.Clear(idx)
	o.u++

	return uint32(idx), nil
}

func (o *pool) Free(idx uint32) liberr.Error {
	o.m.Lock()
	defer o.m.Unlock()

	if o.f == nil {
		return ErrorRegionMissing.Error(nil)
	} else if uint(idx) >= o.n {
		return ErrorBpageIndex.Error(nil)
	} else if o.f.Test(uint(idx)) {
		return ErrorBpageState.Error(nil)
	}

	o.f.Set(uint(idx))
	o.u--

	return nil
}

func (o *pool) Write(idx uint32, off int, p []byte) liberr.Error {
	o.m.Lock()
	defer o.m.Unlock()

	var siz = int(BpageSize.Int64())

	if o.f == nil {
		return ErrorRegionMissing.Error(nil)
	} else if uint(idx) >= o.n {
		return ErrorBpageIndex.Error(nil)
	} else if o.f.Test(uint(idx)) {
		return ErrorBpageState.Error(nil)
	} else if off < 0 || off+len(p) > siz {
		return ErrorBpageIndex.Error(nil)
	}

	copy(o.r[int(idx)*siz+off:], p)

	return nil
}

func (o *pool) Bytes(idx uint32) []byte {
	o.m.Lock()
	defer o.m.Unlock()

	var siz = int(BpageSize.Int64())

	if o.f == nil || uint(idx) >= o.n {
		return nil
	}

	return o.r[int(idx)*siz : (int(idx)+1)*siz]
}

func (o *pool) InUse() int {
	o.m.Lock()
	defer o.m.Unlock()

	return o.u
}

func (o *pool) Cap() int {
	o.m.Lock()
	defer o.m.Unlock()

	return int(o.n)
}
