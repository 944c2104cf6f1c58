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

package peer

import (
	"net/netip"
	"sync"

	liberr "github.com/nabbar/golib/errors"
)

const numShards = 32

// Table is the peer table of one transport instance, sharded by address.
// Entries are reference counted; a zero count entry stays resolvable until
// the timer scavenges it.
type Table interface {
	// LookupOrCreate resolves the peer for the given address, creating it
	// on first contact, and takes one reference on it.
	LookupOrCreate(addr netip.Addr) (*Peer, liberr.Error)

	// Get resolves the peer without taking a reference, nil when unknown.
	Get(addr netip.Addr) *Peer

	// Release drops one reference taken by LookupOrCreate.
	Release(p *Peer)

	// ScavengeDead removes every peer whose reference count reached zero
	// and returns how many were removed.
	ScavengeDead() int

	// Len returns the number of resolvable peers, dead included.
	Len() int
}

// NewTable returns an empty peer table.
func NewTable() Table {
	t := &table{}

	for i := range t.s {
		t.s[i].m = make(map[netip.Addr]*Peer)
	}

	return t
}

type shard struct {
	sync.Mutex
	m map[netip.Addr]*Peer
}

type table struct {
	s [numShards]shard
}

func (o *table) shard(addr netip.Addr) *shard {
	var h uintptr

	for _, b := range addr.As16() {
		h = h*31 + uintptr(b)
	}

	return &o.s[h%numShards]
}

func (o *table) LookupOrCreate(addr netip.Addr) (*Peer, liberr.Error) {
	if !addr.IsValid() {
		return nil, ErrorAddrInvalid.Error(nil)
	}

	s := o.shard(addr)

	s.Lock()
	defer s.Unlock()

	p, ok := s.m[addr]

	if !ok {
		p = &Peer{addr: addr}
		s.m[addr] = p
	}

	p.hold()

	return p, nil
}

func (o *table) Get(addr netip.Addr) *Peer {
	s := o.shard(addr)

	s.Lock()
	defer s.Unlock()

	return s.m[addr]
}

func (o *table) Release(p *Peer) {
	if p == nil {
		return
	}

	p.put()
}

func (o *table) ScavengeDead() int {
	var n int

	for i := range o.s {
		s := &o.s[i]

		s.Lock()

		for addr, p := range s.m {
			if p.Refs() == 0 {
				delete(s.m, addr)
				n++
			}
		}

		s.Unlock()
	}

	return n
}

func (o *table) Len() int {
	var n int

	for i := range o.s {
		s := &o.s[i]

		s.Lock()
		n += len(s.m)
		s.Unlock()
	}

	return n
}
