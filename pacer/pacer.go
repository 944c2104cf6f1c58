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

// Package pacer serializes outbound transmission when the egress queue
// builds past a threshold, releasing throttled RPCs shortest remaining
// first, FIFO among equals. It runs cooperatively from the transmit path
// and from the timer tick.
package pacer

import (
	"sync"

	liberr "github.com/nabbar/golib/errors"

	homrpc "github.com/nabbar/homa/rpc"
)

// Config carries the pacer knobs.
type Config struct {
	// ThrottleMinBytes is the egress queue depth above which released
	// transmission stops until the queue drains.
	ThrottleMinBytes int
}

// Pacer is the outbound throttle of the transport, implementing
// rpc.Throttler.
type Pacer interface {
	homrpc.Throttler

	// DequeueAndXmit releases the best throttled RPC when the egress
	// queue allows it, reporting whether anything was released.
	DequeueAndXmit() bool

	// Drain keeps releasing until the queue fills up or nothing is left.
	Drain()

	// QueueLen returns how many RPCs sit on the throttled list.
	QueueLen() int
}

// New returns a pacer releasing through the given sender's queue signal.
func New(cfg Config, snd homrpc.Sender) (Pacer, liberr.Error) {
	if snd == nil {
		return nil, ErrorParamEmpty.Error(nil)
	}

	if cfg.ThrottleMinBytes <= 0 {
		return nil, ErrorConfigInvalid.Error(nil)
	}

	return &pacer{cfg: cfg, snd: snd}, nil
}

type item struct {
	r         *homrpc.Rpc
	remaining int
	seq       uint64
}

type pacer struct {
	mu   sync.Mutex
	cfg  Config
	snd  homrpc.Sender
	seq  uint64
	list []item
}

// Enqueue parks the RPC on the throttled list, keyed by the bytes its
// message still has to send. The caller holds the RPC lock.
func (o *pacer) Enqueue(r *homrpc.Rpc) {
	if r == nil || r.Msgout == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if r.Throttled {
		return
	}

	r.Throttled = true
	o.seq++

	o.list = append(o.list, item{
		r:         r,
		remaining: r.Msgout.Length - r.Msgout.NextXmitOffset,
		seq:       o.seq,
	})
}

// Remove detaches the RPC from the throttled list. The caller holds the
// RPC lock.
func (o *pacer) Remove(r *homrpc.Rpc) {
	if r == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !r.Throttled {
		return
	}

	r.Throttled = false

	for i := range o.list {
		if o.list[i].r == r {
			o.list = append(o.list[:i], o.list[i+1:]...)
			break
		}
	}
}

// DequeueAndXmit pops the shortest remaining RPC and resumes its transmit,
// provided the egress queue is below the threshold. No lock may be held by
// the caller.
func (o *pacer) DequeueAndXmit() bool {
	if o.snd.QueuedBytes() >= o.cfg.ThrottleMinBytes {
		return false
	}

	o.mu.Lock()

	if len(o.list) == 0 {
		o.mu.Unlock()
		return false
	}

	best := 0

	for i := 1; i < len(o.list); i++ {
		if o.list[i].remaining < o.list[best].remaining {
			best = i
		} else if o.list[i].remaining == o.list[best].remaining && o.list[i].seq < o.list[best].seq {
			best = i
		}
	}

	r := o.list[best].r
	o.list = append(o.list[:best], o.list[best+1:]...)

	o.mu.Unlock()

	r.Lock()

	r.Throttled = false

	if !r.Dead() && r.Msgout != nil {
		r.Xmit(false)
	}

	r.Unlock()

	return true
}

// Drain releases throttled RPCs while the egress queue has room.
func (o *pacer) Drain() {
	for o.DequeueAndXmit() {
	}
}

func (o *pacer) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.list)
}
