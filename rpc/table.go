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

package rpc

import (
	"sync"

	libatm "github.com/nabbar/golib/atomic"
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	homper "github.com/nabbar/homa/peer"
)

// Table is the socket table of one transport instance: ports, the shared
// peer table, and the injected collaborator handles.
type Table struct {
	prm   Params
	peers homper.Table

	mu    sync.Mutex
	ports map[uint16]*Socket
	prev  uint16

	fl  libatm.Value[liblog.FuncLog]
	ft  libatm.Value[FuncTick]
	snd libatm.Value[Sender]
	grt libatm.Value[Granter]
	thr libatm.Value[Throttler]
}

// NewTable returns a socket table using the given knobs and peer table.
func NewTable(prm Params, peers homper.Table, log liblog.FuncLog) *Table {
	t := &Table{
		prm:   prm,
		peers: peers,
		ports: make(map[uint16]*Socket),
		prev:  prm.MinDefaultPort,
		fl:    libatm.NewValue[liblog.FuncLog](),
		ft:    libatm.NewValue[FuncTick](),
		snd:   libatm.NewValue[Sender](),
		grt:   libatm.NewValue[Granter](),
		thr:   libatm.NewValue[Throttler](),
	}

	if log != nil {
		t.fl.Store(log)
	}

	return t
}

// Params returns the transport knobs of the table.
func (o *Table) Params() Params {
	return o.prm
}

// Peers returns the shared peer table.
func (o *Table) Peers() homper.Table {
	return o.peers
}

// SetTick installs the timer tick source.
func (o *Table) SetTick(f FuncTick) {
	if f != nil {
		o.ft.Store(f)
	}
}

// Tick returns the current timer tick, zero before the timer runs.
func (o *Table) Tick() uint64 {
	if f := o.ft.Load(); f != nil {
		return f()
	}

	return 0
}

// SetSender installs the egress glue.
func (o *Table) SetSender(s Sender) {
	if s != nil {
		o.snd.Store(s)
	}
}

// SetGranter installs the grant scheduler.
func (o *Table) SetGranter(g Granter) {
	if g != nil {
		o.grt.Store(g)
	}
}

// SetThrottler installs the pacer.
func (o *Table) SetThrottler(t Throttler) {
	if t != nil {
		o.thr.Store(t)
	}
}

// Sender returns the installed egress glue, nil before SetSender.
func (o *Table) Sender() Sender {
	return o.snd.Load()
}

// Granter returns the installed grant scheduler, nil before SetGranter.
func (o *Table) Granter() Granter {
	return o.grt.Load()
}

// Throttler returns the installed pacer, nil before SetThrottler.
func (o *Table) Throttler() Throttler {
	return o.thr.Load()
}

func (o *Table) log() liblog.Logger {
	if f := o.fl.Load(); f != nil {
		if l := f(); l != nil {
			return l
		}
	}

	return liblog.New(nil)
}

// Bind reserves the given server port, or assigns a fresh ephemeral client
// port when port is zero. Server ports sit below the MinDefaultPort
// boundary.
func (o *Table) Bind(port uint16) (*Socket, liberr.Error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if port == 0 {
		for i := 0; i < int(^uint16(0))-int(o.prm.MinDefaultPort); i++ {
			o.prev++

			if o.prev < o.prm.MinDefaultPort {
				o.prev = o.prm.MinDefaultPort
			}

			if _, ok := o.ports[o.prev]; !ok {
				port = o.prev
				break
			}
		}

		if port == 0 {
			return nil, ErrorPortBusy.Error(nil)
		}
	} else if port >= o.prm.MinDefaultPort {
		return nil, ErrorPortRange.Error(nil)
	} else if _, ok := o.ports[port]; ok {
		return nil, ErrorPortBusy.Error(nil)
	}

	sk := newSocket(o, port)
	o.ports[port] = sk

	return sk, nil
}

// ByPort resolves the socket bound to the given port, nil when free.
func (o *Table) ByPort(port uint16) *Socket {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.ports[port]
}

// Sockets snapshots every bound socket, for the timer pass.
func (o *Table) Sockets() []*Socket {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*Socket, 0, len(o.ports))

	for _, sk := range o.ports {
		out = append(out, sk)
	}

	return out
}

// Shutdown tears every socket down, aborting their RPCs.
func (o *Table) Shutdown() {
	for _, sk := range o.Sockets() {
		sk.Shutdown()
	}
}

// Destroy shuts the socket down, reaps its dead state completely and
// releases its port.
func (o *Table) Destroy(sk *Socket) {
	if sk == nil {
		return
	}

	sk.Shutdown()
	sk.purgeReady()

	for sk.DeadCount() > 0 {
		if sk.Reap(int(^uint(0)>>1)) == 0 {
			break
		}
	}

	o.mu.Lock()
	delete(o.ports, sk.port)
	o.mu.Unlock()
}

// Close destroys every socket of the table.
func (o *Table) Close() {
	for _, sk := range o.Sockets() {
		o.Destroy(sk)
	}
}
