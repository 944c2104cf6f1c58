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

package transport

import (
	"net/netip"

	liberr "github.com/nabbar/golib/errors"
	"github.com/prometheus/client_golang/prometheus"

	homrpc "github.com/nabbar/homa/rpc"
	homwir "github.com/nabbar/homa/wire"
)

type metrics struct {
	sent    *prometheus.CounterVec
	recv    *prometheus.CounterVec
	drops   prometheus.Counter
	aborted prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "packets_sent_total",
			Help:      "Packets handed to the network stack, by packet type.",
		}, []string{"type"}),
		recv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "packets_received_total",
			Help:      "Packets delivered by the network stack, by packet type.",
		}, []string{"type"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "packets_dropped_total",
			Help:      "Inbound packets dropped as malformed or unroutable.",
		}),
		aborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "homa",
			Name:      "rpc_aborted_total",
			Help:      "RPCs canceled through Abort; timeouts and peer loss are not counted.",
		}),
	}
}

func (o *metrics) register(reg prometheus.Registerer) liberr.Error {
	for _, c := range []prometheus.Collector{o.sent, o.recv, o.drops, o.aborted} {
		if err := reg.Register(c); err != nil {
			return ErrorComponentStart.Error(err)
		}
	}

	return nil
}

// meteredSender decorates the OS egress glue with per type counters.
type meteredSender struct {
	s homrpc.Sender
	m *metrics
}

func (o *meteredSender) Send(to netip.Addr, pkt homwir.Packet) liberr.Error {
	if err := o.s.Send(to, pkt); err != nil {
		return err
	}

	o.m.sent.WithLabelValues(pkt.Type().String()).Inc()

	return nil
}

func (o *meteredSender) QueuedBytes() int {
	return o.s.QueuedBytes()
}
