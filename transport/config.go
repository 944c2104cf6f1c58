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
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	libdur "github.com/nabbar/golib/duration"
	liberr "github.com/nabbar/golib/errors"
	libsiz "github.com/nabbar/golib/size"

	homwir "github.com/nabbar/homa/wire"
)

// ConfigGrant carries the grant scheduler knobs.
type ConfigGrant struct {
	// Window keeps each active incoming message granted this many bytes
	// past its received byte count.
	Window libsiz.Size `mapstructure:"window" json:"window" yaml:"window" toml:"window" validate:"gt=0"`

	// NumActiveRpcs caps how many incoming messages hold grants at once.
	NumActiveRpcs int `mapstructure:"num_active_rpcs" json:"num_active_rpcs" yaml:"num_active_rpcs" toml:"num_active_rpcs" validate:"gt=0"`
}

// ConfigPacer carries the pacer knobs.
type ConfigPacer struct {
	// ThrottleMinBytes is the egress queue depth above which outbound
	// release is serialized by the pacer.
	ThrottleMinBytes libsiz.Size `mapstructure:"throttle_min_bytes" json:"throttle_min_bytes" yaml:"throttle_min_bytes" toml:"throttle_min_bytes" validate:"gt=0"`

	// DontThrottle bypasses pacing entirely.
	DontThrottle bool `mapstructure:"dont_throttle" json:"dont_throttle" yaml:"dont_throttle" toml:"dont_throttle"`
}

// Config is the validated configuration of one transport instance.
type Config struct {
	// ResendTicks is the silent interval before the first RESEND.
	ResendTicks int `mapstructure:"resend_ticks" json:"resend_ticks" yaml:"resend_ticks" toml:"resend_ticks" validate:"gt=0"`

	// ResendInterval spaces subsequent RESENDs.
	ResendInterval int `mapstructure:"resend_interval" json:"resend_interval" yaml:"resend_interval" toml:"resend_interval" validate:"gt=0"`

	// TimeoutTicks errors an RPC out after this much silence.
	TimeoutTicks int `mapstructure:"timeout_ticks" json:"timeout_ticks" yaml:"timeout_ticks" toml:"timeout_ticks" validate:"gt=0"`

	// TimeoutResends errors an RPC out after this many unanswered RESENDs.
	TimeoutResends int `mapstructure:"timeout_resends" json:"timeout_resends" yaml:"timeout_resends" toml:"timeout_resends" validate:"gt=0"`

	// RequestAckTicks is how long a finished response is kept before the
	// server asks for an acknowledgement.
	RequestAckTicks int `mapstructure:"request_ack_ticks" json:"request_ack_ticks" yaml:"request_ack_ticks" toml:"request_ack_ticks" validate:"gt=0"`

	// DeadBuffsLimit caps the packet buffers retained by dead RPCs on one
	// socket before the timer reaps them.
	DeadBuffsLimit int `mapstructure:"dead_buffs_limit" json:"dead_buffs_limit" yaml:"dead_buffs_limit" toml:"dead_buffs_limit" validate:"gt=0"`

	// ReapBatch bounds how many dead buffers one timer tick frees.
	ReapBatch int `mapstructure:"reap_batch" json:"reap_batch" yaml:"reap_batch" toml:"reap_batch" validate:"gt=0"`

	// UnschedBytes is the prefix every sender transmits without grants.
	UnschedBytes libsiz.Size `mapstructure:"unsched_bytes" json:"unsched_bytes" yaml:"unsched_bytes" toml:"unsched_bytes" validate:"gt=0"`

	// SegmentSize bounds the payload of one DATA packet.
	SegmentSize libsiz.Size `mapstructure:"segment_size" json:"segment_size" yaml:"segment_size" toml:"segment_size" validate:"gt=0"`

	// TickInterval is the wall clock period of the timer loop.
	TickInterval libdur.Duration `mapstructure:"tick_interval" json:"tick_interval" yaml:"tick_interval" toml:"tick_interval"`

	// MinDefaultPort splits server ports (below) from ephemeral client
	// ports (at or above).
	MinDefaultPort uint16 `mapstructure:"min_default_port" json:"min_default_port" yaml:"min_default_port" toml:"min_default_port" validate:"gt=0"`

	// Cutoffs are the local unscheduled priority cutoffs advertised to
	// peers.
	Cutoffs [homwir.NumPriorities]uint32 `mapstructure:"cutoffs" json:"cutoffs" yaml:"cutoffs" toml:"cutoffs"`

	// CutoffVersion versions the local cutoffs.
	CutoffVersion uint16 `mapstructure:"cutoff_version" json:"cutoff_version" yaml:"cutoff_version" toml:"cutoff_version"`

	Grant ConfigGrant `mapstructure:"grant" json:"grant" yaml:"grant" toml:"grant"`
	Pacer ConfigPacer `mapstructure:"pacer" json:"pacer" yaml:"pacer" toml:"pacer"`
}

// DefaultConfig returns the configuration a datacenter deployment starts
// from, with millisecond ticks.
func DefaultConfig() Config {
	return Config{
		ResendTicks:     5,
		ResendInterval:  5,
		TimeoutTicks:    100,
		TimeoutResends:  5,
		RequestAckTicks: 2,
		DeadBuffsLimit:  5000,
		ReapBatch:       500,
		UnschedBytes:    60 * libsiz.SizeKilo,
		SegmentSize:     libsiz.Size(1400),
		TickInterval:    libdur.ParseDuration(time.Millisecond),
		MinDefaultPort:  32768,
		CutoffVersion:   1,
		Cutoffs: [homwir.NumPriorities]uint32{
			0, 0, 0, 0, 0x7FFFFFFF, 800 * 1024, 80 * 1024, 8 * 1024,
		},
		Grant: ConfigGrant{
			Window:        200 * libsiz.SizeKilo,
			NumActiveRpcs: 10,
		},
		Pacer: ConfigPacer{
			ThrottleMinBytes: 200 * libsiz.SizeKilo,
		},
	}
}

// Validate checks the configuration constraints.
func (c Config) Validate() liberr.Error {
	val := validator.New()

	if err := val.Struct(c); err != nil {
		return validationError(err)
	}

	if c.TimeoutTicks <= c.ResendTicks {
		//nolint goerr113
		return ErrorValidateConfig.Error(fmt.Errorf("timeout_ticks must exceed resend_ticks"))
	}

	if c.TickInterval.Time() <= 0 {
		//nolint goerr113
		return ErrorValidateConfig.Error(fmt.Errorf("tick_interval must be strictly positive"))
	}

	if c.SegmentSize.Int64() > int64(homwir.MaxPayload) {
		//nolint goerr113
		return ErrorValidateConfig.Error(fmt.Errorf("segment_size cannot exceed the maximum packet payload"))
	}

	return nil
}
