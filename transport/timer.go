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
	liberr "github.com/nabbar/golib/errors"
	liblog "github.com/nabbar/golib/logger"

	homrpc "github.com/nabbar/homa/rpc"
	homtmr "github.com/nabbar/homa/timer"
)

type timerRunner = homtmr.Timer

func newTimer(cfg Config, tbl *homrpc.Table, log liblog.FuncLog, grantCheck, pacerKick func()) (timerRunner, liberr.Error) {
	return homtmr.New(homtmr.Config{
		TickInterval:    cfg.TickInterval,
		ResendTicks:     cfg.ResendTicks,
		ResendInterval:  cfg.ResendInterval,
		TimeoutTicks:    cfg.TimeoutTicks,
		TimeoutResends:  cfg.TimeoutResends,
		RequestAckTicks: cfg.RequestAckTicks,
	}, tbl, log, grantCheck, pacerKick)
}
