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

// State is the lifecycle position of an RPC.
type State uint8

const (
	// StateOutgoing means the outbound message is being transmitted: the
	// request for a client RPC, the response for a server RPC.
	StateOutgoing State = iota

	// StateIncoming means the inbound message is being received.
	StateIncoming

	// StateInService means a server RPC delivered its request to the user
	// and waits for the response.
	StateInService

	// StateDead is terminal; the RPC lingers only until its buffers are
	// reaped.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateInService:
		return "IN_SERVICE"
	case StateDead:
		return "DEAD"
	}

	return "unknown state"
}

// Role distinguishes the initiator side of an RPC from the responder side.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}

	return "client"
}
