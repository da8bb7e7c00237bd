/*
hum - CPU-side and mem-side port fabric for the HUM controllers.

Copyright 2024, Richard Cornwell

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/
package port

import (
	D "github.com/hum-sim/hum/emu/device"
)

// Retryer is implemented by whatever owns a CPUPort so the port can ask
// for a resend once the controller unblocks.
type Retryer interface {
	RetryReq(portID int)
}

// ResponseReceiver is whatever sits upstream of a CPUPort: the requester
// that issued the original packet and is waiting on its response.
type ResponseReceiver interface {
	RecvTimingResp(pkt *D.Packet) bool
}

// CPUPort is the request-receiving, response-sending side of a
// controller. It mirrors the teacher's CPUSidePort, which both accepts
// recvTimingReq (incoming requests, needRetry/trySendRetry) and issues
// sendPacket for the eventual response (blockedPacket/recvRespRetry) —
// renamed to the HUM packet shape and split into the two directions
// below.
type CPUPort struct {
	ID       int
	owner    Retryer
	upstream ResponseReceiver

	needRetry   bool
	blockedResp *D.Packet
}

// NewCPUPort builds a CPUPort bound to owner for retry callbacks and
// upstream for delivering responses.
func NewCPUPort(id int, owner Retryer, upstream ResponseReceiver) *CPUPort {
	return &CPUPort{ID: id, owner: owner, upstream: upstream}
}

// MarkRetry records that a TimingReq was rejected and a retry must be
// signaled once the controller unblocks.
func (p *CPUPort) MarkRetry() {
	p.needRetry = true
}

// TrySendRetry fires RetryReq exactly once if a retry is outstanding.
func (p *CPUPort) TrySendRetry() {
	if !p.needRetry {
		return
	}
	p.needRetry = false
	p.owner.RetryReq(p.ID)
}

// SendResponse delivers pkt upstream, mirroring CPUSidePort::sendPacket.
// If the requester can't accept it immediately, it is remembered and
// must be retried with Unblock.
func (p *CPUPort) SendResponse(pkt *D.Packet) {
	if !p.upstream.RecvTimingResp(pkt) {
		p.blockedResp = pkt
	}
}

// Unblock retries a previously blocked response, returning true once it
// is accepted.
func (p *CPUPort) Unblock() bool {
	if p.blockedResp == nil {
		return true
	}
	pkt := p.blockedResp
	p.blockedResp = nil
	p.SendResponse(pkt)
	return p.blockedResp == nil
}

// RespBlocked reports whether this port still has a response waiting to
// be resent upstream.
func (p *CPUPort) RespBlocked() bool {
	return p.blockedResp != nil
}

// MemPort is the downstream side of a controller: a near-memory or
// far-memory device, or another controller's CPUPort in a composed
// topology. blockedPacket mirrors the teacher's MemSidePort so a
// packet that could not be sent immediately is remembered and resent when
// the device below signals it has room again.
type MemPort struct {
	ID            int
	dev           D.Device
	blockedPacket *D.Packet
}

// NewMemPort binds a MemPort to the device it forwards to.
func NewMemPort(id int, dev D.Device) *MemPort {
	return &MemPort{ID: id, dev: dev}
}

// SendTimingReq forwards pkt downstream. If the port already has a
// blocked packet queued it refuses immediately so the caller does not
// reorder requests.
func (p *MemPort) SendTimingReq(pkt *D.Packet) bool {
	if p.blockedPacket != nil {
		return false
	}
	if !p.dev.TimingReq(pkt) {
		p.blockedPacket = pkt
		return false
	}
	return true
}

// SendFunctional performs a synchronous access with no timing or
// back-pressure, the path every policy engine's swap/migration machinery
// uses.
func (p *MemPort) SendFunctional(pkt *D.Packet) {
	p.dev.Functional(pkt)
}

// Unblock retries a previously blocked packet, returning true once it is
// accepted.
func (p *MemPort) Unblock() bool {
	if p.blockedPacket == nil {
		return true
	}
	if p.dev.TimingReq(p.blockedPacket) {
		p.blockedPacket = nil
		return true
	}
	return false
}

// Blocked reports whether this port is still waiting to resend.
func (p *MemPort) Blocked() bool {
	return p.blockedPacket != nil
}
