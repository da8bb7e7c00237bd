/*
hum - Packet and device contracts shared by the memory controllers.

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
package device

import (
	"errors"
	"fmt"
)

// Cmd is the command carried by a Packet.
type Cmd uint8

const (
	Read Cmd = iota
	Write
)

func (c Cmd) String() string {
	switch c {
	case Read:
		return "Read"
	case Write:
		return "Write"
	default:
		return "Unknown"
	}
}

// NoDev marks a packet that carries no originating program counter.
const NoDev uint64 = 0

// Packet is the unit of traffic crossing a CPU-side or mem-side port.
//
// ReqHandle ties split children back to the parent packet the access
// splitter broke them from. PC is threaded through so SILC can key its
// bit-vector history table on PC^page_addr.
type Packet struct {
	Addr       uint64
	Size       uint32
	Cmd        Cmd
	Payload    []byte
	ReqHandle  uint64
	IsResponse bool
	PC         uint64

	// LogicalAddr is the address the access splitter assigned this child
	// at split time. Policy engines rewrite Addr to the remapped NM/FM
	// physical location; LogicalAddr stays put so Recombine can find the
	// right offset into the parent's payload regardless of where the
	// child actually landed.
	LogicalAddr uint64
}

// NewPacket builds a request packet. Write packets must supply a Payload of
// exactly Size bytes; Read packets carry a zeroed Payload that the
// responder fills in.
func NewPacket(addr uint64, size uint32, cmd Cmd, payload []byte, reqHandle uint64) *Packet {
	p := &Packet{Addr: addr, Size: size, Cmd: cmd, ReqHandle: reqHandle}
	if cmd == Write {
		p.Payload = payload
	} else {
		p.Payload = make([]byte, size)
	}
	return p
}

// NewResponse turns a request packet into its response, carrying data back
// for reads.
func (p *Packet) NewResponse() *Packet {
	r := *p
	r.IsResponse = true
	return &r
}

// ErrKind is the fixed vocabulary of controller errors. Fatal kinds
// indicate a policy invariant was violated; recoverable kinds are routine
// port back-pressure the caller is expected to retry.
type ErrKind int

const (
	ReadUndefined ErrKind = iota
	UnknownCmd
	SpanTooLarge
	PortBlocked
	SendFailed
	UnknownRemap
)

func (k ErrKind) String() string {
	switch k {
	case ReadUndefined:
		return "read of undefined data"
	case UnknownCmd:
		return "unknown command"
	case SpanTooLarge:
		return "packet spans too many blocks"
	case PortBlocked:
		return "port blocked"
	case SendFailed:
		return "send failed"
	case UnknownRemap:
		return "unknown remap field"
	default:
		return "unknown error"
	}
}

// ControllerError wraps an ErrKind so callers can errors.Is against the
// sentinel values below.
type ControllerError struct {
	Kind ErrKind
	Addr uint64
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("%s: addr=%#x", e.Kind, e.Addr)
}

func (e *ControllerError) Is(target error) bool {
	t, ok := target.(*ControllerError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons against the fixed kinds above.
var (
	ErrReadUndefined = &ControllerError{Kind: ReadUndefined}
	ErrUnknownCmd    = &ControllerError{Kind: UnknownCmd}
	ErrSpanTooLarge  = &ControllerError{Kind: SpanTooLarge}
	ErrPortBlocked   = &ControllerError{Kind: PortBlocked}
	ErrSendFailed    = &ControllerError{Kind: SendFailed}
	ErrUnknownRemap  = &ControllerError{Kind: UnknownRemap}
)

// NewError builds a ControllerError of the given kind for addr.
func NewError(kind ErrKind, addr uint64) error {
	return &ControllerError{Kind: kind, Addr: addr}
}

// IsFatal reports whether kind names a policy invariant violation rather
// than routine back-pressure.
func (k ErrKind) IsFatal() bool {
	switch k {
	case PortBlocked, SendFailed:
		return false
	default:
		return true
	}
}

// Device is the contract a backing memory or downstream controller offers
// to whatever sits in front of it: a synchronous Functional path used by
// the policy engines' swap machinery, and a TimingReq/RangeChange pair for
// the one real asynchrony in the model (spec: waiting on a timing
// response).
type Device interface {
	TimingReq(pkt *Packet) bool
	Functional(pkt *Packet)
	RangeChange()
}

// ErrShortPayload is raised when a Write packet's Payload is shorter than
// its declared Size, the one malformed-packet condition worth a dedicated
// sentinel rather than a generic ControllerError kind: every other error
// here names a policy-level condition, this one names a caller bug.
var ErrShortPayload = errors.New("payload shorter than packet size")
