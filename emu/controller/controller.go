/*
hum - Shared controller scaffolding and the access splitter.

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
package controller

import (
	D "github.com/hum-sim/hum/emu/device"
)

// RemapPolicy is the capability both UMC and SILC implement. A demo
// harness composing multiple controllers in front of one BackingStore
// talks to each controller purely through this interface.
type RemapPolicy interface {
	HandleRequest(pkt *D.Packet, portID int) (accepted bool)
	HandleResponse(pkt *D.Packet) bool
	HandleFunctional(pkt *D.Packet)
}

// pendingSplit tracks an in-flight multi-block packet while its children
// are outstanding downstream.
type pendingSplit struct {
	original   *D.Packet
	remaining  int
	sourcePort int
	offsets    map[uint64]uint32 // child LogicalAddr -> offset into original.Payload
}

// Controller holds the blocked/waitingPort/originalPacket/pagePktNum
// bookkeeping that UMC and SILC each carried as duplicated C++ fields in
// the gem5 original. Embedding this once means neither policy engine has
// to reimplement single-outstanding-request tracking or the splitter.
type Controller struct {
	BlockSize uint32

	blocked bool
	pending map[uint64]*pendingSplit
	nextReq uint64
}

// NewController builds a Controller splitting packets at blockSize
// boundaries.
func NewController(blockSize uint32) *Controller {
	return &Controller{BlockSize: blockSize, pending: make(map[uint64]*pendingSplit)}
}

// Blocked reports whether the controller already has a request in
// flight. The model is single-threaded cooperative: at most one
// outstanding request may be processed at a time.
func (c *Controller) Blocked() bool {
	return c.blocked
}

// SetBlocked marks the controller as busy or idle.
func (c *Controller) SetBlocked(b bool) {
	c.blocked = b
}

// Split breaks a packet that spans more than one block into block-aligned
// children sharing a fresh ReqHandle and carrying the parent's PC. The
// first and last child may be partial blocks; callers must not assume
// every child is BlockSize bytes.
func (c *Controller) Split(pkt *D.Packet, portID int) []*D.Packet {
	c.nextReq++
	handle := c.nextReq

	firstBlock := pkt.Addr / uint64(c.BlockSize)
	lastBlock := (pkt.Addr + uint64(pkt.Size) - 1) / uint64(c.BlockSize)
	pageCount := int(lastBlock-firstBlock) + 1

	children := make([]*D.Packet, 0, pageCount)
	offsets := make(map[uint64]uint32, pageCount)
	off := uint32(0)
	for block := firstBlock; block <= lastBlock; block++ {
		blockStart := block * uint64(c.BlockSize)
		childAddr := pkt.Addr
		if block != firstBlock {
			childAddr = blockStart
		}
		blockEnd := blockStart + uint64(c.BlockSize)
		childEnd := pkt.Addr + uint64(pkt.Size)
		if childEnd > blockEnd {
			childEnd = blockEnd
		}
		childSize := uint32(childEnd - childAddr)

		var payload []byte
		if pkt.Cmd == D.Write {
			payload = pkt.Payload[off : off+childSize]
		}
		child := D.NewPacket(childAddr, childSize, pkt.Cmd, payload, handle)
		child.PC = pkt.PC
		child.LogicalAddr = childAddr
		children = append(children, child)
		offsets[childAddr] = off
		off += childSize
	}

	c.pending[handle] = &pendingSplit{
		original:   pkt,
		remaining:  len(children),
		sourcePort: portID,
		offsets:    offsets,
	}
	return children
}

// Recombine folds a completed child response back into its parent,
// copying read data into the right payload offset, and reports the
// parent packet plus the originating CPU port once every child has
// completed.
func (c *Controller) Recombine(resp *D.Packet) (parent *D.Packet, sourcePort int, done bool) {
	ps, ok := c.pending[resp.ReqHandle]
	if !ok {
		return nil, 0, false
	}

	if resp.Cmd == D.Read {
		off := ps.offsets[resp.LogicalAddr]
		copy(ps.original.Payload[off:off+uint32(len(resp.Payload))], resp.Payload)
	}

	ps.remaining--
	if ps.remaining > 0 {
		return nil, 0, false
	}

	delete(c.pending, resp.ReqHandle)
	return ps.original, ps.sourcePort, true
}
