/*
hum - TwoLevel: a minimal direct-mapped write-back cache RemapPolicy, kept
as a second reference point to diff UMC/SILC against.

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
package twolevel

import (
	"fmt"

	"github.com/hum-sim/hum/config/configparser"
	"github.com/hum-sim/hum/emu/controller"
	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
	"github.com/hum-sim/hum/emu/port"
)

// Tag is one cache line's occupancy state: which aliasing position
// (blockNum/capacity) currently occupies this index, and whether it has
// been written since it was installed.
type Tag struct {
	dirty    bool
	position int
	valid    bool
}

// Config describes the cache's geometry and the single backing device it
// sits in front of.
type Config struct {
	BlockSize uint32
	Capacity  int // number of cache lines
	MemSize   uint32
	MemDevice D.Device
}

// TwoLevel is a direct-mapped write-back cache: blockNum % Capacity picks
// the line, blockNum / Capacity is the tag compared against Tag.position.
type TwoLevel struct {
	*controller.Controller

	capacity int
	tags     []Tag
	store    [][]byte

	memPort *port.MemPort

	cpuPorts    []*port.CPUPort
	waitingPort int

	// original is the caller's unaligned packet while a miss upgrades it
	// to a full, block-aligned line fetch; nil once a hit responds
	// directly.
	original *D.Packet

	// Size is the backing device's capacity in bytes, recorded so a
	// caller driving a synthetic workload knows what address range is
	// valid without reaching into the device itself.
	Size uint64

	Hits   uint64
	Misses uint64
}

// New builds a TwoLevel cache of cfg.Capacity lines in front of dev.
func New(cfg Config) *TwoLevel {
	return &TwoLevel{
		Controller:  controller.NewController(cfg.BlockSize),
		capacity:    cfg.Capacity,
		tags:        make([]Tag, cfg.Capacity),
		store:       make([][]byte, cfg.Capacity),
		Size:        uint64(cfg.MemSize),
		memPort:     port.NewMemPort(0, cfg.MemDevice),
		waitingPort: -1,
	}
}

// HitRatio reports the fraction of HandleRequest calls that hit, mirroring
// the teacher's Stats::Formula hitRatio.
func (t *TwoLevel) HitRatio() float64 {
	total := t.Hits + t.Misses
	if total == 0 {
		return 0
	}
	return float64(t.Hits) / float64(total)
}

// AddCPUPort registers a new upstream requester, returning the portID to
// pass to HandleRequest on its behalf.
func (t *TwoLevel) AddCPUPort(owner port.Retryer, upstream port.ResponseReceiver) int {
	id := len(t.cpuPorts)
	t.cpuPorts = append(t.cpuPorts, port.NewCPUPort(id, owner, upstream))
	return id
}

func (t *TwoLevel) blockAddr(addr uint64) uint64 {
	b := uint64(t.BlockSize)
	return (addr / b) * b
}

func (t *TwoLevel) index(addr uint64) (index int, position int) {
	blockNum := addr / uint64(t.BlockSize)
	return int(blockNum) % t.capacity, int(blockNum) / t.capacity
}

// HandleRequest looks up the line immediately: a hit responds without
// ever touching the memory port, a miss upgrades the request to a full
// aligned block fetch (unless it was already one) and forwards it.
func (t *TwoLevel) HandleRequest(pkt *D.Packet, portID int) bool {
	if t.Blocked() {
		if portID >= 0 && portID < len(t.cpuPorts) {
			t.cpuPorts[portID].MarkRetry()
		}
		return false
	}
	t.SetBlocked(true)
	t.waitingPort = portID

	if t.accessFunctional(pkt) {
		t.Hits++
		resp := pkt.NewResponse()
		t.sendResponse(resp)
		return true
	}
	t.Misses++

	blockAddr := t.blockAddr(pkt.Addr)
	if pkt.Addr == blockAddr && pkt.Size == t.BlockSize {
		t.forward(pkt)
		return true
	}

	t.original = pkt
	fetch := D.NewPacket(blockAddr, t.BlockSize, D.Read, nil, pkt.ReqHandle)
	t.forward(fetch)
	return true
}

func (t *TwoLevel) forward(pkt *D.Packet) {
	if !t.memPort.SendTimingReq(pkt) {
		if t.waitingPort >= 0 && t.waitingPort < len(t.cpuPorts) {
			t.cpuPorts[t.waitingPort].MarkRetry()
		}
		return
	}
	t.HandleResponse(pkt)
}

// HandleResponse installs the fetched line and responds to whichever
// packet actually triggered the miss.
func (t *TwoLevel) HandleResponse(pkt *D.Packet) bool {
	t.insert(pkt)

	resp := pkt.NewResponse()
	if t.original != nil {
		orig := t.original
		t.original = nil
		if !t.accessFunctional(orig) {
			panic(fmt.Errorf("twolevel: miss persisted immediately after insert at addr %#x", orig.Addr))
		}
		resp = orig.NewResponse()
	}

	t.sendResponse(resp)
	return true
}

func (t *TwoLevel) sendResponse(pkt *D.Packet) {
	waiting := t.waitingPort
	t.SetBlocked(false)
	t.waitingPort = -1

	if waiting >= 0 && waiting < len(t.cpuPorts) {
		t.cpuPorts[waiting].SendResponse(pkt)
	}
	for _, p := range t.cpuPorts {
		p.TrySendRetry()
	}
}

// HandleFunctional serves a hit directly; a miss passes straight through
// to the backing device with no installation (a debug-only access).
func (t *TwoLevel) HandleFunctional(pkt *D.Packet) {
	if !t.accessFunctional(pkt) {
		t.memPort.SendFunctional(pkt)
	}
}

// accessFunctional is the one place reads and writes actually touch the
// cache line, on both the timing and functional paths.
func (t *TwoLevel) accessFunctional(pkt *D.Packet) bool {
	index, position := t.index(pkt.Addr)
	tag := &t.tags[index]

	if !tag.valid || tag.position != position {
		return false
	}

	off := pkt.Addr - t.blockAddr(pkt.Addr)
	data := t.store[index]
	switch pkt.Cmd {
	case D.Write:
		copy(data[off:off+uint64(pkt.Size)], pkt.Payload)
		tag.dirty = true
	case D.Read:
		pkt.Payload = append(pkt.Payload[:0], data[off:off+uint64(pkt.Size)]...)
	default:
		panic(D.NewError(D.UnknownCmd, pkt.Addr))
	}
	return true
}

// insert installs a freshly fetched, block-aligned line, writing back the
// victim first if it is dirty.
func (t *TwoLevel) insert(pkt *D.Packet) {
	index, position := t.index(pkt.Addr)
	tag := &t.tags[index]

	if tag.valid && tag.dirty {
		victimAddr := uint64(tag.position*t.capacity+index) * uint64(t.BlockSize)
		wb := D.NewPacket(victimAddr, t.BlockSize, D.Write, t.store[index], 0)
		t.memPort.SendFunctional(wb)
	}

	t.store[index] = append([]byte(nil), pkt.Payload...)
	tag.position = position
	tag.dirty = false
	tag.valid = true
}

// Built collects every TwoLevel instance created from a config file.
var Built []*TwoLevel

func init() {
	configparser.RegisterPolicy("twolevel", createFromConfig)
}

func createFromConfig(name string, opts []configparser.Option) error {
	sizeStr, ok := configparser.Find(opts, "size")
	if !ok {
		return fmt.Errorf("twolevel: missing size option")
	}
	size, err := configparser.ParseSize(sizeStr)
	if err != nil {
		return fmt.Errorf("twolevel: size: %w", err)
	}

	blockSize := uint32(2048)
	if bs, ok := configparser.Find(opts, "blocksize"); ok {
		v, err := configparser.ParseSize(bs)
		if err != nil {
			return fmt.Errorf("twolevel: blocksize: %w", err)
		}
		blockSize = uint32(v)
	}

	capacity := int(size / uint64(blockSize))
	if capacity == 0 {
		return fmt.Errorf("twolevel: size %d smaller than one block (%d)", size, blockSize)
	}

	memSizeStr, ok := configparser.Find(opts, "mem")
	if !ok {
		return fmt.Errorf("twolevel: missing mem option (backing store size)")
	}
	memSize, err := configparser.ParseSize(memSizeStr)
	if err != nil {
		return fmt.Errorf("twolevel: mem: %w", err)
	}

	dev := memory.New("twolevel-mem", uint32(memSize))
	tl := New(Config{BlockSize: blockSize, Capacity: capacity, MemSize: uint32(memSize), MemDevice: dev})
	Built = append(Built, tl)
	return nil
}
