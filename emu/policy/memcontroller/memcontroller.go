/*
hum - MemController: a transparent pass-through RemapPolicy with no remap
table of its own, used as a baseline to compare UMC/SILC against.

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
package memcontroller

import (
	"fmt"

	"github.com/hum-sim/hum/config/configparser"
	"github.com/hum-sim/hum/emu/controller"
	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
	"github.com/hum-sim/hum/emu/port"
	"github.com/hum-sim/hum/emu/stats"
)

// Config describes the single backing store a MemController forwards
// every request to unchanged.
type Config struct {
	BlockSize uint32
	Size      uint32
	MemDevice D.Device
	Tiers     stats.Tiers
}

// MemController catches and forwards every request with no additional
// operation: no remap table, no migration, no counters beyond the access
// tallies Stats already tracks for free.
type MemController struct {
	*controller.Controller

	// Size is the backing device's capacity in bytes, recorded so a
	// caller driving a synthetic workload knows what address range is
	// valid without reaching into the device itself.
	Size uint64

	memPort *port.MemPort

	cpuPorts    []*port.CPUPort
	waitingPort int

	Stats *stats.Stats
}

// New builds a pass-through MemController in front of dev.
func New(cfg Config) *MemController {
	return &MemController{
		Controller:  controller.NewController(cfg.BlockSize),
		Size:        uint64(cfg.Size),
		memPort:     port.NewMemPort(0, cfg.MemDevice),
		waitingPort: -1,
		Stats:       stats.New(cfg.BlockSize, cfg.Tiers),
	}
}

// AddCPUPort registers a new upstream requester, returning the portID to
// pass to HandleRequest on its behalf.
func (m *MemController) AddCPUPort(owner port.Retryer, upstream port.ResponseReceiver) int {
	id := len(m.cpuPorts)
	m.cpuPorts = append(m.cpuPorts, port.NewCPUPort(id, owner, upstream))
	return id
}

// HandleRequest forwards pkt downstream untouched. There is no remap
// table to consult, so a request never spans more than one controller
// round trip regardless of how many blocks it covers.
func (m *MemController) HandleRequest(pkt *D.Packet, portID int) bool {
	if m.Blocked() {
		if portID >= 0 && portID < len(m.cpuPorts) {
			m.cpuPorts[portID].MarkRetry()
		}
		return false
	}
	m.SetBlocked(true)
	m.waitingPort = portID

	if !m.memPort.SendTimingReq(pkt) {
		m.cpuPorts[portID].MarkRetry()
		return true
	}
	m.HandleResponse(pkt)
	return true
}

// HandleResponse delivers the completed response straight back to the
// port that issued the original request.
func (m *MemController) HandleResponse(pkt *D.Packet) bool {
	waiting := m.waitingPort
	m.SetBlocked(false)
	m.waitingPort = -1

	resp := pkt.NewResponse()
	if waiting >= 0 && waiting < len(m.cpuPorts) {
		m.cpuPorts[waiting].SendResponse(resp)
	}
	for _, p := range m.cpuPorts {
		p.TrySendRetry()
	}
	return true
}

// HandleFunctional passes a synchronous access straight through.
func (m *MemController) HandleFunctional(pkt *D.Packet) {
	m.memPort.SendFunctional(pkt)
}

// Built collects every MemController created from a config file.
var Built []*MemController

func init() {
	configparser.RegisterPolicy("memcontroller", createFromConfig)
}

func createFromConfig(name string, opts []configparser.Option) error {
	sizeStr, ok := configparser.Find(opts, "size")
	if !ok {
		return fmt.Errorf("memcontroller: missing size option")
	}
	size, err := configparser.ParseSize(sizeStr)
	if err != nil {
		return fmt.Errorf("memcontroller: size: %w", err)
	}

	blockSize := uint32(2048)
	if bs, ok := configparser.Find(opts, "blocksize"); ok {
		v, err := configparser.ParseSize(bs)
		if err != nil {
			return fmt.Errorf("memcontroller: blocksize: %w", err)
		}
		blockSize = uint32(v)
	}

	dev := memory.New("mem", uint32(size))
	m := New(Config{BlockSize: blockSize, Size: uint32(size), MemDevice: dev, Tiers: stats.DefaultTiers()})
	Built = append(Built, m)
	return nil
}
