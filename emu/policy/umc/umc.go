/*
hum - UMC: set-associative remap policy with saturating hotness counters.

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
package umc

import (
	"fmt"

	"github.com/hum-sim/hum/config/configparser"
	"github.com/hum-sim/hum/emu/controller"
	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
	"github.com/hum-sim/hum/emu/port"
	"github.com/hum-sim/hum/emu/stats"
)

// entry is one NM frame's remap state: hotpos in {0, ..., R+1}, the tag
// bit, and one saturating counter per competing position. Kept as a
// plain struct rather than a packed 64-bit word (the bit-packing in the
// original is only needed for binary-trace compatibility, not a goal
// here).
type entry struct {
	hotpos   int
	tag      bool
	counters []uint8
}

func (e *entry) inc(idx int) {
	if e.counters[idx] < 15 {
		e.counters[idx]++
	}
}

func (e *entry) dec(idx int) {
	if e.counters[idx] > 0 {
		e.counters[idx]--
	}
}

// reset sets counters[idx] to the reset sentinel 8 and every other
// position to 0, so a freshly-occupied hot position starts with enough
// margin to resist immediate eviction.
func (e *entry) reset(idx int) {
	for i := range e.counters {
		if i == idx {
			e.counters[i] = 8
		} else {
			e.counters[i] = 0
		}
	}
}

// Config describes the address geometry and backing devices a UMC
// controller sits in front of.
type Config struct {
	BlockSize          uint32
	NMStart, NMSize    uint64
	FMStart, FMSize    uint64
	NMDevice, FMDevice D.Device
	Tiers              stats.Tiers
}

// UMC is the set-associative remap-and-migration policy engine. It
// embeds *controller.Controller for the shared blocked/split/recombine
// bookkeeping both policy engines need.
type UMC struct {
	*controller.Controller

	NMStart, NMSize uint64
	FMStart, FMSize uint64
	Ratio           int

	table []entry

	fmPort *port.MemPort
	nmPort *port.MemPort

	cpuPorts    []*port.CPUPort
	waitingPort int

	Stats *stats.Stats
}

// New builds a UMC controller. FMSize must be an exact multiple of
// NMSize; the quotient is the ratio R used to size the per-frame
// counter vector and the hotpos field's range.
func New(cfg Config) (*UMC, error) {
	if cfg.NMSize == 0 || cfg.FMSize%cfg.NMSize != 0 {
		return nil, fmt.Errorf("umc: farmem size %d is not a multiple of nearmem size %d", cfg.FMSize, cfg.NMSize)
	}
	ratio := int(cfg.FMSize / cfg.NMSize)
	entries := int(cfg.NMSize / uint64(cfg.BlockSize))

	table := make([]entry, entries)
	for i := range table {
		table[i].counters = make([]uint8, ratio+1)
	}

	u := &UMC{
		Controller:  controller.NewController(cfg.BlockSize),
		NMStart:     cfg.NMStart,
		NMSize:      cfg.NMSize,
		FMStart:     cfg.FMStart,
		FMSize:      cfg.FMSize,
		Ratio:       ratio,
		table:       table,
		fmPort:      port.NewMemPort(0, cfg.FMDevice),
		nmPort:      port.NewMemPort(1, cfg.NMDevice),
		waitingPort: -1,
		Stats:       stats.New(cfg.BlockSize, cfg.Tiers),
	}
	return u, nil
}

// AddCPUPort registers a new upstream requester, returning the portID to
// pass to HandleRequest on its behalf.
func (u *UMC) AddCPUPort(owner port.Retryer, upstream port.ResponseReceiver) int {
	id := len(u.cpuPorts)
	u.cpuPorts = append(u.cpuPorts, port.NewCPUPort(id, owner, upstream))
	return id
}

func (u *UMC) inFM(addr uint64) bool { return addr >= u.FMStart && addr < u.FMStart+u.FMSize }
func (u *UMC) inNM(addr uint64) bool { return addr >= u.NMStart && addr < u.NMStart+u.NMSize }

func (u *UMC) fmLocal(addr uint64) uint64 { return addr - u.FMStart }
func (u *UMC) nmLocal(addr uint64) uint64 { return addr - u.NMStart }

// HandleRequest accepts one CPU-side timing request, splitting it across
// block boundaries if needed. The controller accepts at most one
// outstanding request at a time.
func (u *UMC) HandleRequest(pkt *D.Packet, portID int) bool {
	if u.Blocked() {
		if portID >= 0 && portID < len(u.cpuPorts) {
			u.cpuPorts[portID].MarkRetry()
		}
		return false
	}
	u.SetBlocked(true)
	u.waitingPort = portID

	for _, child := range u.Split(pkt, portID) {
		u.handlePageRequest(child)
	}
	return true
}

func (u *UMC) handlePageRequest(pkt *D.Packet) {
	switch {
	case u.inFM(pkt.Addr):
		u.handleFMRequest(pkt)
	case u.inNM(pkt.Addr):
		u.handleNMRequest(pkt)
	default:
		panic(fmt.Errorf("umc: addr %#x outside configured NM/FM ranges", pkt.Addr))
	}
}

// handleFMRequest implements decision tree F1-F5c (spec table, §4.1).
func (u *UMC) handleFMRequest(pkt *D.Packet) {
	addr := pkt.Addr
	b := uint64(u.BlockSize)
	framesPerTier := u.NMSize / b

	rel := addr - u.FMStart
	pageNum := rel / b
	index := pageNum % framesPerTier
	curpos := int(pageNum/framesPerTier) + 1

	ent := &u.table[index]
	curBlockAddr := u.FMStart + pageNum*b
	nmBlockAddr := u.NMStart + index*b
	nmAddr := nmBlockAddr + (addr - curBlockAddr)

	if curpos == ent.hotpos {
		// F1: remapping already exists, forward straight to NM.
		ent.inc(curpos - 1)
		pkt.Addr = u.nmLocal(nmAddr)
		u.send(u.nmPort, pkt)
		return
	}

	if ent.hotpos == 0 {
		ent.inc(curpos - 1)
		if ent.counters[curpos-1] < 7 {
			// F2
			pkt.Addr = u.fmLocal(addr)
			u.send(u.fmPort, pkt)
			return
		}
		// F3: NM frame unoccupied and curpage is hot enough to migrate in
		// without a swap.
		cur := u.readBlock(u.fmPort, u.fmLocal(curBlockAddr), true)
		u.writeBlock(u.nmPort, u.nmLocal(nmBlockAddr), cur, false)
		ent.hotpos = curpos
		ent.reset(curpos - 1)
		u.Stats.Migrations++
		pkt.Addr = u.nmLocal(nmAddr)
		u.send(u.nmPort, pkt)
		return
	}

	ent.inc(curpos - 1)
	ent.dec(ent.hotpos - 1)
	if ent.counters[curpos-1] <= ent.counters[ent.hotpos-1] {
		// F4: curpage didn't get hot enough to evict the incumbent.
		pkt.Addr = u.fmLocal(addr)
		u.send(u.fmPort, pkt)
		return
	}

	// F5a/F5b/F5c: curpage displaces the current hot occupant.
	cur := u.readBlock(u.fmPort, u.fmLocal(curBlockAddr), true)
	hotposFMBlockAddr := u.FMStart + uint64(ent.hotpos-1)*u.NMSize + index*b

	switch {
	case !ent.tag:
		// F5a: plain 2-page swap, hotpos's FM slot was never displaced.
		hot := u.readBlock(u.nmPort, u.nmLocal(nmBlockAddr), false)
		u.writeBlock(u.fmPort, u.fmLocal(hotposFMBlockAddr), hot, true)
	case ent.hotpos == u.Ratio+1:
		// F5b: the NM-resident logical page itself is being evicted; its
		// content lands in curpage's FM slot since it has no FM home.
		hot := u.readBlock(u.nmPort, u.nmLocal(nmBlockAddr), false)
		u.writeBlock(u.fmPort, u.fmLocal(curBlockAddr), hot, true)
	default:
		// F5c: a third FM page (tagpage) is already parked at hotpos's
		// FM slot; it must move back to curpage's slot before the NM
		// occupant can move out to its own FM home.
		tagPage := u.readBlock(u.fmPort, u.fmLocal(hotposFMBlockAddr), true)
		u.writeBlock(u.fmPort, u.fmLocal(curBlockAddr), tagPage, true)
		hot := u.readBlock(u.nmPort, u.nmLocal(nmBlockAddr), false)
		u.writeBlock(u.fmPort, u.fmLocal(hotposFMBlockAddr), hot, true)
	}

	u.writeBlock(u.nmPort, u.nmLocal(nmBlockAddr), cur, false)
	ent.hotpos = curpos
	ent.reset(curpos - 1)
	u.Stats.Migrations++
	pkt.Addr = u.nmLocal(nmAddr)
	u.send(u.nmPort, pkt)
}

// handleNMRequest implements decision tree N1-N6 (spec table, §4.1).
func (u *UMC) handleNMRequest(pkt *D.Packet) {
	addr := pkt.Addr
	b := uint64(u.BlockSize)
	index := (addr - u.NMStart) / b
	curpos := u.Ratio + 1 // the NM frame's own position, generalized (not hardcoded 5)

	ent := &u.table[index]
	nmBlockAddr := u.NMStart + index*b

	if ent.hotpos == 0 {
		// N1
		ent.hotpos = curpos
		ent.tag = true
		ent.reset(curpos - 1)
		pkt.Addr = u.nmLocal(addr)
		u.send(u.nmPort, pkt)
		return
	}

	if ent.hotpos == curpos {
		// N2
		ent.inc(curpos - 1)
		pkt.Addr = u.nmLocal(addr)
		u.send(u.nmPort, pkt)
		return
	}

	fmAddr := u.FMStart + uint64(ent.hotpos-1)*u.NMSize + (addr - u.NMStart)
	fmBlockAddr := u.FMStart + uint64(ent.hotpos-1)*u.NMSize + index*b

	if !ent.tag {
		if pkt.Cmd == D.Read {
			// N3: the logical NM content was displaced and never written
			// back; reading it now is a workload contract violation.
			panic(D.NewError(D.ReadUndefined, addr))
		}
		// N4
		pkt.Addr = u.fmLocal(fmAddr)
		ent.tag = true
		ent.inc(curpos - 1)
		ent.dec(ent.hotpos - 1)
		u.send(u.fmPort, pkt)
		return
	}

	ent.inc(curpos - 1)
	ent.dec(ent.hotpos - 1)
	if ent.counters[curpos-1] <= ent.counters[ent.hotpos-1] {
		// N5
		pkt.Addr = u.fmLocal(fmAddr)
		u.send(u.fmPort, pkt)
		return
	}

	// N6: 3-swap restoring the NM logical page to residence.
	tagPage := u.readBlock(u.fmPort, u.fmLocal(fmBlockAddr), true)
	hot := u.readBlock(u.nmPort, u.nmLocal(nmBlockAddr), false)
	u.writeBlock(u.fmPort, u.fmLocal(fmBlockAddr), hot, true)
	u.writeBlock(u.nmPort, u.nmLocal(nmBlockAddr), tagPage, false)
	ent.hotpos = curpos
	ent.reset(curpos - 1)
	u.Stats.Migrations++
	pkt.Addr = u.nmLocal(addr)
	u.send(u.nmPort, pkt)
}

// readBlock/writeBlock issue one functional (synchronous, tick-less)
// whole-block access on behalf of the swap machinery, charging the
// extra-traffic counters the cost model sums in Stats.ExtraLatency.
func (u *UMC) readBlock(p *port.MemPort, localAddr uint64, isFM bool) []byte {
	pkt := D.NewPacket(localAddr, u.BlockSize, D.Read, nil, 0)
	p.SendFunctional(pkt)
	if isFM {
		u.Stats.FMReads++
	} else {
		u.Stats.NMReads++
	}
	return pkt.Payload
}

func (u *UMC) writeBlock(p *port.MemPort, localAddr uint64, data []byte, isFM bool) {
	pkt := D.NewPacket(localAddr, u.BlockSize, D.Write, data, 0)
	p.SendFunctional(pkt)
	if isFM {
		u.Stats.FMWrites++
	} else {
		u.Stats.NMWrites++
	}
}

// send forwards pkt on the timing path and, since both backing tiers
// complete a TimingReq synchronously, folds straight into HandleResponse.
// A port that is genuinely backed up (composed-controller topology) is
// left blocked for its owning CPU port's retry.
func (u *UMC) send(p *port.MemPort, pkt *D.Packet) {
	if !p.SendTimingReq(pkt) {
		if u.waitingPort >= 0 && u.waitingPort < len(u.cpuPorts) {
			u.cpuPorts[u.waitingPort].MarkRetry()
		}
		return
	}
	u.HandleResponse(pkt)
}

// HandleResponse recombines a completed child and, once every child of
// the original packet has completed, delivers the response upstream and
// unblocks the controller.
func (u *UMC) HandleResponse(pkt *D.Packet) bool {
	parent, sourcePort, done := u.Recombine(pkt)
	if !done {
		return true
	}

	resp := parent.NewResponse()
	u.SetBlocked(false)
	u.waitingPort = -1

	if sourcePort >= 0 && sourcePort < len(u.cpuPorts) {
		u.cpuPorts[sourcePort].SendResponse(resp)
	}
	for _, p := range u.cpuPorts {
		p.TrySendRetry()
	}
	return true
}

// HandleFunctional performs a synchronous, swap-free access: only the
// current remap state is consulted to rewrite the address, never
// updated.
func (u *UMC) HandleFunctional(pkt *D.Packet) {
	for _, child := range u.Split(pkt, -1) {
		u.handlePageFunctional(child)
		u.Recombine(child)
	}
}

func (u *UMC) handlePageFunctional(pkt *D.Packet) {
	addr := pkt.Addr
	b := uint64(u.BlockSize)

	if u.inFM(addr) {
		framesPerTier := u.NMSize / b
		rel := addr - u.FMStart
		pageNum := rel / b
		index := pageNum % framesPerTier
		curpos := int(pageNum/framesPerTier) + 1
		ent := &u.table[index]

		if curpos == ent.hotpos {
			curBlockAddr := u.FMStart + pageNum*b
			nmBlockAddr := u.NMStart + index*b
			pkt.Addr = u.nmLocal(nmBlockAddr + (addr - curBlockAddr))
			u.nmPort.SendFunctional(pkt)
		} else {
			pkt.Addr = u.fmLocal(addr)
			u.fmPort.SendFunctional(pkt)
		}
		return
	}

	index := (addr - u.NMStart) / b
	ent := &u.table[index]
	if ent.hotpos != u.Ratio+1 && ent.hotpos != 0 {
		fmAddr := u.FMStart + uint64(ent.hotpos-1)*u.NMSize + (addr - u.NMStart)
		pkt.Addr = u.fmLocal(fmAddr)
		u.fmPort.SendFunctional(pkt)
	} else {
		pkt.Addr = u.nmLocal(addr)
		u.nmPort.SendFunctional(pkt)
	}
}

// Built collects every UMC instance created from a config file, the way
// a demo harness walks the teacher's device list after LoadConfigFile.
var Built []*UMC

func init() {
	configparser.RegisterPolicy("umc", createFromConfig)
}

// createFromConfig builds a UMC from nearmem/farmem/ratio/blocksize
// config options, allocating fresh BackingStore tiers sized from them.
func createFromConfig(name string, opts []configparser.Option) error {
	nmSizeStr, ok := configparser.Find(opts, "nearmem")
	if !ok {
		return fmt.Errorf("umc: missing nearmem option")
	}
	fmSizeStr, ok := configparser.Find(opts, "farmem")
	if !ok {
		return fmt.Errorf("umc: missing farmem option")
	}
	nmSize, err := configparser.ParseSize(nmSizeStr)
	if err != nil {
		return fmt.Errorf("umc: nearmem: %w", err)
	}
	fmSize, err := configparser.ParseSize(fmSizeStr)
	if err != nil {
		return fmt.Errorf("umc: farmem: %w", err)
	}

	blockSize := uint32(1024)
	if bs, ok := configparser.Find(opts, "blocksize"); ok {
		v, err := configparser.ParseSize(bs)
		if err != nil {
			return fmt.Errorf("umc: blocksize: %w", err)
		}
		blockSize = uint32(v)
	}

	nmDev := memory.New("nearmem", uint32(nmSize))
	fmDev := memory.New("farmem", uint32(fmSize))

	u, err := New(Config{
		BlockSize: blockSize,
		NMStart:   0,
		NMSize:    nmSize,
		FMStart:   nmSize,
		FMSize:    fmSize,
		NMDevice:  nmDev,
		FMDevice:  fmDev,
		Tiers:     stats.DefaultTiers(),
	})
	if err != nil {
		return err
	}
	Built = append(Built, u)
	return nil
}
