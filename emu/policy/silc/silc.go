/*
hum - SILC: 4-way sub-block-granularity remap policy with a global
bit-vector history table.

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
package silc

import (
	"fmt"

	"github.com/hum-sim/hum/config/configparser"
	"github.com/hum-sim/hum/emu/controller"
	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
	"github.com/hum-sim/hum/emu/port"
	"github.com/hum-sim/hum/emu/stats"
)

const subBlocksPerPage = 32

// agingPeriod is the number of accepted requests between global aging
// ticks: every counter is halved and every lock cleared.
const agingPeriod = 1_000_000

// historyCap bounds the bit-vector history table; entries past this are
// dropped rather than evicting an older one.
const historyCap = 10_240

// entry is one NM frame's SILC remap state. remap==0 means the frame
// holds its own identity content; frames are grouped 4-way into sets of
// 4 contiguous indices for FM-side lookup.
type entry struct {
	lock      bool
	bvtIndex  uint64
	remap     uint64 // FM page base address, 0 = identity
	lru       uint64
	nmCounter uint8 // 6-bit saturating, cap 63
	fmCounter uint8
	bitvector uint32 // one bit per 64B sub-block
}

func satInc6(v uint8) uint8 {
	if v < 63 {
		v++
	}
	return v
}

// history is the global bit-vector history table keyed by PC^page_addr,
// consulted when a page is re-installed after eviction so previously hot
// sub-blocks can be primed back in immediately.
type history struct {
	entries map[uint64]uint32
	max     int
}

func newHistory(max int) *history {
	return &history{entries: make(map[uint64]uint32), max: max}
}

func (h *history) lookup(key uint64) (uint32, bool) {
	bv, ok := h.entries[key]
	return bv, ok
}

func (h *history) insert(key uint64, bv uint32) {
	if key == 0 {
		return
	}
	if _, exists := h.entries[key]; !exists && len(h.entries) >= h.max {
		return
	}
	h.entries[key] = bv
}

// Config describes the address geometry and backing devices a SILC
// controller sits in front of. NMSize/BlockSize must be a multiple of 4
// (the 4-way set size).
type Config struct {
	BlockSize          uint32
	SubBlockSize       uint32
	NMStart, NMSize    uint64
	FMStart, FMSize    uint64
	NMDevice, FMDevice D.Device
	Tiers              stats.Tiers
}

// SILC is the sub-block-granularity remap-and-migration policy engine.
type SILC struct {
	*controller.Controller

	NMStart, NMSize uint64
	FMStart, FMSize uint64
	SubBlockSize    uint32

	table []entry
	hist  *history

	accesses uint64 // since last aging tick
	tick     uint64 // strictly monotonic, never reset by aging

	fmPort *port.MemPort
	nmPort *port.MemPort

	cpuPorts    []*port.CPUPort
	waitingPort int

	Stats *stats.Stats
}

// New builds a SILC controller.
func New(cfg Config) (*SILC, error) {
	if cfg.NMSize == 0 || cfg.FMSize%cfg.NMSize != 0 {
		return nil, fmt.Errorf("silc: farmem size %d is not a multiple of nearmem size %d", cfg.FMSize, cfg.NMSize)
	}
	entries := cfg.NMSize / uint64(cfg.BlockSize)
	if entries%4 != 0 {
		return nil, fmt.Errorf("silc: nearmem holds %d frames, not a multiple of the 4-way set size", entries)
	}

	s := &SILC{
		Controller:   controller.NewController(cfg.BlockSize),
		NMStart:      cfg.NMStart,
		NMSize:       cfg.NMSize,
		FMStart:      cfg.FMStart,
		FMSize:       cfg.FMSize,
		SubBlockSize: cfg.SubBlockSize,
		table:        make([]entry, entries),
		hist:         newHistory(historyCap),
		nmPort:       port.NewMemPort(0, cfg.NMDevice),
		fmPort:       port.NewMemPort(1, cfg.FMDevice),
		waitingPort:  -1,
		Stats:        stats.New(cfg.BlockSize, cfg.Tiers),
	}
	return s, nil
}

// AddCPUPort registers a new upstream requester, returning the portID to
// pass to HandleRequest on its behalf.
func (s *SILC) AddCPUPort(owner port.Retryer, upstream port.ResponseReceiver) int {
	id := len(s.cpuPorts)
	s.cpuPorts = append(s.cpuPorts, port.NewCPUPort(id, owner, upstream))
	return id
}

func (s *SILC) inFM(addr uint64) bool { return addr >= s.FMStart && addr < s.FMStart+s.FMSize }
func (s *SILC) inNM(addr uint64) bool { return addr >= s.NMStart && addr < s.NMStart+s.NMSize }

func (s *SILC) fmLocal(addr uint64) uint64 { return addr - s.FMStart }
func (s *SILC) nmLocal(addr uint64) uint64 { return addr - s.NMStart }

// agingTick counts one accepted request toward the global aging period
// and advances the LRU clock. accesses resets every agingPeriod so every
// counter can be halved on a common schedule; tick never resets, so
// lruinfo stays ordered correctly across an aging boundary.
func (s *SILC) agingTick() {
	s.accesses++
	s.tick++
	if s.accesses < agingPeriod {
		return
	}
	s.accesses = 0
	for i := range s.table {
		s.table[i].nmCounter >>= 1
		s.table[i].fmCounter >>= 1
		s.table[i].lock = false
	}
	s.Stats.AgingResets++
}

// HandleRequest accepts one CPU-side timing request, splitting it across
// block boundaries if needed.
func (s *SILC) HandleRequest(pkt *D.Packet, portID int) bool {
	if s.Blocked() {
		if portID >= 0 && portID < len(s.cpuPorts) {
			s.cpuPorts[portID].MarkRetry()
		}
		return false
	}
	s.SetBlocked(true)
	s.waitingPort = portID

	for _, child := range s.Split(pkt, portID) {
		s.agingTick()
		s.handlePageRequest(child)
	}
	return true
}

func (s *SILC) handlePageRequest(pkt *D.Packet) {
	switch {
	case s.inNM(pkt.Addr):
		s.handleNMAccess(pkt)
	case s.inFM(pkt.Addr):
		s.handleFMAccess(pkt)
	default:
		panic(fmt.Errorf("silc: addr %#x outside configured NM/FM ranges", pkt.Addr))
	}
}

func (s *SILC) frameIndex(addr uint64) uint64 {
	return (addr - s.NMStart) / uint64(s.BlockSize)
}

func (s *SILC) subblock(addr uint64) int {
	return int((addr % uint64(s.BlockSize)) / uint64(s.SubBlockSize))
}

// handleNMAccess implements the NM-address decision tree (spec §4.2).
func (s *SILC) handleNMAccess(pkt *D.Packet) {
	addr := pkt.Addr
	index := s.frameIndex(addr)
	e := &s.table[index]

	if e.remap == 0 {
		pkt.Addr = s.nmLocal(addr)
		old := e.nmCounter
		e.nmCounter = satInc6(e.nmCounter)
		if old < 60 && e.nmCounter >= 60 && !e.lock {
			e.lock = true
		}
		e.lru = s.tick
		s.send(s.nmPort, pkt)
		return
	}

	offset := addr % uint64(s.BlockSize)
	subblk := s.subblock(addr)

	if e.lock {
		pkt.Addr = s.fmLocal(e.remap + offset)
		e.nmCounter = satInc6(e.nmCounter)
		e.lru = s.tick
		s.send(s.fmPort, pkt)
		return
	}

	if e.bitvector&(1<<uint(subblk)) != 0 {
		s.swapSubblk(s.NMStart+index*uint64(s.BlockSize)+uint64(subblk)*uint64(s.SubBlockSize),
			e.remap+uint64(subblk)*uint64(s.SubBlockSize))
		e.bitvector &^= 1 << uint(subblk)
	}

	pkt.Addr = s.nmLocal(addr)
	old := e.nmCounter
	e.nmCounter = satInc6(e.nmCounter)
	e.lru = s.tick
	if old < 60 && e.nmCounter >= 60 {
		s.finishNMLock(e, index)
	}
	s.send(s.nmPort, pkt)
}

// finishNMLock commits a partially-swapped frame fully back to NM
// identity: every remaining displaced sub-block is restored and the FM
// mapping is torn down.
func (s *SILC) finishNMLock(e *entry, index uint64) {
	for k := 0; k < subBlocksPerPage; k++ {
		if e.bitvector&(1<<uint(k)) != 0 {
			s.swapSubblk(s.NMStart+index*uint64(s.BlockSize)+uint64(k)*uint64(s.SubBlockSize),
				e.remap+uint64(k)*uint64(s.SubBlockSize))
			e.bitvector &^= 1 << uint(k)
		}
	}
	e.lock = true
	e.remap = 0
}

// finishFMLock commits a partially-swapped frame fully to FM residency:
// every remaining non-resident sub-block is pulled in.
func (s *SILC) finishFMLock(e *entry, index uint64) {
	for k := 0; k < subBlocksPerPage; k++ {
		if e.bitvector&(1<<uint(k)) == 0 {
			s.swapSubblk(s.NMStart+index*uint64(s.BlockSize)+uint64(k)*uint64(s.SubBlockSize),
				e.remap+uint64(k)*uint64(s.SubBlockSize))
			e.bitvector |= 1 << uint(k)
		}
	}
	e.lock = true
}

// handleFMAccess implements the FM-address decision tree (spec §4.2): a
// 4-way associative scan over the set this page's home index belongs to.
func (s *SILC) handleFMAccess(pkt *D.Packet) {
	addr := pkt.Addr
	b := uint64(s.BlockSize)
	framesPerTier := s.NMSize / b

	rel := addr - s.FMStart
	pageNum := rel / b
	homeIndex := pageNum % framesPerTier
	pageAddr := s.FMStart + pageNum*b
	offset := addr - pageAddr
	subblk := int(offset / uint64(s.SubBlockSize))

	setStart := 4 * (homeIndex / 4)

	match := -1
	for way := setStart; way < setStart+4; way++ {
		if s.table[way].remap == pageAddr {
			match = int(way)
			break
		}
	}

	if match >= 0 {
		e := &s.table[match]
		nmFrameAddr := s.NMStart + uint64(match)*b

		if e.lock {
			pkt.Addr = s.nmLocal(nmFrameAddr + offset)
			e.fmCounter = satInc6(e.fmCounter)
			e.lru = s.tick
			s.send(s.nmPort, pkt)
			return
		}

		if e.bitvector&(1<<uint(subblk)) == 0 {
			s.swapSubblk(nmFrameAddr+uint64(subblk)*uint64(s.SubBlockSize), pageAddr+uint64(subblk)*uint64(s.SubBlockSize))
			e.bitvector |= 1 << uint(subblk)
		}
		pkt.Addr = s.nmLocal(nmFrameAddr + offset)
		old := e.fmCounter
		e.fmCounter = satInc6(e.fmCounter)
		e.lru = s.tick
		if old < 60 && e.fmCounter >= 60 {
			s.finishFMLock(e, uint64(match))
		}
		s.send(s.nmPort, pkt)
		return
	}

	// No match: pick an unlocked victim with the oldest lruinfo.
	victim := -1
	for way := setStart; way < setStart+4; way++ {
		if s.table[way].lock {
			continue
		}
		if victim == -1 || s.table[way].lru < s.table[victim].lru {
			victim = int(way)
		}
	}

	if victim == -1 {
		// All 4 ways locked: no room to install a mapping, fall through
		// to FM directly.
		pkt.Addr = s.fmLocal(addr)
		s.send(s.fmPort, pkt)
		return
	}

	e := &s.table[victim]
	oldBvtIndex, oldBitvector, oldRemap := e.bvtIndex, e.bitvector, e.remap
	s.evictAndRestore(e, uint64(victim))

	if oldBvtIndex != 0 && oldRemap != 0 {
		s.hist.insert(oldBvtIndex, oldBitvector)
	}

	newBvt := pkt.PC ^ pageAddr
	e.bvtIndex = newBvt
	e.lock = false
	e.remap = pageAddr
	e.nmCounter = 0
	e.fmCounter = 0
	e.bitvector = 0
	e.lru = s.tick

	if bv, ok := s.hist.lookup(newBvt); ok {
		s.primeFromHistory(e, uint64(victim), bv)
	}

	nmFrameAddr := s.NMStart + uint64(victim)*b
	if e.bitvector&(1<<uint(subblk)) == 0 {
		s.swapSubblk(nmFrameAddr+uint64(subblk)*uint64(s.SubBlockSize), pageAddr+uint64(subblk)*uint64(s.SubBlockSize))
		e.bitvector |= 1 << uint(subblk)
	}
	pkt.Addr = s.nmLocal(nmFrameAddr + offset)
	e.fmCounter = satInc6(e.fmCounter)
	s.send(s.nmPort, pkt)
}

// evictAndRestore restores every sub-block a victim frame currently
// holds on behalf of its old FM mapping, leaving it at NM identity.
func (s *SILC) evictAndRestore(e *entry, index uint64) {
	for k := 0; k < subBlocksPerPage; k++ {
		if e.bitvector&(1<<uint(k)) != 0 {
			s.swapSubblk(s.NMStart+index*uint64(s.BlockSize)+uint64(k)*uint64(s.SubBlockSize),
				e.remap+uint64(k)*uint64(s.SubBlockSize))
			e.bitvector &^= 1 << uint(k)
		}
	}
}

// primeFromHistory swaps in every sub-block the history table recorded
// as hot for this bvt_index the last time this mapping was evicted.
func (s *SILC) primeFromHistory(e *entry, index uint64, bv uint32) {
	for k := 0; k < subBlocksPerPage; k++ {
		if bv&(1<<uint(k)) != 0 {
			s.swapSubblk(s.NMStart+index*uint64(s.BlockSize)+uint64(k)*uint64(s.SubBlockSize),
				e.remap+uint64(k)*uint64(s.SubBlockSize))
			e.bitvector |= 1 << uint(k)
		}
	}
}

// swapSubblk exchanges the physical contents of one NM sub-block and one
// FM sub-block: read both, then cross-write them. Four functional
// accesses, charged against whichever of fm_reads/fm_writes/nm_reads/
// nm_writes each one belongs to.
func (s *SILC) swapSubblk(nmAddr, fmAddr uint64) {
	nmData := s.readSub(s.nmPort, s.nmLocal(nmAddr), false)
	fmData := s.readSub(s.fmPort, s.fmLocal(fmAddr), true)
	s.writeSub(s.fmPort, s.fmLocal(fmAddr), nmData, true)
	s.writeSub(s.nmPort, s.nmLocal(nmAddr), fmData, false)
	s.Stats.Swaps++
}

func (s *SILC) readSub(p *port.MemPort, localAddr uint64, isFM bool) []byte {
	pkt := D.NewPacket(localAddr, s.SubBlockSize, D.Read, nil, 0)
	p.SendFunctional(pkt)
	if isFM {
		s.Stats.FMReads++
	} else {
		s.Stats.NMReads++
	}
	return pkt.Payload
}

func (s *SILC) writeSub(p *port.MemPort, localAddr uint64, data []byte, isFM bool) {
	pkt := D.NewPacket(localAddr, s.SubBlockSize, D.Write, data, 0)
	p.SendFunctional(pkt)
	if isFM {
		s.Stats.FMWrites++
	} else {
		s.Stats.NMWrites++
	}
}

// send forwards pkt on the timing path and, since both backing tiers
// complete a TimingReq synchronously, folds straight into HandleResponse.
func (s *SILC) send(p *port.MemPort, pkt *D.Packet) {
	if !p.SendTimingReq(pkt) {
		if s.waitingPort >= 0 && s.waitingPort < len(s.cpuPorts) {
			s.cpuPorts[s.waitingPort].MarkRetry()
		}
		return
	}
	s.HandleResponse(pkt)
}

// HandleResponse recombines a completed child and, once every child of
// the original packet has completed, delivers the response upstream.
func (s *SILC) HandleResponse(pkt *D.Packet) bool {
	parent, sourcePort, done := s.Recombine(pkt)
	if !done {
		return true
	}

	resp := parent.NewResponse()
	s.SetBlocked(false)
	s.waitingPort = -1

	if sourcePort >= 0 && sourcePort < len(s.cpuPorts) {
		s.cpuPorts[sourcePort].SendResponse(resp)
	}
	for _, p := range s.cpuPorts {
		p.TrySendRetry()
	}
	return true
}

// HandleFunctional performs a synchronous, swap-free access: only the
// current remap state is consulted to rewrite the address.
func (s *SILC) HandleFunctional(pkt *D.Packet) {
	for _, child := range s.Split(pkt, -1) {
		s.handlePageFunctional(child)
		s.Recombine(child)
	}
}

func (s *SILC) handlePageFunctional(pkt *D.Packet) {
	addr := pkt.Addr
	b := uint64(s.BlockSize)

	if s.inNM(addr) {
		index := s.frameIndex(addr)
		e := &s.table[index]
		if e.remap != 0 {
			subblk := s.subblock(addr)
			if e.bitvector&(1<<uint(subblk)) != 0 {
				offset := addr % b
				pkt.Addr = s.fmLocal(e.remap + offset)
				s.fmPort.SendFunctional(pkt)
				return
			}
		}
		pkt.Addr = s.nmLocal(addr)
		s.nmPort.SendFunctional(pkt)
		return
	}

	framesPerTier := s.NMSize / b
	rel := addr - s.FMStart
	pageNum := rel / b
	homeIndex := pageNum % framesPerTier
	pageAddr := s.FMStart + pageNum*b
	offset := addr - pageAddr
	subblk := int(offset / uint64(s.SubBlockSize))
	setStart := 4 * (homeIndex / 4)

	for way := setStart; way < setStart+4; way++ {
		e := &s.table[way]
		if e.remap != pageAddr {
			continue
		}
		if e.bitvector&(1<<uint(subblk)) != 0 {
			pkt.Addr = s.nmLocal(s.NMStart + way*b + offset)
			s.nmPort.SendFunctional(pkt)
			return
		}
		break
	}
	pkt.Addr = s.fmLocal(addr)
	s.fmPort.SendFunctional(pkt)
}

// Built collects every SILC instance created from a config file.
var Built []*SILC

func init() {
	configparser.RegisterPolicy("silc", createFromConfig)
}

func createFromConfig(name string, opts []configparser.Option) error {
	nmSizeStr, ok := configparser.Find(opts, "nearmem")
	if !ok {
		return fmt.Errorf("silc: missing nearmem option")
	}
	fmSizeStr, ok := configparser.Find(opts, "farmem")
	if !ok {
		return fmt.Errorf("silc: missing farmem option")
	}
	nmSize, err := configparser.ParseSize(nmSizeStr)
	if err != nil {
		return fmt.Errorf("silc: nearmem: %w", err)
	}
	fmSize, err := configparser.ParseSize(fmSizeStr)
	if err != nil {
		return fmt.Errorf("silc: farmem: %w", err)
	}

	blockSize := uint32(2048)
	if bs, ok := configparser.Find(opts, "blocksize"); ok {
		v, err := configparser.ParseSize(bs)
		if err != nil {
			return fmt.Errorf("silc: blocksize: %w", err)
		}
		blockSize = uint32(v)
	}
	subBlockSize := uint32(64)
	if sb, ok := configparser.Find(opts, "subblocksize"); ok {
		v, err := configparser.ParseSize(sb)
		if err != nil {
			return fmt.Errorf("silc: subblocksize: %w", err)
		}
		subBlockSize = uint32(v)
	}

	nmDev := memory.New("nearmem", uint32(nmSize))
	fmDev := memory.New("farmem", uint32(fmSize))

	s, err := New(Config{
		BlockSize:    blockSize,
		SubBlockSize: subBlockSize,
		NMStart:      0,
		NMSize:       nmSize,
		FMStart:      nmSize,
		FMSize:       fmSize,
		NMDevice:     nmDev,
		FMDevice:     fmDev,
		Tiers:        stats.DefaultTiers(),
	})
	if err != nil {
		return err
	}
	Built = append(Built, s)
	return nil
}
