/*
hum - Cost model and access counters, the Go rendering of the teacher's
regStats()-style scalars.

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
package stats

// Tiers holds the per-tier fixed latency and bandwidth the cost model
// charges for swap/migration-issued accesses. Defaults match the gem5
// hum controllers' hard-coded constants; tests may substitute other
// values.
type Tiers struct {
	FMReadLatency  uint64 // ticks
	FMWriteLatency uint64
	NMReadLatency  uint64
	NMWriteLatency uint64
	FMBandwidth    uint64 // ticks/byte
	NMBandwidth    uint64
}

// DefaultTiers reproduces umcontroller.cc's fm_bandwidth=30,
// nm_bandwidth=13, fm_readLatency=3511, fm_writeLatency=13026,
// nm_readLatency=2202, nm_writeLatency=1313.
func DefaultTiers() Tiers {
	return Tiers{
		FMReadLatency:  3511,
		FMWriteLatency: 13026,
		NMReadLatency:  2202,
		NMWriteLatency: 1313,
		FMBandwidth:    30,
		NMBandwidth:    13,
	}
}

// Stats accumulates the counters both UMC and SILC report. Migrations
// counts full page migrations/swaps; Swaps additionally counts SILC's
// finer-grained sub-block swaps. AgingResets is counted by SILC only and
// stays zero for UMC; no policy engine increments Queries.
type Stats struct {
	Tiers Tiers

	Migrations  uint64
	FMReads     uint64
	FMWrites    uint64
	NMReads     uint64
	NMWrites    uint64
	AgingResets uint64
	Swaps       uint64
	Queries     uint64

	blockSize uint64
}

// New builds a Stats accumulator charging blockSize bytes per swap
// access under the given tier constants.
func New(blockSize uint32, tiers Tiers) *Stats {
	return &Stats{Tiers: tiers, blockSize: uint64(blockSize)}
}

// ExtraLatency computes spec §4.4's cost-model formula: the sum, over
// every swap/migration-issued access, of (blockSize*bandwidth + fixed
// latency) for that access's tier and direction. Ordinary pass-through
// accesses are not counted — only the extra traffic the remap policy
// itself generated.
func (s *Stats) ExtraLatency() uint64 {
	return s.FMReads*(s.blockSize*s.Tiers.FMBandwidth+s.Tiers.FMReadLatency) +
		s.FMWrites*(s.blockSize*s.Tiers.FMBandwidth+s.Tiers.FMWriteLatency) +
		s.NMReads*(s.blockSize*s.Tiers.NMBandwidth+s.Tiers.NMReadLatency) +
		s.NMWrites*(s.blockSize*s.Tiers.NMBandwidth+s.Tiers.NMWriteLatency)
}
