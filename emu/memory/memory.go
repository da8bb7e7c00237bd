/*
hum - Low level backing memory for a near- or far-memory tier.

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
package memory

import (
	D "github.com/hum-sim/hum/emu/device"
)

// BackingStore is a constructible NM or FM device. The teacher's
// emu/memory package was a single package-level singleton (fine for one
// CPU's real storage); HUM needs one independent instance per tier per
// controller plus a shared instance for demo harnesses, so this is
// regeneralized into a type implementing device.Device.
type BackingStore struct {
	mem  []byte
	size uint32
	name string
}

// New allocates a BackingStore of sizeBytes.
func New(name string, sizeBytes uint32) *BackingStore {
	return &BackingStore{
		mem:  make([]byte, sizeBytes),
		size: sizeBytes,
		name: name,
	}
}

// Name identifies the tier this store backs, for logging.
func (b *BackingStore) Name() string {
	return b.name
}

// Size returns the store's capacity in bytes.
func (b *BackingStore) Size() uint32 {
	return b.size
}

// CheckAddr reports whether addr falls within this store.
func (b *BackingStore) CheckAddr(addr uint64) bool {
	return addr < uint64(b.size)
}

// TimingReq services pkt synchronously and always accepts: a HUM backing
// device has no internal latency of its own, all latency is applied by
// the cost model sitting in front of it (spec §4.4). It is still offered
// through the TimingReq/Functional split so BackingStore satisfies
// device.Device and a MemPort can treat it like any other downstream
// device.
func (b *BackingStore) TimingReq(pkt *D.Packet) bool {
	b.Functional(pkt)
	return true
}

// Functional performs an immediate read or write with no timing side
// effects, the path the policy engines' swap machinery relies on.
func (b *BackingStore) Functional(pkt *D.Packet) {
	end := pkt.Addr + uint64(pkt.Size)
	if end > uint64(b.size) {
		panic(D.NewError(D.SpanTooLarge, pkt.Addr))
	}

	switch pkt.Cmd {
	case D.Read:
		copy(pkt.Payload, b.mem[pkt.Addr:end])
	case D.Write:
		if uint32(len(pkt.Payload)) < pkt.Size {
			panic(D.ErrShortPayload)
		}
		copy(b.mem[pkt.Addr:end], pkt.Payload)
	default:
		panic(D.NewError(D.UnknownCmd, pkt.Addr))
	}
}

// RangeChange is a no-op: BackingStore has no child ports to notify, it
// is always the bottom of the tree.
func (b *BackingStore) RangeChange() {}
