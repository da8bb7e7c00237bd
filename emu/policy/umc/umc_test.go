/*
hum - UMC policy engine test cases.

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
	"testing"

	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
	"github.com/hum-sim/hum/emu/stats"
)

type fakeRetryer struct{ retries int }

func (f *fakeRetryer) RetryReq(portID int) { f.retries++ }

type fakeUpstream struct{ resp *D.Packet }

func (f *fakeUpstream) RecvTimingResp(pkt *D.Packet) bool {
	f.resp = pkt
	return true
}

func newTestUMC(t *testing.T) (*UMC, int, *fakeUpstream) {
	t.Helper()
	nm := memory.New("nm", 4096)
	fm := memory.New("fm", 16384)
	u, err := New(Config{
		BlockSize: 1024,
		NMStart:   0,
		NMSize:    4096,
		FMStart:   4096,
		FMSize:    16384,
		NMDevice:  nm,
		FMDevice:  fm,
		Tiers:     stats.DefaultTiers(),
	})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	up := &fakeUpstream{}
	port0 := u.AddCPUPort(&fakeRetryer{}, up)
	return u, port0, up
}

// UMC-A: cold read of FM page p=5 (index=1, curpos=2): expect F2, forward
// to FM, counters[1][1]=1, hotpos stays 0, no swaps.
func TestUMCColdReadTakesF2(t *testing.T) {
	u, port0, up := newTestUMC(t)

	addr := u.FMStart + 5*1024
	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
	if !u.HandleRequest(pkt, port0) {
		t.Fatalf("HandleRequest rejected when controller was idle")
	}
	if up.resp == nil {
		t.Fatalf("no response delivered upstream")
	}

	ent := u.table[1]
	if ent.hotpos != 0 {
		t.Errorf("hotpos got: %d want: 0", ent.hotpos)
	}
	if ent.counters[1] != 1 {
		t.Errorf("counters[1] got: %d want: 1", ent.counters[1])
	}
	if u.Stats.Migrations != 0 || u.Stats.FMReads != 0 || u.Stats.NMWrites != 0 {
		t.Errorf("expected no swap stats, got %+v", u.Stats)
	}
}

// UMC-B: 7 reads to the same FM page; the 7th crosses the migration
// threshold (F3). An 8th access to the same page then takes F1.
func TestUMCMigrationTrigger(t *testing.T) {
	u, port0, up := newTestUMC(t)
	addr := u.FMStart + 5*1024

	for i := 0; i < 7; i++ {
		pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
		if !u.HandleRequest(pkt, port0) {
			t.Fatalf("HandleRequest rejected on access %d", i)
		}
	}

	ent := u.table[1]
	if ent.hotpos != 2 {
		t.Fatalf("hotpos got: %d want: 2", ent.hotpos)
	}
	if ent.counters[1] != 8 {
		t.Errorf("counters[1] got: %d want: 8 (reset sentinel)", ent.counters[1])
	}
	for i, c := range ent.counters {
		if i != 1 && c != 0 {
			t.Errorf("counters[%d] got: %d want: 0 after reset", i, c)
		}
	}
	if u.Stats.FMReads != 1 || u.Stats.NMWrites != 1 || u.Stats.Migrations != 1 {
		t.Errorf("swap stats got: %+v want fmReads=1 nmWrites=1 migrations=1", u.Stats)
	}

	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
	if !u.HandleRequest(pkt, port0) {
		t.Fatalf("HandleRequest rejected on 8th access")
	}
	if up.resp == nil {
		t.Fatalf("no response delivered upstream on 8th access")
	}
	if u.Stats.Migrations != 1 {
		t.Errorf("8th access should take F1 with no additional migration, migrations=%d", u.Stats.Migrations)
	}
}

// UMC-C: hotpos=2, tag=1, R=4, hotpos != R+1; accessing curpos=3 with
// C>H drives the 3-page cycle (F5c).
func TestUMCThreePageCycle(t *testing.T) {
	u, port0, up := newTestUMC(t)

	const index = 2
	const curpos = 3
	framesPerTier := u.NMSize / uint64(u.BlockSize)
	pageNum := uint64(index) + framesPerTier*uint64(curpos-1)
	addr := u.FMStart + pageNum*uint64(u.BlockSize)

	ent := &u.table[index]
	ent.hotpos = 2
	ent.tag = true
	ent.counters[curpos-1] = 10
	ent.counters[ent.hotpos-1] = 1

	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
	if !u.HandleRequest(pkt, port0) {
		t.Fatalf("HandleRequest rejected")
	}
	if up.resp == nil {
		t.Fatalf("no response delivered upstream")
	}

	if u.Stats.FMReads != 2 {
		t.Errorf("fmReads got: %d want: 2", u.Stats.FMReads)
	}
	if u.Stats.FMWrites != 2 {
		t.Errorf("fmWrites got: %d want: 2", u.Stats.FMWrites)
	}
	if u.Stats.NMReads != 1 {
		t.Errorf("nmReads got: %d want: 1", u.Stats.NMReads)
	}
	if u.Stats.NMWrites != 1 {
		t.Errorf("nmWrites got: %d want: 1", u.Stats.NMWrites)
	}
	if u.Stats.Migrations != 1 {
		t.Errorf("migrations got: %d want: 1", u.Stats.Migrations)
	}

	if ent.hotpos != curpos {
		t.Errorf("hotpos got: %d want: %d", ent.hotpos, curpos)
	}
	if ent.counters[curpos-1] != 8 {
		t.Errorf("counters[curpos-1] got: %d want: 8", ent.counters[curpos-1])
	}
	for i, c := range ent.counters {
		if i != curpos-1 && c != 0 {
			t.Errorf("counters[%d] got: %d want: 0 after reset", i, c)
		}
	}
}

// N3 is a fatal invariant: reading NM logical content that was displaced
// and never written back.
func TestUMCReadUndefinedIsFatal(t *testing.T) {
	u, port0, _ := newTestUMC(t)

	const index = 0
	ent := &u.table[index]
	ent.hotpos = 1 // displaced by some FM page, tag=false means never written
	ent.tag = false

	addr := u.NMStart + uint64(index)*uint64(u.BlockSize)
	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("expected panic for read of undefined NM content")
		}
		cerr, ok := r.(*D.ControllerError)
		if !ok || cerr.Kind != D.ReadUndefined {
			t.Fatalf("expected ReadUndefined ControllerError, got %v", r)
		}
	}()
	u.HandleRequest(pkt, port0)
}

// A second request while one is outstanding must be rejected; the
// controller allows only one in flight at a time.
func TestUMCRejectsWhileBlocked(t *testing.T) {
	u, port0, _ := newTestUMC(t)
	u.SetBlocked(true)

	pkt := D.NewPacket(u.FMStart, 8, D.Read, nil, 0)
	if u.HandleRequest(pkt, port0) {
		t.Errorf("HandleRequest should reject while controller is blocked")
	}
}

// HandleFunctional never swaps or migrates, only rewrites the address
// per current remap state.
func TestUMCFunctionalNeverSwaps(t *testing.T) {
	u, _, _ := newTestUMC(t)

	const index = 1
	ent := &u.table[index]
	ent.hotpos = 2
	ent.counters[1] = 15 // would trigger F5* on the timing path

	pageNum := uint64(index) + (u.NMSize/uint64(u.BlockSize))*1 // curpos=2
	addr := u.FMStart + pageNum*uint64(u.BlockSize)

	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
	u.HandleFunctional(pkt)

	if u.Stats.Migrations != 0 || u.Stats.FMReads != 0 || u.Stats.NMWrites != 0 {
		t.Errorf("functional access must never swap, got %+v", u.Stats)
	}
	if ent.hotpos != 2 {
		t.Errorf("functional access must not mutate hotpos, got %d", ent.hotpos)
	}
}
