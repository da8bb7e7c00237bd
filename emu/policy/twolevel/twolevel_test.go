/*
hum - TwoLevel cache test cases.

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
	"testing"

	D "github.com/hum-sim/hum/emu/device"
	"github.com/hum-sim/hum/emu/memory"
)

type fakeRetryer struct{ retries int }

func (f *fakeRetryer) RetryReq(portID int) { f.retries++ }

type fakeUpstream struct{ resp *D.Packet }

func (f *fakeUpstream) RecvTimingResp(pkt *D.Packet) bool {
	f.resp = pkt
	return true
}

func newTestCache(t *testing.T) (*TwoLevel, int, *fakeUpstream) {
	t.Helper()
	dev := memory.New("mem", 16*1024)
	tl := New(Config{BlockSize: 1024, Capacity: 4, MemDevice: dev})
	up := &fakeUpstream{}
	port0 := tl.AddCPUPort(&fakeRetryer{}, up)
	return tl, port0, up
}

func TestTwoLevelMissThenHit(t *testing.T) {
	tl, port0, up := newTestCache(t)

	addr := uint64(5 * 1024)
	rd := D.NewPacket(addr, 8, D.Read, nil, 0)
	if !tl.HandleRequest(rd, port0) {
		t.Fatalf("HandleRequest rejected on cold miss")
	}
	if up.resp == nil {
		t.Fatalf("no response delivered after miss")
	}
	if tl.Misses != 1 || tl.Hits != 0 {
		t.Errorf("got hits=%d misses=%d want hits=0 misses=1", tl.Hits, tl.Misses)
	}

	up.resp = nil
	rd2 := D.NewPacket(addr, 8, D.Read, nil, 0)
	if !tl.HandleRequest(rd2, port0) {
		t.Fatalf("HandleRequest rejected on repeat access")
	}
	if up.resp == nil {
		t.Fatalf("no response delivered on hit")
	}
	if tl.Hits != 1 {
		t.Errorf("hits got: %d want: 1", tl.Hits)
	}
}

func TestTwoLevelWriteBackOnEviction(t *testing.T) {
	tl, port0, _ := newTestCache(t)

	// Lines alias every Capacity (4) blocks apart.
	first := uint64(1 * 1024)
	aliased := uint64(1*1024 + 4*1024)

	wr := D.NewPacket(first, 8, D.Write, []byte{9, 9, 9, 9, 9, 9, 9, 9}, 0)
	if !tl.HandleRequest(wr, port0) {
		t.Fatalf("HandleRequest rejected on write miss")
	}
	idx, _ := tl.index(first)
	if !tl.tags[idx].dirty {
		t.Fatalf("expected line dirty after write")
	}

	rd := D.NewPacket(aliased, 8, D.Read, nil, 0)
	if !tl.HandleRequest(rd, port0) {
		t.Fatalf("HandleRequest rejected on aliasing miss")
	}
	if tl.tags[idx].dirty {
		t.Errorf("expected dirty cleared after fresh install")
	}

	verify := D.NewPacket(first, 8, D.Read, nil, 0)
	tl.memPort.SendFunctional(verify)
	want := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	for i := range want {
		if verify.Payload[i] != want[i] {
			t.Fatalf("writeback payload got: %v want: %v", verify.Payload, want)
		}
	}
}

func TestTwoLevelFunctionalMissPassesThrough(t *testing.T) {
	tl, _, _ := newTestCache(t)

	addr := uint64(2 * 1024)
	pkt := D.NewPacket(addr, 8, D.Read, nil, 0)
	tl.HandleFunctional(pkt)

	if tl.Hits != 0 || tl.Misses != 0 {
		t.Errorf("HandleFunctional must not affect Hits/Misses, got hits=%d misses=%d", tl.Hits, tl.Misses)
	}
}
