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
	"testing"

	D "github.com/hum-sim/hum/emu/device"
)

func TestCheckAddr(t *testing.T) {
	b := New("nm", 2048)

	if !b.CheckAddr(1024) {
		t.Errorf("CheckAddr returned error below memory size")
	}
	if b.CheckAddr(2048) {
		t.Errorf("CheckAddr did not return error at memory size")
	}
	if b.CheckAddr(4096) {
		t.Errorf("CheckAddr did not return error above memory size")
	}
}

func TestFunctionalReadWrite(t *testing.T) {
	b := New("nm", 2048)

	wr := D.NewPacket(0, 4, D.Write, []byte{1, 2, 3, 4}, 0)
	b.Functional(wr)

	rd := D.NewPacket(0, 4, D.Read, nil, 0)
	b.Functional(rd)
	for i, want := range []byte{1, 2, 3, 4} {
		if rd.Payload[i] != want {
			t.Errorf("byte %d got: %02x expected: %02x", i, rd.Payload[i], want)
		}
	}

	rd2 := D.NewPacket(1024, 4, D.Read, nil, 0)
	b.Functional(rd2)
	for i, v := range rd2.Payload {
		if v != 0 {
			t.Errorf("byte %d of untouched region got: %02x expected: 00", i, v)
		}
	}
}

func TestTimingReqAlwaysAccepts(t *testing.T) {
	b := New("fm", 2048)
	pkt := D.NewPacket(0, 4, D.Write, []byte{0xff, 0xff, 0xff, 0xff}, 0)
	if !b.TimingReq(pkt) {
		t.Errorf("TimingReq refused a request, backing store has no timing of its own")
	}
}

func TestSpanTooLargePanics(t *testing.T) {
	b := New("nm", 16)
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on out-of-range access")
		}
	}()
	b.Functional(D.NewPacket(12, 8, D.Read, nil, 0))
}

func TestShortPayloadPanics(t *testing.T) {
	b := New("nm", 2048)
	defer func() {
		if recover() == nil {
			t.Errorf("expected panic on write with short payload")
		}
	}()
	b.Functional(D.NewPacket(0, 4, D.Write, []byte{1, 2}, 0))
}
