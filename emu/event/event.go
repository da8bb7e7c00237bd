package event

/*
 * hum  - Event scheduler
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Callback fires when a scheduled event's relative time expires.
type Callback = func(iarg int)

// Event is one entry in the relative-delta queue. Owner only needs to be
// comparable: the scheduler never calls into it, it is used purely for
// CancelEvent's pointer-identity match, the same way the teacher's
// original only ever compared dev by identity and never invoked one of
// its methods.
type Event struct {
	time  int // Number of ticks until the event fires
	owner any // Whatever registered the event, compared by identity only
	cb    Callback
	iarg  int
	prev  *Event
	next  *Event
}

// List is a doubly linked delta queue: each entry's time is relative to
// the entry before it, so Advance only has to charge the head.
type List struct {
	head *Event
	tail *Event
}

// AddEvent schedules cb to fire after time ticks have elapsed. A time of
// 0 calls cb immediately instead of queuing it, matching the teacher's
// scheduler — HUM's policy engines never rely on this path since their
// swap machinery always completes synchronously without touching the
// scheduler at all.
func (l *List) AddEvent(owner any, cb Callback, time int, iarg int) {
	if time == 0 {
		cb(iarg)
		return
	}

	ev := &Event{owner: owner, cb: cb, time: time, iarg: iarg}

	evptr := l.head
	if evptr == nil {
		l.head = ev
		l.tail = ev
		return
	}

	for evptr != nil {
		if ev.time <= evptr.time {
			evptr.time -= ev.time
			ev.prev = evptr.prev
			ev.next = evptr
			evptr.prev = ev
			if ev.prev != nil {
				ev.prev.next = ev
			} else {
				l.head = ev
			}
			return
		}
		ev.time -= evptr.time
		evptr = evptr.next
	}

	ev.prev = l.tail
	l.tail.next = ev
	l.tail = ev
}

// CancelEvent removes a previously scheduled event matching owner and
// iarg, folding its remaining time into whatever follows it.
func (l *List) CancelEvent(owner any, iarg int) {
	evptr := l.head
	for evptr != nil {
		if evptr.owner == owner && evptr.iarg == iarg {
			if evptr.next != nil {
				evptr.next.time += evptr.time
				evptr.next.prev = evptr.prev
			} else {
				l.tail = evptr.prev
			}
			if evptr.prev != nil {
				evptr.prev.next = evptr.next
			} else {
				l.head = evptr.next
			}
			return
		}
		evptr = evptr.next
	}
}

// Advance charges t ticks against the head of the queue, firing every
// event whose relative time has reached zero or below. A demo/test
// harness drives this to simulate the one true asynchrony in the model:
// the wait between a downstream TimingReq and its response.
func (l *List) Advance(t int) {
	evptr := l.head
	if evptr == nil {
		return
	}
	evptr.time -= t
	for evptr != nil && evptr.time <= 0 {
		evptr.cb(evptr.iarg)
		l.head = evptr.next
		evptr = l.head
		if evptr != nil {
			evptr.prev = nil
		} else {
			l.tail = nil
		}
	}
}
