package gui

import (
	"sync"
	"sync/atomic"

	"kernelcore/internal/ksync"
)

// EventKind distinguishes input events (§4.8).
type EventKind int

const (
	EventKey EventKind = iota
	EventMouseMove
	EventMouseButton
)

// Event is one input event pulled from the ring buffer.
type Event struct {
	Kind EventKind
	Key  rune
	X, Y int
	Button int
	Down   bool
}

// ringBuf is a fixed-capacity circular buffer of events, standing in
// for the kernel's AtomicRingBuf<Event> (§4.8); overflow drops the
// oldest unread event rather than blocking the producer.
type ringBuf struct {
	mu   sync.Mutex
	buf  []Event
	head int
	tail int
	size int
}

func newRingBuf(capacity int) *ringBuf {
	return &ringBuf{buf: make([]Event, capacity)}
}

func (r *ringBuf) push(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	r.buf[r.tail] = e
	r.tail = (r.tail + 1) % len(r.buf)
	r.size++
}

func (r *ringBuf) drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	r.head, r.tail, r.size = 0, 0, 0
	return out
}

// CursorPos is the mutex-guarded coalescing target for mouse movement
// (§4.8): only the latest "new" position survives between dispatch
// passes, with "old" retained for delta computation.
type CursorPos struct {
	mu       sync.Mutex
	old, new Event
	hasNew   bool
}

// Move records a new cursor position, coalescing with any pending
// unconsumed move.
func (c *CursorPos) Move(x, y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.new = Event{Kind: EventMouseMove, X: x, Y: y}
	c.hasNew = true
}

// Take returns the pending coalesced move, if any, and advances old.
func (c *CursorPos) Take() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasNew {
		return Event{}, false
	}
	c.old = c.new
	c.hasNew = false
	return c.old, true
}

// InputRouter drains the ring buffer on wake and dispatches key events
// to the active group's focused window, mouse events to the window
// under the cursor (§4.8).
type InputRouter struct {
	comp      *Compositor
	ring      *ringBuf
	cursor    CursorPos
	wake      ksync.EventChannel
	renderReq ksync.EventChannel
}

// NewInputRouter constructs a router over comp with the given ring
// buffer capacity.
func NewInputRouter(comp *Compositor, ringCapacity int) *InputRouter {
	return &InputRouter{comp: comp, ring: newRingBuf(ringCapacity)}
}

// PostEvent enqueues ev and wakes the compositor worker.
func (ir *InputRouter) PostEvent(ev Event) {
	if ev.Kind == EventMouseMove {
		ir.cursor.Move(ev.X, ev.Y)
	} else {
		ir.ring.push(ev)
	}
	ir.wake.Post()
}

// Wait blocks until PostEvent or a render request wakes the worker.
func (ir *InputRouter) Wait() { ir.wake.Sleep() }

// RequestRender signals the render-needed wakeup independently of
// input (S_RENDER_REQUEST, §4.8).
func (ir *InputRouter) RequestRender() {
	ir.renderReq.Post()
	ir.wake.Post()
}

// Dispatch drains pending input and routes each event to the correct
// window: keys go to the active group's focused window; mouse clicks
// go to the topmost window under the cursor, translated to
// window-local coordinates.
func (ir *InputRouter) Dispatch(activeGroup int, deliverKey func(WinID, rune), deliverMouse func(WinID, int, int, int, bool)) {
	if mv, ok := ir.cursor.Take(); ok {
		if id, ok := ir.windowUnderCursor(activeGroup, mv.X, mv.Y); ok {
			lx, ly := ir.toWindowLocal(activeGroup, id, mv.X, mv.Y)
			deliverMouse(id, lx, ly, 0, false)
		}
	}
	for _, ev := range ir.ring.drain() {
		switch ev.Kind {
		case EventKey:
			if id, ok := ir.focusedWindow(activeGroup); ok {
				deliverKey(id, ev.Key)
			}
		case EventMouseButton:
			if id, ok := ir.windowUnderCursor(activeGroup, ev.X, ev.Y); ok {
				lx, ly := ir.toWindowLocal(activeGroup, id, ev.X, ev.Y)
				deliverMouse(id, lx, ly, ev.Button, ev.Down)
			}
		}
	}
}

func (ir *InputRouter) focusedWindow(groupIdx int) (WinID, bool) {
	g := ir.comp.Group(groupIdx)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.zOrder {
		if g.windows[id].Focused {
			return id, true
		}
	}
	if len(g.zOrder) > 0 {
		return g.zOrder[len(g.zOrder)-1], true
	}
	return 0, false
}

// windowUnderCursor scans Z-order top-to-bottom for the first window
// whose rect contains (x, y).
func (ir *InputRouter) windowUnderCursor(groupIdx, x, y int) (WinID, bool) {
	g := ir.comp.Group(groupIdx)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.zOrder) - 1; i >= 0; i-- {
		id := g.zOrder[i]
		w := g.windows[id]
		if x >= w.Pos.X && x < w.Pos.X+w.Pos.W && y >= w.Pos.Y && y < w.Pos.Y+w.Pos.H {
			return id, true
		}
	}
	return 0, false
}

func (ir *InputRouter) toWindowLocal(groupIdx int, id WinID, x, y int) (int, int) {
	g := ir.comp.Group(groupIdx)
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.windows[id]
	return x - w.Pos.X, y - w.Pos.Y
}

// activeGroupIndex holds the currently displayed group index,
// switched with atomic-relaxed semantics (§4.8); an invalid index
// falls back to group 0 with a logged warning.
type activeGroupIndex struct {
	idx atomic.Int32
}

func (a *activeGroupIndex) Get() int { return int(a.idx.Load()) }

// Set switches the active group, falling back to 0 for an
// out-of-range index.
func (a *activeGroupIndex) Set(idx int, warn func(requested int)) {
	if idx < 0 || idx >= MaxSessions {
		if warn != nil {
			warn(idx)
		}
		idx = 0
	}
	a.idx.Store(int32(idx))
}
