// Package gui implements the compositor of §4.8: a table of window
// groups (sessions), Z-order visibility tracking, dirty-rect redraw,
// and input dispatch.
package gui

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// MaxSessions bounds the window-group table (§4.8, C_MAX_SESSIONS).
const MaxSessions = 13

// Rect is an axis-aligned pixel rectangle, half-open on (x+w, y+h).
type Rect struct{ X, Y, W, H int }

func (r Rect) empty() bool { return r.W <= 0 || r.H <= 0 }

// intersect returns the overlap of r and o, or an empty rect if they
// don't overlap.
func (r Rect) intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// subtract returns the relative complement of r minus o: the pieces
// of r not covered by o, as up to 4 rectangles. The decomposition cuts
// the full-height left/right strips outside the overlap's X range
// first, then splits the remaining middle column (spanning the
// overlap's X range) into top/bottom strips above and below the
// overlap.
func (r Rect) subtract(o Rect) []Rect {
	ov := r.intersect(o)
	if ov.empty() {
		return []Rect{r}
	}
	var out []Rect
	if ov.X > r.X {
		out = append(out, Rect{X: r.X, Y: r.Y, W: ov.X - r.X, H: r.H})
	}
	if ov.X+ov.W < r.X+r.W {
		out = append(out, Rect{X: ov.X + ov.W, Y: r.Y, W: r.X + r.W - (ov.X + ov.W), H: r.H})
	}
	if ov.Y > r.Y {
		out = append(out, Rect{X: ov.X, Y: r.Y, W: ov.W, H: ov.Y - r.Y})
	}
	if ov.Y+ov.H < r.Y+r.H {
		out = append(out, Rect{X: ov.X, Y: ov.Y + ov.H, W: ov.W, H: r.Y + r.H - (ov.Y + ov.H)})
	}
	return out
}

// WinID identifies a window within its group.
type WinID int

// Window is one compositor-managed surface.
type Window struct {
	ID           WinID
	Pos          Rect // X,Y is position; W,H is size
	VisibleRects []Rect
	DirtyRects   []Rect
	Focused      bool
}

// Group is one session's window set and its Z-order (bottom to top).
type Group struct {
	mu      sync.Mutex
	windows map[WinID]*Window
	zOrder  []WinID // index 0 = bottom
	focused WinID
}

func newGroup() *Group { return &Group{windows: make(map[WinID]*Window)} }

// Show adds win on top of the Z-order and recomputes visibility.
func (g *Group) Show(win *Window) {
	g.mu.Lock()
	defer g.mu.Unlock()
	win.VisibleRects = []Rect{win.Pos}
	g.windows[win.ID] = win
	g.zOrder = append(g.zOrder, win.ID)
	g.recomputeFrom(0)
}

// Hide removes win from the Z-order and recomputes visibility.
func (g *Group) Hide(id WinID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, z := range g.zOrder {
		if z == id {
			g.zOrder = append(g.zOrder[:i], g.zOrder[i+1:]...)
			break
		}
	}
	delete(g.windows, id)
	g.recomputeFrom(0)
}

// recomputeFrom implements the §4.8 visibility algorithm: for the
// window at Z-index i, start with its full rect, then for every
// window above it that overlaps, subtract the overlap. Recalculation
// propagates downward from the changed index, so a change at index i
// must also redo every index below it whose visibility could be
// affected... in this compositor's single-pass model every window's
// visibility depends only on windows above it, so a full recompute
// from 0 upward (i.e. every window against everything above it) is
// always correct and cheap enough at C_MAX_SESSIONS-scale.
func (g *Group) recomputeFrom(_ int) {
	for i, id := range g.zOrder {
		win := g.windows[id]
		rects := []Rect{win.Pos}
		for j := i + 1; j < len(g.zOrder); j++ {
			above := g.windows[g.zOrder[j]]
			rects = subtractAll(rects, above.Pos)
		}
		win.VisibleRects = rects
	}
}

func subtractAll(rects []Rect, o Rect) []Rect {
	var out []Rect
	for _, r := range rects {
		out = append(out, r.subtract(o)...)
	}
	return out
}

// VisibleRects returns a copy of id's current visible-rect list,
// translated to window-local coordinates (relative to the window's Pos).
func (g *Group) VisibleRects(id WinID) []Rect {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.windows[id]
	if !ok {
		return nil
	}
	out := make([]Rect, 0, len(w.VisibleRects))
	for _, r := range w.VisibleRects {
		out = append(out, Rect{X: r.X - w.Pos.X, Y: r.Y - w.Pos.Y, W: r.W, H: r.H})
	}
	return out
}

// MarkDirty records a dirty region on id for the next redraw pass.
func (g *Group) MarkDirty(id WinID, r Rect) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w, ok := g.windows[id]; ok {
		w.DirtyRects = append(w.DirtyRects, r)
	}
}

// Framebuffer is the video-facing contract of §6 that redraw blits
// into.
type Framebuffer interface {
	Blit(r Rect, pixels []byte)
}

// Redraw iterates the Z-order bottom-to-top; for each dirty window it
// intersects the dirty rects with the visible rects and blits the
// result (§4.8).
func (g *Group) Redraw(fb Framebuffer, sample func(WinID, Rect) []byte) {
	g.mu.Lock()
	order := append([]WinID(nil), g.zOrder...)
	g.mu.Unlock()

	for _, id := range order {
		g.mu.Lock()
		w, ok := g.windows[id]
		if !ok {
			g.mu.Unlock()
			continue
		}
		dirty := w.DirtyRects
		w.DirtyRects = nil
		visible := append([]Rect(nil), w.VisibleRects...)
		g.mu.Unlock()

		for _, d := range dirty {
			for _, v := range visible {
				clip := d.intersect(v)
				if clip.empty() {
					continue
				}
				fb.Blit(clip, sample(id, clip))
			}
		}
	}
}

// Compositor owns the window-group table and drives parallel redraw
// fan-out across dirty groups (§4.8, §9: errgroup-backed worker fan
// out, grounded in the teacher's indirect x/sync dependency).
type Compositor struct {
	mu       sync.Mutex
	groups   [MaxSessions]*Group
	active   int32 // written with atomic relaxed semantics
}

// NewCompositor constructs an empty compositor.
func NewCompositor() *Compositor {
	c := &Compositor{}
	for i := range c.groups {
		c.groups[i] = newGroup()
	}
	return c
}

// Group returns the group at idx (0-based), creating nothing (groups
// always exist; idx selects which).
func (c *Compositor) Group(idx int) *Group { return c.groups[idx] }

// RedrawDirty fans redraw work for every group with pending dirty
// rects out across an errgroup, returning once all groups have been
// serviced.
func (c *Compositor) RedrawDirty(fb Framebuffer, sample func(WinID, Rect) []byte) error {
	var g errgroup.Group
	for _, grp := range c.groups {
		grp := grp
		g.Go(func() error {
			grp.Redraw(fb, sample)
			return nil
		})
	}
	return g.Wait()
}
