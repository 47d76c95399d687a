package gui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCompositorVisibility implements §8 scenario 5.
func TestCompositorVisibility(t *testing.T) {
	comp := NewCompositor()
	g := comp.Group(0)

	a := &Window{ID: 1, Pos: Rect{X: 0, Y: 0, W: 100, H: 100}}
	b := &Window{ID: 2, Pos: Rect{X: 50, Y: 50, W: 100, H: 100}}

	g.Show(a)
	g.Show(b)

	assert.ElementsMatch(t, []Rect{
		{X: 0, Y: 0, W: 50, H: 100},
		{X: 50, Y: 0, W: 50, H: 50},
	}, g.VisibleRects(a.ID))
	assert.ElementsMatch(t, []Rect{{X: 0, Y: 0, W: 100, H: 100}}, g.VisibleRects(b.ID))

	g.Hide(b.ID)
	assert.ElementsMatch(t, []Rect{{X: 0, Y: 0, W: 100, H: 100}}, g.VisibleRects(a.ID))
}

func TestInputRouterDispatchesMouseToWindowUnderCursor(t *testing.T) {
	comp := NewCompositor()
	g := comp.Group(0)
	a := &Window{ID: 1, Pos: Rect{X: 0, Y: 0, W: 50, H: 50}}
	b := &Window{ID: 2, Pos: Rect{X: 40, Y: 0, W: 50, H: 50}}
	g.Show(a)
	g.Show(b)

	ir := NewInputRouter(comp, 8)
	ir.PostEvent(Event{Kind: EventMouseMove, X: 45, Y: 10})

	var delivered WinID
	var lx, ly int
	ir.Dispatch(0, func(WinID, rune) {}, func(id WinID, x, y, _ int, _ bool) {
		delivered = id
		lx, ly = x, y
	})

	assert.Equal(t, b.ID, delivered) // b is topmost at (45,10)
	assert.Equal(t, 5, lx)
	assert.Equal(t, 10, ly)
}

func TestActiveGroupIndexFallsBackOnInvalid(t *testing.T) {
	var a activeGroupIndex
	warned := false
	a.Set(999, func(int) { warned = true })
	assert.True(t, warned)
	assert.Equal(t, 0, a.Get())

	a.Set(3, nil)
	assert.Equal(t, 3, a.Get())
}

func TestRingBufferOverflowDropsOldest(t *testing.T) {
	r := newRingBuf(2)
	r.push(Event{Key: 'a'})
	r.push(Event{Key: 'b'})
	r.push(Event{Key: 'c'})
	out := r.drain()
	assert.Len(t, out, 2)
	assert.Equal(t, 'b', out[0].Key)
	assert.Equal(t, 'c', out[1].Key)
}
