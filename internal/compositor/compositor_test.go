package compositor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCompositor(t *testing.T, w, h int) *Compositor {
	t.Helper()
	return New(&Config{Width: w, Height: h})
}

func TestNewHasBackgroundAndMenubarLayers(t *testing.T) {
	c := newTestCompositor(t, 320, 240)
	require.Len(t, c.layers, 2, "a fresh compositor has exactly background + menubar")
	require.Equal(t, 0, c.layers[0].ZOrder)
	require.Equal(t, 1, c.layers[len(c.layers)-1].ZOrder)
}

func TestAddLayerDamagesItsFootprint(t *testing.T) {
	c := newTestCompositor(t, 100, 100)
	c.damage = nil
	l := c.AddLayer(10, 10, 20, 20)
	require.NotNil(t, l)
	require.Len(t, c.damage, 1)
	require.Equal(t, Rect{X: 10, Y: 10, W: 20, H: 20}, c.damage[0])
}

func TestRaiseLayerStaysBelowMenubar(t *testing.T) {
	c := newTestCompositor(t, 100, 100)
	menubarID := c.layers[len(c.layers)-1].ID
	a := c.AddLayer(0, 0, 10, 10)
	c.AddLayer(0, 0, 10, 10)
	c.RaiseLayer(a.ID)

	require.Equal(t, a.ID, c.layers[len(c.layers)-2].ID, "raised layer sits just under the menubar")
	require.Equal(t, menubarID, c.layers[len(c.layers)-1].ID, "menubar stays on top")
}

func TestComposeOnlyRewritesDamagedPixels(t *testing.T) {
	c := newTestCompositor(t, 40, 40)
	bgID := c.layers[0].ID
	bg := c.LayerPixels(bgID)
	for i := range bg {
		bg[i] = 0xFF112233
	}
	c.damage = nil
	c.AddDamageRect(Rect{X: 0, Y: 0, W: 10, H: 10})
	c.Compose(context.Background())

	fb := c.Framebuffer()
	require.Equal(t, uint32(0xFF112233), fb[0], "inside the damage rect gets recomposed")
	require.Equal(t, uint32(0), fb[20*40+20], "outside the damage rect is left untouched")
}

func TestComposeDisjointRectsBothLand(t *testing.T) {
	c := newTestCompositor(t, 40, 40)
	bgID := c.layers[0].ID
	bg := c.LayerPixels(bgID)
	for i := range bg {
		bg[i] = 0xFFAABBCC
	}
	c.damage = nil
	c.AddDamageRect(Rect{X: 0, Y: 0, W: 5, H: 5})
	c.AddDamageRect(Rect{X: 30, Y: 30, W: 5, H: 5})
	c.Compose(context.Background())

	fb := c.Framebuffer()
	require.Equal(t, uint32(0xFFAABBCC), fb[0])
	require.Equal(t, uint32(0xFFAABBCC), fb[32*40+32])
}

func TestResizeReallocatesBackgroundAndMenubar(t *testing.T) {
	c := newTestCompositor(t, 50, 50)
	c.Resize(80, 60)
	w, h := c.Dimensions()
	require.Equal(t, 80, w)
	require.Equal(t, 60, h)
	require.Len(t, c.LayerPixels(c.layers[0].ID), 80*60)
}

func TestBlendARGBOpaqueSourceWins(t *testing.T) {
	require.Equal(t, uint32(0xFF010203), blendARGB(0xFF010203, 0xFFFFFFFF))
}

func TestBlendARGBZeroAlphaKeepsDest(t *testing.T) {
	require.Equal(t, uint32(0xFFABCDEF), blendARGB(0x00112233, 0xFFABCDEF))
}

func TestPartitionDisjointSeparatesOverlappingRects(t *testing.T) {
	rects := []Rect{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 5, Y: 5, W: 10, H: 10},
		{X: 50, Y: 50, W: 5, H: 5},
	}
	groups := partitionDisjoint(rects)
	require.Len(t, groups, 2, "the two overlapping rects must land in different groups")
}

func TestRemoveLayerDamagesFormerFootprint(t *testing.T) {
	c := newTestCompositor(t, 50, 50)
	l := c.AddLayer(5, 5, 10, 10)
	c.damage = nil
	c.RemoveLayer(l.ID)
	require.Contains(t, c.damage, Rect{X: 5, Y: 5, W: 10, H: 10})
	require.Nil(t, c.Layer(l.ID))
}
