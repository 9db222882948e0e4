package main

import (
	"image"
	"image/color"
	"math"

	"github.com/paulmach/orb"

	"github.com/s0ultr4d3r/tilelayer/tiles"
)

// drawTracks strokes lon/lat tracks onto img, which shows vp.
func drawTracks(img *image.RGBA, vp Viewport, tracks []orb.LineString, width int, c color.Color) {
	for _, ls := range tracks {
		if len(ls) == 0 {
			continue
		}
		x0, y0 := toPixel(ls[0], vp)
		plotSquareRGBA(img, x0, y0, width, c)
		for _, p := range ls[1:] {
			x1, y1 := toPixel(p, vp)
			drawLineRGBA(img, x0, y0, x1, y1, width, c)
			x0, y0 = x1, y1
		}
	}
}

// toPixel maps a lon/lat point to viewport pixels. Points outside the view
// map outside the image and are clipped when plotted.
func toPixel(p orb.Point, vp Viewport) (x, y int) {
	m := tiles.LonLatToMeters(p)
	ext := vp.Extent
	xf := (m.X() - ext.Min.X()) / (ext.Max.X() - ext.Min.X())
	yf := (ext.Max.Y() - m.Y()) / (ext.Max.Y() - ext.Min.Y())
	return int(math.Round(xf * float64(vp.Width-1))), int(math.Round(yf * float64(vp.Height-1)))
}

func drawLineRGBA(img *image.RGBA, x0, y0, x1, y1, width int, c color.Color) {
	dx := abs(x1 - x0)
	sx := -1
	if x0 < x1 {
		sx = 1
	}
	dy := -abs(y1 - y0)
	sy := -1
	if y0 < y1 {
		sy = 1
	}
	err := dx + dy
	for {
		plotSquareRGBA(img, x0, y0, width, c)
		if x0 == x1 && y0 == y1 {
			break
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func plotSquareRGBA(img *image.RGBA, cx, cy, w int, c color.Color) {
	r := max(0, (w-1)/2)
	for y := cy - r; y <= cy+r; y++ {
		for x := cx - r; x <= cx+r; x++ {
			if image.Pt(x, y).In(img.Rect) {
				img.Set(x, y, c)
			}
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
