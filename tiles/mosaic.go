package tiles

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"

	_ "image/gif"

	"github.com/paulmach/orb"
	xdraw "golang.org/x/image/draw"
)

// Compose pastes the fetched tiles of s onto one image at tile resolution.
// Missing tiles are left as bg. Tiles that fail to decode are reported in
// the returned error but do not stop the composition.
func Compose(s *TileSet, bg color.Color) (*image.RGBA, error) {
	r := s.Range
	if r.Empty() {
		return nil, fmt.Errorf("invalid mosaic range %v", r)
	}
	w := (r.XMax - r.XMin + 1) * TileSize
	h := (r.YMax - r.YMin + 1) * TileSize
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	if bg != nil {
		xdraw.Draw(out, out.Bounds(), image.NewUniform(bg), image.Point{}, xdraw.Src)
	}

	var bad int
	var firstErr error
	for _, t := range s.Tiles() {
		if len(t.Data) == 0 {
			continue
		}
		img, _, err := decodeTile(t.Data)
		if err != nil {
			bad++
			if firstErr == nil {
				firstErr = fmt.Errorf("decode tile %s: %w", t.URL, err)
			}
			continue
		}
		off := image.Pt((t.Key.X-r.XMin)*TileSize, (t.Key.Y-r.YMin)*TileSize)
		dst := image.Rectangle{Min: off, Max: off.Add(image.Pt(TileSize, TileSize))}
		if img.Bounds().Dx() == TileSize && img.Bounds().Dy() == TileSize {
			xdraw.Draw(out, dst, img, img.Bounds().Min, xdraw.Over)
		} else {
			xdraw.ApproxBiLinear.Scale(out, dst, img, img.Bounds(), xdraw.Over, nil)
		}
	}
	if firstErr != nil {
		return out, fmt.Errorf("%d tiles not decoded, first: %w", bad, firstErr)
	}
	return out, nil
}

// Fit cuts view out of a mosaic covering extent and scales it to w x h.
func Fit(mosaic image.Image, extent, view orb.Bound, w, h int, smooth bool) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	mb := mosaic.Bounds()
	sx := float64(mb.Dx()) / (extent.Max.X() - extent.Min.X())
	sy := float64(mb.Dy()) / (extent.Max.Y() - extent.Min.Y())

	src := image.Rect(
		mb.Min.X+int(math.Round((view.Min.X()-extent.Min.X())*sx)),
		mb.Min.Y+int(math.Round((extent.Max.Y()-view.Max.Y())*sy)),
		mb.Min.X+int(math.Round((view.Max.X()-extent.Min.X())*sx)),
		mb.Min.Y+int(math.Round((extent.Max.Y()-view.Min.Y())*sy)),
	)
	clipped := src.Intersect(mb)
	if src.Empty() || clipped.Empty() {
		return out
	}
	// keep the destination proportional to the part of src that exists
	fx := float64(w) / float64(src.Dx())
	fy := float64(h) / float64(src.Dy())
	dst := image.Rect(
		int(math.Round(float64(clipped.Min.X-src.Min.X)*fx)),
		int(math.Round(float64(clipped.Min.Y-src.Min.Y)*fy)),
		int(math.Round(float64(clipped.Max.X-src.Min.X)*fx)),
		int(math.Round(float64(clipped.Max.Y-src.Min.Y)*fy)),
	)

	var scaler xdraw.Scaler = xdraw.NearestNeighbor
	if smooth {
		scaler = xdraw.CatmullRom
	}
	scaler.Scale(out, dst, mosaic, clipped, xdraw.Over, nil)
	return out
}

func decodeTile(b []byte) (image.Image, string, error) {
	// Fast path: check first bytes for PNG/JPEG
	if len(b) >= 8 && bytes.Equal(b[:8], []byte{137, 80, 78, 71, 13, 10, 26, 10}) {
		img, err := png.Decode(bytes.NewReader(b))
		return img, "image/png", err
	}
	if len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF {
		img, err := jpeg.Decode(bytes.NewReader(b))
		return img, "image/jpeg", err
	}
	img, format, err := image.Decode(bytes.NewReader(b))
	return img, format, err
}
