package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	TileSize = 256

	// HalfWorld is half the side of the EPSG:3857 square in meters.
	HalfWorld = 20037508.342789244

	maxLat = 85.05112878
)

// TileKey identifies one tile of the 2^Zoom x 2^Zoom grid. Y grows downwards.
type TileKey struct {
	Zoom int
	X    int
	Y    int
}

func (k TileKey) String() string { return fmt.Sprintf("%d/%d/%d", k.Zoom, k.X, k.Y) }

// Valid reports whether the key lies inside its zoom level's grid.
func (k TileKey) Valid() bool {
	if k.Zoom < 0 || k.Zoom > 30 {
		return false
	}
	n := 1 << k.Zoom
	return k.X >= 0 && k.X < n && k.Y >= 0 && k.Y < n
}

// Range is an inclusive rectangle of tile indices at one zoom level.
type Range struct {
	Zoom int
	XMin int
	YMin int
	XMax int
	YMax int
}

// Empty reports whether the range selects no tiles.
func (r Range) Empty() bool { return r.XMax < r.XMin || r.YMax < r.YMin }

// Count is the number of tiles in the range.
func (r Range) Count() int {
	if r.Empty() {
		return 0
	}
	return (r.XMax - r.XMin + 1) * (r.YMax - r.YMin + 1)
}

// Keys lists the range row by row, y outer and x inner.
func (r Range) Keys() []TileKey {
	keys := make([]TileKey, 0, r.Count())
	for y := r.YMin; y <= r.YMax; y++ {
		for x := r.XMin; x <= r.XMax; x++ {
			keys = append(keys, TileKey{Zoom: r.Zoom, X: x, Y: y})
		}
	}
	return keys
}

func (r Range) String() string {
	return fmt.Sprintf("z%d [%d,%d]-[%d,%d]", r.Zoom, r.XMin, r.YMin, r.XMax, r.YMax)
}

// MatrixSize is the number of tiles along one side of the grid at zoom.
// It is 0 for a negative zoom.
func MatrixSize(zoom int) int {
	if zoom < 0 {
		return 0
	}
	return 1 << zoom
}

// TileCountAt counts the tiles of r that exist on the grid at zoom.
func TileCountAt(zoom int, r Range) int {
	if zoom < 0 {
		return 0
	}
	r.Zoom = zoom
	return clampToGrid(r).Count()
}

// ZoomForScale picks the zoom whose resolution is at least metersPerPixel,
// clamped to [0, zmax]. halfWorld/tileSize is the resolution of zoom 1.
func ZoomForScale(metersPerPixel float64, tileSize int, halfWorld float64, zmax int) int {
	if metersPerPixel <= 0 || math.IsInf(metersPerPixel, 0) || math.IsNaN(metersPerPixel) {
		return 0
	}
	mpp1 := halfWorld / float64(tileSize)
	zoom := int(math.Ceil(math.Log2(mpp1/metersPerPixel) + 1))
	return max(0, min(zoom, zmax))
}

// TileRangeForExtent maps a mercator extent to the tiles covering it at zoom.
// The result is clamped to the grid and may be empty when the extent lies
// outside the world square.
func TileRangeForExtent(zoom int, extent orb.Bound, halfWorld float64) Range {
	size := tileSpan(zoom, halfWorld)
	r := Range{
		Zoom: zoom,
		XMin: int(math.Floor((extent.Min.X() + halfWorld) / size)),
		YMin: int(math.Floor((halfWorld - extent.Max.Y()) / size)),
		XMax: int(math.Floor((extent.Max.X() + halfWorld) / size)),
		YMax: int(math.Floor((halfWorld - extent.Min.Y()) / size)),
	}
	return clampToGrid(r)
}

// Intersect returns the overlap of two ranges. ok is false when they do not
// overlap, which means there is nothing to draw.
func Intersect(a, b Range) (r Range, ok bool) {
	r = Range{
		Zoom: a.Zoom,
		XMin: max(a.XMin, b.XMin),
		YMin: max(a.YMin, b.YMin),
		XMax: min(a.XMax, b.XMax),
		YMax: min(a.YMax, b.YMax),
	}
	if a.Zoom != b.Zoom || r.Empty() {
		return Range{Zoom: a.Zoom, XMin: 0, YMin: 0, XMax: -1, YMax: -1}, false
	}
	return r, true
}

// TileRect is the mercator extent of one tile.
func TileRect(k TileKey, halfWorld float64) orb.Bound {
	size := tileSpan(k.Zoom, halfWorld)
	return orb.Bound{
		Min: orb.Point{float64(k.X)*size - halfWorld, halfWorld - float64(k.Y+1)*size},
		Max: orb.Point{float64(k.X+1)*size - halfWorld, halfWorld - float64(k.Y)*size},
	}
}

// RangeExtent is the mercator extent covered by all tiles of r.
func RangeExtent(r Range, halfWorld float64) orb.Bound {
	tl := TileRect(TileKey{Zoom: r.Zoom, X: r.XMin, Y: r.YMin}, halfWorld)
	br := TileRect(TileKey{Zoom: r.Zoom, X: r.XMax, Y: r.YMax}, halfWorld)
	return orb.Bound{Min: orb.Point{tl.Min.X(), br.Min.Y()}, Max: orb.Point{br.Max.X(), tl.Max.Y()}}
}

// LonLatRange maps a WGS84 bounding box to the tiles covering it at zoom.
func LonLatRange(zoom int, bbox orb.Bound) Range {
	z := maptile.Zoom(zoom)
	tl := maptile.At(orb.Point{bbox.Min.Lon(), math.Min(bbox.Max.Lat(), maxLat)}, z)
	br := maptile.At(orb.Point{bbox.Max.Lon(), math.Max(bbox.Min.Lat(), -maxLat)}, z)
	return clampToGrid(Range{
		Zoom: zoom,
		XMin: int(tl.X),
		YMin: int(tl.Y),
		XMax: int(br.X),
		YMax: int(br.Y),
	})
}

// LonLatToMeters projects a WGS84 point to EPSG:3857 meters.
func LonLatToMeters(p orb.Point) orb.Point {
	return orb.Point{
		(mercX(p.Lon())*2 - 1) * HalfWorld,
		(1 - mercY(p.Lat())*2) * HalfWorld,
	}
}

// BoundToMeters projects a WGS84 bounding box to EPSG:3857 meters.
func BoundToMeters(b orb.Bound) orb.Bound {
	return orb.Bound{Min: LonLatToMeters(b.Min), Max: LonLatToMeters(b.Max)}
}

// mercX/Y: lon/lat (deg) -> normalized mercator [0..1]
func mercX(lon float64) float64 { return (lon + 180.0) / 360.0 }
func mercY(lat float64) float64 {
	lat = math.Min(maxLat, math.Max(-maxLat, lat))
	rad := lat * math.Pi / 180.0
	s := math.Sin(rad)
	return 0.5 - math.Log((1+s)/(1-s))/(4*math.Pi)
}

// side of one tile in meters at zoom
func tileSpan(zoom int, halfWorld float64) float64 {
	return 2 * halfWorld / math.Exp2(float64(zoom))
}

func clampToGrid(r Range) Range {
	last := MatrixSize(r.Zoom) - 1
	r.XMin = max(0, r.XMin)
	r.YMin = max(0, r.YMin)
	r.XMax = min(r.XMax, last)
	r.YMax = min(r.YMax, last)
	return r
}
