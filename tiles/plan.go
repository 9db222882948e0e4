package tiles

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// MaxTileCount is the largest number of tiles requested for one draw.
const MaxTileCount = 256

var (
	ErrBelowMinZoom = errors.New("tiles: zoom level is smaller than the layer minimum")
	ErrOutOfBounds  = errors.New("tiles: extent is outside the layer bounding box")
	ErrEmptyExtent  = errors.New("tiles: empty or infinite extent")
)

// TooManyTilesError is returned when no zoom level at or above the layer
// minimum fits the tile budget.
type TooManyTilesError struct {
	Count int
	Max   int
}

func (e *TooManyTilesError) Error() string {
	return fmt.Sprintf("tile count is over limit (%d, max=%d)", e.Count, e.Max)
}

// SelectZoom chooses the zoom level and tile range for a mercator extent drawn
// at metersPerPixel. Starting from the ideal zoom, it steps down one level at a
// time until the range has at most maxTiles tiles.
func SelectZoom(l Layer, extent orb.Bound, metersPerPixel float64, maxTiles int) (int, Range, error) {
	if !finiteBound(extent) || extent.Max.X() <= extent.Min.X() || extent.Max.Y() <= extent.Min.Y() {
		return 0, Range{}, ErrEmptyExtent
	}
	if maxTiles <= 0 {
		maxTiles = MaxTileCount
	}

	zoom := ZoomForScale(metersPerPixel, TileSize, HalfWorld, l.ZMax)
	if zoom < l.ZMin {
		return zoom, Range{}, fmt.Errorf("%w: %d < %d", ErrBelowMinZoom, zoom, l.ZMin)
	}

	for {
		r := TileRangeForExtent(zoom, extent, HalfWorld)
		if limit, ok := l.BBoxRange(zoom); ok {
			var overlap bool
			if r, overlap = Intersect(r, limit); !overlap {
				return zoom, Range{}, ErrOutOfBounds
			}
		}
		if r.Empty() {
			return zoom, Range{}, ErrOutOfBounds
		}

		count := r.Count()
		if count <= maxTiles {
			return zoom, r, nil
		}
		zoom--
		if zoom < l.ZMin {
			return zoom, Range{}, &TooManyTilesError{Count: count, Max: maxTiles}
		}
	}
}

func finiteBound(b orb.Bound) bool {
	for _, v := range []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Tile is one cell of a TileSet. Data is nil until the tile has been fetched;
// a fetched tile with empty Data is a known miss.
type Tile struct {
	Key     TileKey
	URL     string
	Data    []byte
	Fetched bool
}

// TileSet holds the tiles of one draw. It is only reused by a later draw at
// the same zoom level.
type TileSet struct {
	Zoom  int
	Range Range
	tiles map[string]*Tile
	order []string
}

func NewTileSet(r Range) *TileSet {
	return &TileSet{
		Zoom:  r.Zoom,
		Range: r,
		tiles: make(map[string]*Tile, r.Count()),
	}
}

func (s *TileSet) add(t *Tile) {
	if _, ok := s.tiles[t.URL]; !ok {
		s.order = append(s.order, t.URL)
	}
	s.tiles[t.URL] = t
}

// Get returns the tile for url, if it belongs to the set.
func (s *TileSet) Get(url string) (*Tile, bool) {
	t, ok := s.tiles[url]
	return t, ok
}

// SetData stores fetched bytes. A nil slice still marks the tile as fetched.
func (s *TileSet) SetData(url string, data []byte) bool {
	t, ok := s.tiles[url]
	if !ok {
		return false
	}
	if data == nil {
		data = []byte{}
	}
	t.Data = data
	t.Fetched = true
	return true
}

// Tiles lists tiles in plan order.
func (s *TileSet) Tiles() []*Tile {
	out := make([]*Tile, 0, len(s.order))
	for _, u := range s.order {
		out = append(out, s.tiles[u])
	}
	return out
}

func (s *TileSet) Len() int { return len(s.order) }

// Extent is the mercator extent of the set.
func (s *TileSet) Extent() orb.Bound { return RangeExtent(s.Range, HalfWorld) }

// Status classifies a tile of a plan.
type Status int

const (
	NeedsFetch Status = iota
	CacheHit
	KnownMiss
)

func (s Status) String() string {
	switch s {
	case CacheHit:
		return "hit"
	case KnownMiss:
		return "miss"
	default:
		return "fetch"
	}
}

// Plan is the outcome of BuildPlan.
type Plan struct {
	Zoom   int
	Range  Range
	Keys   []TileKey
	Status map[TileKey]Status
	Hits   int
	Misses int
	// URLs to hand to the downloader, in plan order.
	URLs  []string
	Tiles *TileSet
}

// BuildPlan walks r row by row and classifies every tile against prev.
// prev is consulted only when its zoom equals r.Zoom.
func BuildPlan(r Range, prev *TileSet, urlFor func(TileKey) string) *Plan {
	p := &Plan{
		Zoom:   r.Zoom,
		Range:  r,
		Keys:   r.Keys(),
		Status: make(map[TileKey]Status, r.Count()),
		Tiles:  NewTileSet(r),
	}
	reuse := prev != nil && prev.Zoom == r.Zoom

	for _, k := range p.Keys {
		u := urlFor(k)
		t := &Tile{Key: k, URL: u}
		status := NeedsFetch
		if reuse {
			if old, ok := prev.Get(u); ok && old.Fetched {
				t.Data, t.Fetched = old.Data, true
				status = KnownMiss
				if len(old.Data) > 0 {
					status = CacheHit
				}
			}
		}
		p.Tiles.add(t)
		p.Status[k] = status

		switch status {
		case CacheHit:
			p.Hits++
		case KnownMiss:
			p.Misses++
		default:
			p.URLs = append(p.URLs, u)
		}
	}
	return p
}
