package tiles

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

const (
	DefaultZMin = 0
	DefaultZMax = 18

	DefaultMaxConnections = 6
)

var ErrInvalidTemplate = errors.New("tiles: invalid url template")

// Layer describes one tile service.
type Layer struct {
	Title       string
	URL         string // .../{z}/{x}/{y}.png
	Attribution string
	ZMin        int
	ZMax        int

	// YOriginTop is false for TMS services whose row 0 is at the bottom.
	YOriginTop bool

	// BBox limits drawing to a region. Its units follow BBoxEPSG:
	// 4326 (lon/lat, the default) or 3857 (meters).
	BBox     *orb.Bound
	BBoxEPSG int
}

var Presets = map[string]Layer{
	"osm": {
		Title:       "OpenStreetMap",
		URL:         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		Attribution: "© OpenStreetMap contributors",
		ZMin:        0, ZMax: 19, YOriginTop: true,
	},
	"opentopomap": {
		Title:       "OpenTopoMap",
		URL:         "https://tile.opentopomap.org/{z}/{x}/{y}.png",
		Attribution: "© OpenTopoMap (CC-BY-SA), © OpenStreetMap contributors",
		ZMin:        0, ZMax: 17, YOriginTop: true,
	},
	"esri-satellite": {
		Title:       "ESRI World Imagery",
		URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
		Attribution: "© Esri, Maxar, Earthstar Geographics",
		ZMin:        0, ZMax: 20, YOriginTop: true,
	},
	"gsi-std": {
		Title:       "GSI Standard",
		URL:         "https://cyberjapandata.gsi.go.jp/xyz/std/{z}/{x}/{y}.png",
		Attribution: "Geospatial Information Authority of Japan",
		ZMin:        2, ZMax: 18, YOriginTop: true,
		BBox: &orb.Bound{Min: orb.Point{122, 20}, Max: orb.Point{154, 46}},
	},
}

// PresetNames returns the preset keys in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l Layer) Validate() error {
	for _, p := range []string{"{x}", "{z}"} {
		if !strings.Contains(l.URL, p) {
			return fmt.Errorf("%w: placeholder %v not found", ErrInvalidTemplate, p)
		}
	}
	if !strings.Contains(l.URL, "{y}") && !strings.Contains(l.URL, "{-y}") {
		return fmt.Errorf("%w: placeholder {y} not found", ErrInvalidTemplate)
	}
	if _, err := url.Parse(l.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTemplate, err)
	}
	if l.ZMin < 0 || l.ZMax < l.ZMin || l.ZMax > 30 {
		return fmt.Errorf("tiles: invalid zoom range %d-%d", l.ZMin, l.ZMax)
	}
	if l.BBox != nil && l.BBoxEPSG != 0 && l.BBoxEPSG != 4326 && l.BBoxEPSG != 3857 && l.BBoxEPSG != 900913 {
		return fmt.Errorf("tiles: unsupported bbox epsg %d", l.BBoxEPSG)
	}
	return nil
}

// TileURL fills the template for k. {-y} always counts rows from the bottom,
// {y} does so only when the layer is not YOriginTop.
func (l Layer) TileURL(k TileKey) string {
	flipped := MatrixSize(k.Zoom) - 1 - k.Y
	y := k.Y
	if !l.YOriginTop {
		y = flipped
	}
	u := strings.ReplaceAll(l.URL, "{z}", strconv.Itoa(k.Zoom))
	u = strings.ReplaceAll(u, "{x}", strconv.Itoa(k.X))
	u = strings.ReplaceAll(u, "{-y}", strconv.Itoa(flipped))
	u = strings.ReplaceAll(u, "{y}", strconv.Itoa(y))
	return u
}

// BBoxRange is the tile range of the layer's bounding box at zoom.
// ok is false when the layer has no bounding box.
func (l Layer) BBoxRange(zoom int) (r Range, ok bool) {
	if l.BBox == nil {
		return Range{}, false
	}
	switch l.BBoxEPSG {
	case 3857, 900913:
		return TileRangeForExtent(zoom, *l.BBox, HalfWorld), true
	default:
		return LonLatRange(zoom, *l.BBox), true
	}
}

// Extent is the layer's mercator extent, the whole world without a bbox.
func (l Layer) Extent() orb.Bound {
	if l.BBox == nil {
		return orb.Bound{Min: orb.Point{-HalfWorld, -HalfWorld}, Max: orb.Point{HalfWorld, HalfWorld}}
	}
	switch l.BBoxEPSG {
	case 3857, 900913:
		return *l.BBox
	default:
		return BoundToMeters(*l.BBox)
	}
}

// HostPolicy is the access policy for hosts whose name contains Match.
type HostPolicy struct {
	Match          string
	MaxConnections int
	// RestrictedByTOS marks services whose terms restrict direct access.
	RestrictedByTOS bool
}

// HostPolicies is consulted in order; the first match wins.
var HostPolicies = []HostPolicy{
	// https://operations.osmfoundation.org/policies/tiles/
	{Match: "openstreetmap.org", MaxConnections: 2},
	{Match: "google.com", MaxConnections: DefaultMaxConnections, RestrictedByTOS: true},
}

func policyFor(rawURL string) (HostPolicy, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return HostPolicy{}, false
	}
	host := u.Hostname()
	for _, p := range HostPolicies {
		if strings.Contains(host, p.Match) {
			return p, true
		}
	}
	return HostPolicy{}, false
}

// MaxConnections is the number of concurrent requests allowed to the host of rawURL.
func MaxConnections(rawURL string) int {
	if p, ok := policyFor(rawURL); ok && p.MaxConnections > 0 {
		return p.MaxConnections
	}
	return DefaultMaxConnections
}

// RestrictedByTOS reports whether access to the host of rawURL is restricted.
func RestrictedByTOS(rawURL string) bool {
	p, ok := policyFor(rawURL)
	return ok && p.RestrictedByTOS
}
