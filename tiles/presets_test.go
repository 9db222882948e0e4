package tiles

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/require"
)

func TestTileURL(t *testing.T) {
	k := TileKey{Zoom: 3, X: 1, Y: 2}

	xyz := Layer{URL: "https://a.test/{z}/{x}/{y}.png", YOriginTop: true}
	require.Equal(t, "https://a.test/3/1/2.png", xyz.TileURL(k))

	tms := Layer{URL: "https://a.test/{z}/{x}/{y}.png"}
	require.Equal(t, "https://a.test/3/1/5.png", tms.TileURL(k))

	flipped := Layer{URL: "https://a.test/{z}/{x}/{-y}.png", YOriginTop: true}
	require.Equal(t, "https://a.test/3/1/5.png", flipped.TileURL(k))

	esri := Presets["esri-satellite"]
	require.Equal(t, "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/3/2/1", esri.TileURL(k))
}

func TestLayerValidate(t *testing.T) {
	ok := Layer{URL: "https://a.test/{z}/{x}/{y}.png", ZMax: 18}
	require.NoError(t, ok.Validate())

	noX := Layer{URL: "https://a.test/{z}/{y}.png", ZMax: 18}
	require.ErrorIs(t, noX.Validate(), ErrInvalidTemplate)

	noY := Layer{URL: "https://a.test/{z}/{x}.png", ZMax: 18}
	require.ErrorIs(t, noY.Validate(), ErrInvalidTemplate)

	zoom := Layer{URL: "https://a.test/{z}/{x}/{y}.png", ZMin: 10, ZMax: 5}
	require.Error(t, zoom.Validate())

	epsg := Layer{URL: "https://a.test/{z}/{x}/{y}.png", ZMax: 18, BBox: &orb.Bound{}, BBoxEPSG: 2154}
	require.Error(t, epsg.Validate())

	for _, name := range PresetNames() {
		require.NoError(t, Presets[name].Validate(), name)
	}
}

func TestPresetNamesSorted(t *testing.T) {
	names := PresetNames()
	require.Len(t, names, len(Presets))
	require.IsNonDecreasing(t, names)
}

func TestLayerBBox(t *testing.T) {
	_, ok := Presets["osm"].BBoxRange(3)
	require.False(t, ok)

	r, ok := Presets["gsi-std"].BBoxRange(2)
	require.True(t, ok)
	require.Equal(t, Range{Zoom: 2, XMin: 3, YMin: 1, XMax: 3, YMax: 1}, r)

	world := Presets["osm"].Extent()
	require.Equal(t, -HalfWorld, world.Min.X())
	require.Equal(t, HalfWorld, world.Max.Y())

	ext := Presets["gsi-std"].Extent()
	require.InDelta(t, LonLatToMeters(orb.Point{122, 20}).X(), ext.Min.X(), 1e-6)
}

func TestHostPolicy(t *testing.T) {
	require.Equal(t, 2, MaxConnections("https://tile.openstreetmap.org/1/0/0.png"))
	require.Equal(t, DefaultMaxConnections, MaxConnections("https://tile.opentopomap.org/1/0/0.png"))
	require.Equal(t, DefaultMaxConnections, MaxConnections("::not a url"))

	require.True(t, RestrictedByTOS("https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}"))
	require.False(t, RestrictedByTOS("https://tile.openstreetmap.org/{z}/{x}/{y}.png"))
}
