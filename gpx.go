package main

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"

	"github.com/paulmach/orb"
)

type gpxFile struct {
	Trk []trk `xml:"trk"`
}
type trk struct {
	Seg []trkseg `xml:"trkseg"`
}
type trkseg struct {
	Pt []wpt `xml:"trkpt"`
}
type wpt struct {
	Lat float64 `xml:"lat,attr"`
	Lon float64 `xml:"lon,attr"`
}

var errNoPoints = errors.New("gpx: no track points")

// loadTracks reads every track segment of the given files as a lon/lat line.
func loadTracks(paths ...string) ([]orb.LineString, error) {
	var out []orb.LineString
	for _, path := range paths {
		segs, err := parseGPXFile(path)
		if err != nil {
			return nil, fmt.Errorf("parse gpx %s: %w", path, err)
		}
		out = append(out, segs...)
	}
	return out, nil
}

// tracksBound is the lon/lat bounding box of all tracks.
func tracksBound(tracks []orb.LineString) (orb.Bound, error) {
	var b orb.Bound
	n := 0
	for _, ls := range tracks {
		if len(ls) == 0 {
			continue
		}
		if n == 0 {
			b = ls.Bound()
		} else {
			b = b.Union(ls.Bound())
		}
		n += len(ls)
	}
	if n == 0 {
		return orb.Bound{}, errNoPoints
	}
	return b, nil
}

func parseGPXFile(path string) ([]orb.LineString, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var g gpxFile
	if err := xml.NewDecoder(f).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	var out []orb.LineString
	for _, tr := range g.Trk {
		for _, s := range tr.Seg {
			ls := make(orb.LineString, 0, len(s.Pt))
			for _, p := range s.Pt {
				ls = append(ls, orb.Point{p.Lon, p.Lat})
			}
			if len(ls) > 0 {
				out = append(out, ls)
			}
		}
	}
	return out, nil
}
