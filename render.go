package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/s0ultr4d3r/tilelayer/downloader"
	"github.com/s0ultr4d3r/tilelayer/tiles"
)

// Viewport is the map area to draw. Extent is in EPSG:3857 meters.
type Viewport struct {
	Extent orb.Bound
	Width  int
	Height int
}

// MetersPerPixel is the horizontal ground resolution of the viewport.
func (v Viewport) MetersPerPixel() float64 {
	if v.Width <= 0 {
		return 0
	}
	return (v.Extent.Max.X() - v.Extent.Min.X()) / float64(v.Width)
}

// Summary reports the outcome of one draw.
type Summary struct {
	Zoom  int
	Range tiles.Range
	Tiles int
	// Requested is the number of URLs handed to the downloader.
	Requested int
	Downloaded int
	// CacheHits counts tiles reused from the previous draw plus those the
	// fetcher served from its caches.
	CacheHits   int
	KnownMisses int
	Failed      int
	Status      downloader.ErrorStatus

	// Message is the status line, Warning the more prominent notice, if any.
	Message string
	Warning string
}

type RendererOptions struct {
	// Timeout bounds the wait for one draw's tiles. Zero waits until done.
	Timeout      time.Duration
	PollInterval time.Duration
	Background   color.Color
	Smooth       bool
	Logger       *zap.Logger
}

// Renderer draws one tile layer. It keeps the tiles of the previous draw
// and reuses them when the next draw is at the same zoom level.
type Renderer struct {
	layer tiles.Layer
	dl    *downloader.Downloader
	opts  RendererOptions
	log   *zap.Logger

	prev *tiles.TileSet
}

// NewRenderer validates the layer and starts its downloader. When
// dopts.MaxConnections is zero it is taken from the host policy.
func NewRenderer(layer tiles.Layer, f downloader.Fetcher, dopts downloader.Options, opts RendererOptions) (*Renderer, error) {
	if err := layer.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Background == nil {
		opts.Background = color.White
	}
	log := opts.Logger.With(zap.String("layer", layer.Title))

	if dopts.MaxConnections <= 0 {
		dopts.MaxConnections = tiles.MaxConnections(layer.URL)
	}
	if dopts.Logger == nil {
		dopts.Logger = opts.Logger
	}
	if tiles.RestrictedByTOS(layer.URL) {
		log.Warn("access to this tile service is restricted by its terms of service", zap.String("url", layer.URL))
	}

	return &Renderer{
		layer: layer,
		dl:    downloader.New(f, dopts),
		opts:  opts,
		log:   log,
	}, nil
}

// Downloader exposes the layer's downloader for subscribers.
func (r *Renderer) Downloader() *downloader.Downloader { return r.dl }

func (r *Renderer) Close() { r.dl.Close() }

// Draw fetches the tiles covering vp and returns them scaled to the viewport.
// Tiles that could not be fetched are left as background.
func (r *Renderer) Draw(ctx context.Context, vp Viewport) (*image.RGBA, Summary, error) {
	if vp.Width <= 0 || vp.Height <= 0 {
		return nil, Summary{}, fmt.Errorf("invalid viewport size %dx%d", vp.Width, vp.Height)
	}

	zoom, rng, err := tiles.SelectZoom(r.layer, vp.Extent, vp.MetersPerPixel(), tiles.MaxTileCount)
	if err != nil {
		return nil, Summary{Zoom: zoom}, err
	}
	r.log.Debug("draw", zap.Int("zoom", zoom), zap.Stringer("range", rng))

	plan := tiles.BuildPlan(rng, r.prev, r.layer.TileURL)
	r.prev = plan.Tiles

	sum := Summary{
		Zoom:        zoom,
		Range:       rng,
		Tiles:       len(plan.Keys),
		Requested:   len(plan.URLs),
		CacheHits:   plan.Hits,
		KnownMisses: plan.Misses,
	}
	if len(plan.URLs) > 0 {
		s := r.dl.Start(plan.URLs, 0)
		files := r.dl.WaitPolling(ctx, s, r.opts.PollInterval, r.opts.Timeout)
		for u, data := range files {
			plan.Tiles.SetData(u, data)
		}
		r.summarize(&sum, s.Stats(), s.ErrorStatus())
	}
	if err := ctx.Err(); err != nil {
		return nil, sum, err
	}

	mosaic, err := tiles.Compose(plan.Tiles, r.opts.Background)
	if mosaic == nil {
		return nil, sum, err
	}
	if err != nil {
		r.log.Warn("some tiles could not be decoded", zap.Error(err))
	}
	out := tiles.Fit(mosaic, plan.Tiles.Extent(), vp.Extent, vp.Width, vp.Height, r.opts.Smooth)
	return out, sum, nil
}

func (r *Renderer) summarize(sum *Summary, st downloader.Stats, status downloader.ErrorStatus) {
	allCacheHits := sum.CacheHits + st.CacheHits
	sum.Downloaded = st.Downloaded
	sum.CacheHits = allCacheHits
	sum.Failed = st.Errors
	sum.Status = status
	sum.Message = fmt.Sprintf("%d files downloaded. %d caches hit.", st.Downloaded, allCacheHits)

	switch status {
	case downloader.TimeoutError:
		sum.Warning = fmt.Sprintf("Download Timeout - %s", r.layer.Title)
	case downloader.UnknownError:
		sum.Message += fmt.Sprintf(" %d files failed.", st.Errors)
		if st.Downloaded+allCacheHits == 0 {
			sum.Warning = fmt.Sprintf("Failed to download all %d files. - %s", st.Errors, r.layer.Title)
		}
	}

	log := r.log.With(zap.Int("downloaded", st.Downloaded), zap.Int("cache_hits", allCacheHits), zap.Int("failed", st.Errors))
	if sum.Warning != "" {
		log.Warn(sum.Warning)
	} else {
		log.Info(sum.Message)
	}
}

// drawMessage turns a zoom selection error into the notice shown instead of
// the map. It returns "" for errors that are not about the view.
func drawMessage(err error, zoom int, l tiles.Layer) string {
	var tooMany *tiles.TooManyTilesError
	switch {
	case errors.Is(err, tiles.ErrBelowMinZoom):
		return fmt.Sprintf("Current zoom level (%d) is smaller than zmin (%d): %s", zoom, l.ZMin, l.Title)
	case errors.As(err, &tooMany):
		return fmt.Sprintf("Tile count is over limit (%d, max=%d)", tooMany.Count, tooMany.Max)
	case errors.Is(err, tiles.ErrOutOfBounds):
		return fmt.Sprintf("The view is outside the bounding box of %s", l.Title)
	case errors.Is(err, tiles.ErrEmptyExtent):
		return "Nothing to draw"
	}
	return ""
}
