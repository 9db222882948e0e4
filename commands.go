package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/s0ultr4d3r/tilelayer/downloader"
	"github.com/s0ultr4d3r/tilelayer/tiles"
)

type multiIn []string

func (m *multiIn) String() string     { return strings.Join(*m, ",") }
func (m *multiIn) Set(s string) error { *m = append(*m, s); return nil }

// viewFlags are shared by the commands that work on a map view.
type viewFlags struct {
	configPath string
	preset     string
	url        string
	logLevel   string

	bbox   string
	gpx    multiIn
	margin float64
	width  int
	height int

	tracks []orb.LineString
}

func (v *viewFlags) register(f *flag.FlagSet) {
	f.StringVar(&v.configPath, "config", "", "YAML config file")
	f.StringVar(&v.preset, "preset", "", "layer preset (see presets)")
	f.StringVar(&v.url, "url", "", "tile URL template with {z}, {x} and {y}")
	f.StringVar(&v.logLevel, "log", "", "log level: debug, info, warn, error")
	f.StringVar(&v.bbox, "bbox", "", "view as minLon,minLat,maxLon,maxLat")
	f.Var(&v.gpx, "gpx", "view the bounds of a GPX file (repeatable)")
	f.Float64Var(&v.margin, "margin", 0.05, "margin around the view as a fraction of its size (0..0.5)")
	f.IntVar(&v.width, "width", 0, "viewport width in pixels")
	f.IntVar(&v.height, "height", 0, "viewport height in pixels, 0 keeps the aspect of the view")
}

// setup loads the config, applies flag overrides and builds the logger.
func (v *viewFlags) setup() (Config, tiles.Layer, *zap.Logger, error) {
	cfg, err := loadConfig(v.configPath)
	if err != nil {
		return Config{}, tiles.Layer{}, nil, err
	}
	if v.preset != "" {
		cfg.Layer.Preset = v.preset
		cfg.Layer.URL = ""
	}
	if v.url != "" {
		cfg.Layer.URL = v.url
	}
	if v.logLevel != "" {
		cfg.LogLevel = v.logLevel
	}
	if v.width > 0 {
		cfg.Render.Width = v.width
		cfg.Render.Height = v.height
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, tiles.Layer{}, nil, err
	}
	layer, err := cfg.BuildLayer()
	if err != nil {
		return Config{}, tiles.Layer{}, nil, err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return Config{}, tiles.Layer{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, layer, log, nil
}

func (v *viewFlags) viewport(cfg Config) (Viewport, error) {
	if v.margin < 0 || v.margin >= 0.5 {
		return Viewport{}, fmt.Errorf("margin must be in [0..0.5), got %.3f", v.margin)
	}
	var ll orb.Bound
	var err error
	switch {
	case v.bbox != "":
		ll, err = parseBBox(v.bbox)
	case len(v.gpx) > 0:
		if v.tracks, err = loadTracks(v.gpx...); err == nil {
			ll, err = tracksBound(v.tracks)
		}
	default:
		err = errors.New("one of -bbox or -gpx is required")
	}
	if err != nil {
		return Viewport{}, err
	}
	return newViewport(ll, v.margin, cfg.Render.Width, cfg.Render.Height), nil
}

// newViewport projects a lon/lat box, pads it by margin on each side and
// sizes it. A zero height follows the aspect of the projected box.
func newViewport(ll orb.Bound, margin float64, width, height int) Viewport {
	ext := tiles.BoundToMeters(ll)
	dx := ext.Max.X() - ext.Min.X()
	dy := ext.Max.Y() - ext.Min.Y()
	// a single point still needs some area
	if dx == 0 && dy == 0 {
		dx, dy = 1000, 1000
		ext = ext.Pad(500)
	}
	ext = orb.Bound{
		Min: orb.Point{ext.Min.X() - dx*margin, ext.Min.Y() - dy*margin},
		Max: orb.Point{ext.Max.X() + dx*margin, ext.Max.Y() + dy*margin},
	}
	if height <= 0 {
		w := ext.Max.X() - ext.Min.X()
		h := ext.Max.Y() - ext.Min.Y()
		height = max(1, int(math.Round(float64(width)*h/w)))
	}
	return Viewport{Extent: ext, Width: width, Height: height}
}

func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want minLon,minLat,maxLon,maxLat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min is greater than max", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

type renderCmd struct {
	viewFlags
	out        string
	deadline   time.Duration
	progress   bool
	pprofAddr  string
	trackColor string
	trackWidth int
}

func (c *renderCmd) Name() string     { return "render" }
func (c *renderCmd) Synopsis() string { return "fetch the tiles of a view and write them as PNG" }
func (c *renderCmd) Usage() string {
	return "tilelayer render (-bbox <minLon,minLat,maxLon,maxLat> | -gpx <path>) [-o <path> -preset <name>]\n"
}
func (c *renderCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.out, "o", "map.png", "output PNG path")
	f.DurationVar(&c.deadline, "deadline", 10*time.Minute, "hard limit for the whole command")
	f.BoolVar(&c.progress, "progress", true, "show download progress")
	f.StringVar(&c.pprofAddr, "pprof", "", "serve pprof on this address, e.g. 127.0.0.1:6060")
	f.StringVar(&c.trackColor, "track", "#ff3b30", "color of GPX tracks drawn over the map, empty to skip")
	f.IntVar(&c.trackWidth, "track-width", 3, "GPX track line width in pixels")
}

func (c *renderCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, layer, log, err := c.setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	defer log.Sync()

	if c.pprofAddr != "" {
		enablePPROF(c.pprofAddr, log)
	}
	vp, err := c.viewport(cfg)
	if err != nil {
		log.Error("invalid view", zap.Error(err))
		return subcommands.ExitUsageError
	}
	bg, _ := parseHexColor(cfg.Render.Background)
	var trackColor color.Color
	if c.trackColor != "" && len(c.tracks) > 0 {
		if trackColor, err = parseHexColor(c.trackColor); err != nil {
			log.Error("invalid track color", zap.Error(err))
			return subcommands.ExitUsageError
		}
	}

	fetcher, err := tiles.NewFetcher(tiles.FetcherOptions{
		CacheDir: cfg.Download.CacheDir,
		RPS:      cfg.Download.Rate,
		Burst:    cfg.Download.Burst,
		Logger:   log,
	})
	if err != nil {
		log.Error("create fetcher", zap.Error(err))
		return subcommands.ExitFailure
	}
	defer fetcher.Close()

	rd, err := NewRenderer(layer, fetcher, downloader.Options{
		MaxConnections: cfg.Download.MaxConnections,
		CacheExpiry:    cfg.cacheExpiry(),
		UserAgent:      cfg.Download.UserAgent,
	}, RendererOptions{
		Timeout:    cfg.Download.Timeout,
		Background: bg,
		Smooth:     cfg.Render.Smooth,
		Logger:     log,
	})
	if err != nil {
		log.Error("create renderer", zap.Error(err))
		return subcommands.ExitFailure
	}
	defer rd.Close()

	if c.progress {
		bar := newBar(os.Stderr)
		detach := bar.Attach(rd.Downloader())
		defer func() {
			detach()
			bar.Done()
			fmt.Fprintln(os.Stderr)
		}()
	}

	ctx, cancel := withTimeout(ctx, c.deadline)
	defer cancel()

	img, sum, err := rd.Draw(ctx, vp)
	if err != nil {
		if msg := drawMessage(err, sum.Zoom, layer); msg != "" {
			log.Warn(msg)
		} else {
			log.Error("draw failed", zap.Error(err))
		}
		return subcommands.ExitFailure
	}
	if trackColor != nil {
		drawTracks(img, vp, c.tracks, c.trackWidth, trackColor)
	}
	if err := writePNG(c.out, img); err != nil {
		log.Error("write output", zap.Error(err))
		return subcommands.ExitFailure
	}
	log.Info("map written",
		zap.String("path", c.out),
		zap.Int("zoom", sum.Zoom),
		zap.Int("tiles", sum.Tiles),
		zap.String("attribution", layer.Attribution),
	)
	return subcommands.ExitSuccess
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type planCmd struct {
	viewFlags
}

func (c *planCmd) Name() string     { return "plan" }
func (c *planCmd) Synopsis() string { return "print the zoom level and tiles a view needs" }
func (c *planCmd) Usage() string {
	return "tilelayer plan (-bbox <minLon,minLat,maxLon,maxLat> | -gpx <path>) [-preset <name>]\n"
}
func (c *planCmd) SetFlags(f *flag.FlagSet) { c.register(f) }

func (c *planCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, layer, log, err := c.setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	defer log.Sync()

	vp, err := c.viewport(cfg)
	if err != nil {
		log.Error("invalid view", zap.Error(err))
		return subcommands.ExitUsageError
	}
	zoom, rng, err := tiles.SelectZoom(layer, vp.Extent, vp.MetersPerPixel(), tiles.MaxTileCount)
	if err != nil {
		if msg := drawMessage(err, zoom, layer); msg != "" {
			log.Warn(msg)
		} else {
			log.Error("select zoom", zap.Error(err))
		}
		return subcommands.ExitFailure
	}

	plan := tiles.BuildPlan(rng, nil, layer.TileURL)
	fmt.Printf("layer: %s\nzoom: %d\nrange: %v\ntiles: %d\nconnections: %d\n",
		layer.Title, plan.Zoom, plan.Range, len(plan.Keys), tiles.MaxConnections(layer.URL))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, k := range plan.Keys {
		t, _ := plan.Tiles.Get(layer.TileURL(k))
		fmt.Fprintf(w, "%v\t%v\t%s\n", k, plan.Status[k], t.URL)
	}
	if err := w.Flush(); err != nil {
		log.Error("write plan", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type presetsCmd struct{}

func (*presetsCmd) Name() string             { return "presets" }
func (*presetsCmd) Synopsis() string         { return "list the built-in layers" }
func (*presetsCmd) Usage() string            { return "tilelayer presets\n" }
func (*presetsCmd) SetFlags(_ *flag.FlagSet) {}

func (*presetsCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTITLE\tZOOM\tCONN\tTOS\tURL")
	for _, name := range tiles.PresetNames() {
		l := tiles.Presets[name]
		fmt.Fprintf(w, "%s\t%s\t%d-%d\t%d\t%v\t%s\n",
			name, l.Title, l.ZMin, l.ZMax, tiles.MaxConnections(l.URL), tiles.RestrictedByTOS(l.URL), l.URL)
	}
	if err := w.Flush(); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
