package main

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/s0ultr4d3r/tilelayer/downloader"
)

// progressLine is the status text shown after each finished request.
func progressLine(st downloader.Stats) string {
	return fmt.Sprintf("%d of %d files downloaded. %d files failed.", st.Downloaded, st.Total, st.Errors)
}

// Bar follows a Downloader through its completion notifications. The
// progress bar is created on the first notification, once the total is known.
type Bar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func newBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	theme := progressbar.Theme{
		Saucer:        "=",
		SaucerHead:    ">",
		SaucerPadding: " ",
		BarStart:      "[",
		BarEnd:        "]",
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetTheme(theme),
		progressbar.OptionSetDescription("[tiles]"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// Attach subscribes the bar to d. The returned func detaches it.
func (b *Bar) Attach(d *downloader.Downloader) func() {
	return d.Subscribe(b.update)
}

// update runs on the downloader's reactor goroutine.
func (b *Bar) update(r downloader.Reply) {
	st := r.Stats
	if st.Total <= 0 {
		return
	}
	if b.bar == nil {
		b.bar = newProgressBar(b.w, st.Total)
	} else if b.bar.GetMax() != st.Total {
		b.bar.ChangeMax(st.Total)
	}
	b.bar.Describe(progressLine(st))
	_ = b.bar.Set(st.Downloaded + st.Errors)
}

func (b *Bar) Done() {
	if b.bar != nil {
		_ = b.bar.Finish()
	}
}
