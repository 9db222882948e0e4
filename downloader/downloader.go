package downloader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/s0ultr4d3r/tilelayer/tiles"
)

// ErrorStatus classifies a session. Once set it is only cleared by the next
// session.
type ErrorStatus int32

const (
	NoError      ErrorStatus = 0
	TimeoutError ErrorStatus = 4
	UnknownError ErrorStatus = -1
)

func (s ErrorStatus) String() string {
	switch s {
	case NoError:
		return "no error"
	case TimeoutError:
		return "timeout"
	default:
		return "network error"
	}
}

var (
	// ErrAborted is reported for requests cancelled by Abort or a timeout.
	ErrAborted = errors.New("downloader: request aborted")
	ErrTimeout = fmt.Errorf("%w: session timed out", ErrAborted)
	ErrClosed  = errors.New("downloader: closed")
)

// Fetcher performs one GET. *tiles.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req tiles.Request) (tiles.Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req tiles.Request) (tiles.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req tiles.Request) (tiles.Response, error) {
	return f(ctx, req)
}

// Options configures a Downloader. It is fixed at construction.
type Options struct {
	// MaxConnections caps concurrent requests.
	// Default: 6
	MaxConnections int

	// CacheExpiry is passed to the Fetcher with every request. A negative
	// value bypasses the cache.
	// Default: 24h
	CacheExpiry time.Duration

	UserAgent string

	// Logger receives debug traces of the request lifecycle.
	// Default: no-op
	Logger *zap.Logger
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Downloaded int
	Errors     int
	CacheHits  int
	Total      int
}

// Reply is the completion notification of one request.
type Reply struct {
	URL        string
	Err        error
	StatusCode int
	FromCache  bool
	// Stats as of this reply.
	Stats Stats
}

type request struct {
	url    string
	cancel context.CancelFunc
}

type result struct {
	req  *request
	resp tiles.Response
	err  error
}

type subscriber struct {
	id int
	fn func(Reply)
}

// Downloader fetches URLs with at most MaxConnections requests in flight.
// Create one per layer.
type Downloader struct {
	fetcher Fetcher
	opts    Options
	log     *zap.Logger

	calls     chan func()
	results   chan result
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	subMu   sync.RWMutex
	subs    []subscriber
	nextSub int

	// published for observers
	successes  atomic.Int64
	errors     atomic.Int64
	cacheHits  atomic.Int64
	total      atomic.Int64
	status     atomic.Int32
	queued     atomic.Int64
	inFlightN  atomic.Int64
	finished   atomic.Int64
	unfinished atomic.Int64

	// reactor only
	queue    []string
	pending  map[string]struct{}
	inFlight map[string]*request
	async    bool
	files    map[string][]byte
	session  *Session
	timer    *time.Timer
	gen      uint64
}

// New starts a Downloader. Close releases it.
func New(f Fetcher, opts Options) *Downloader {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = tiles.DefaultMaxConnections
	}
	if opts.CacheExpiry == 0 {
		opts.CacheExpiry = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Downloader{
		fetcher:  f,
		opts:     opts,
		log:      opts.Logger.Named("downloader"),
		calls:    make(chan func()),
		results:  make(chan result),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]struct{}),
		inFlight: make(map[string]*request),
		files:    make(map[string][]byte),
	}
	go d.run()
	return d
}

// MaxConnections is the connection cap.
func (d *Downloader) MaxConnections() int { return d.opts.MaxConnections }

func (d *Downloader) run() {
	defer close(d.stopped)
	for {
		select {
		case fn := <-d.calls:
			fn()
		case r := <-d.results:
			d.replyFinished(r)
		case <-d.quit:
			d.abort(ErrClosed)
			d.finishSession()
			d.cancel()
			return
		}
	}
}

// call runs fn on the reactor and waits for it. It reports false when the
// Downloader is closed.
func (d *Downloader) call(fn func()) bool {
	done := make(chan struct{})
	select {
	case d.calls <- func() { fn(); close(done) }:
	case <-d.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-d.stopped:
		return false
	}
}

// post queues fn on the reactor without waiting.
func (d *Downloader) post(fn func()) {
	select {
	case d.calls <- fn:
	case <-d.quit:
	}
}

// Close aborts outstanding requests and stops the reactor.
func (d *Downloader) Close() {
	d.closeOnce.Do(func() { close(d.quit) })
	<-d.stopped
}

// Subscribe registers fn for completion notifications. The returned func
// removes it.
func (d *Downloader) Subscribe(fn func(Reply)) (cancel func()) {
	d.subMu.Lock()
	d.nextSub++
	id := d.nextSub
	d.subs = append(d.subs, subscriber{id: id, fn: fn})
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

func (d *Downloader) notify(r Reply) {
	d.subMu.RLock()
	subs := d.subs
	d.subMu.RUnlock()
	for _, s := range subs {
		s.fn(r)
	}
}

// Start begins an async session over urls and returns without waiting.
// A positive timeout aborts whatever is still outstanding when it elapses.
func (d *Downloader) Start(urls []string, timeout time.Duration) *Session {
	s := newSession()
	if !d.call(func() { d.begin(s, urls, timeout) }) {
		s.finish(map[string][]byte{}, Stats{}, NoError)
	}
	return s
}

// FetchFilesAsync fetches urls and blocks until every one has succeeded,
// failed or been aborted. The result holds the bodies of the successful URLs
// only. Cancelling ctx aborts the session. It must not be called from a
// subscriber.
func (d *Downloader) FetchFilesAsync(ctx context.Context, urls []string, timeout time.Duration) map[string][]byte {
	s := d.Start(urls, timeout)
	select {
	case <-s.Done():
	case <-ctx.Done():
		d.abortSession(s, ErrAborted)
		<-s.Done()
	}
	return s.Files()
}

// FetchFiles starts a session in sync mode: bodies are not kept and results
// are only visible through subscribers. One request is dispatched now, the
// rest as earlier ones finish.
func (d *Downloader) FetchFiles(urls []string) {
	d.call(func() {
		d.reset(false, newSession())
		for _, u := range urls {
			d.addToQueue(u)
		}
		d.fetchNext()
	})
}

// Fetch queues url and dispatches the next queued request. While an async
// session is live the url joins it and its body ends up in the session's
// files; otherwise it is fetched in sync mode.
func (d *Downloader) Fetch(url string) {
	d.call(func() {
		if d.session == nil || d.session.isDone() {
			d.async = false
		}
		d.addToQueue(url)
		d.fetchNext()
	})
}

// AddToQueue queues url without dispatching it. It reports false when url is
// already queued or in flight.
func (d *Downloader) AddToQueue(url string) bool {
	var added bool
	d.call(func() { added = d.addToQueue(url) })
	return added
}

// Abort clears the queue and cancels every request in flight.
func (d *Downloader) Abort() {
	d.call(func() {
		d.abort(ErrAborted)
		d.finishSession()
	})
}

// Timeout aborts like Abort and marks the session as timed out.
func (d *Downloader) Timeout() {
	d.call(d.fetchTimedOut)
}

func (d *Downloader) abortSession(s *Session, cause error) {
	d.call(func() {
		if d.session != s || s.isDone() {
			return
		}
		if errors.Is(cause, ErrTimeout) {
			d.fetchTimedOut()
			return
		}
		d.abort(cause)
		d.finishSession()
	})
}

// Stats returns the counters of the current session.
func (d *Downloader) Stats() Stats {
	return Stats{
		Downloaded: int(d.successes.Load()),
		Errors:     int(d.errors.Load()),
		CacheHits:  int(d.cacheHits.Load()),
		Total:      int(d.total.Load()),
	}
}

func (d *Downloader) ErrorStatus() ErrorStatus { return ErrorStatus(d.status.Load()) }

// QueueCount is the number of URLs waiting for a connection.
func (d *Downloader) QueueCount() int { return int(d.queued.Load()) }

// InFlightCount is the number of requests on the wire.
func (d *Downloader) InFlightCount() int { return int(d.inFlightN.Load()) }

// UnfinishedCount is queued plus in flight.
func (d *Downloader) UnfinishedCount() int { return int(d.unfinished.Load()) }

// FinishedCount is the number of bodies collected by the async session.
func (d *Downloader) FinishedCount() int { return int(d.finished.Load()) }

// --- reactor side ---

func (d *Downloader) begin(s *Session, urls []string, timeout time.Duration) {
	d.reset(true, s)
	log := d.log.With(zap.String("session", s.id))
	log.Debug("fetchFilesAsync", zap.Int("urls", len(urls)), zap.Duration("timeout", timeout))

	for _, u := range urls {
		d.addToQueue(u)
	}
	if len(d.queue) == 0 {
		d.finishSession()
		return
	}
	for range d.opts.MaxConnections {
		d.fetchNext()
	}
	if timeout > 0 {
		gen := d.gen
		d.timer = time.AfterFunc(timeout, func() {
			d.post(func() {
				// the session may have finished while this was waiting
				if d.gen == gen && !s.isDone() {
					d.fetchTimedOut()
				}
			})
		})
	}
}

// reset drops the previous session. Requests it left in flight are cancelled
// without notification.
func (d *Downloader) reset(async bool, s *Session) {
	d.stopTimer()
	for u, req := range d.inFlight {
		req.cancel()
		delete(d.inFlight, u)
	}
	d.finishSession()

	d.gen++
	d.async = async
	d.session = s
	d.queue = nil
	clear(d.pending)
	d.files = make(map[string][]byte)
	d.successes.Store(0)
	d.errors.Store(0)
	d.cacheHits.Store(0)
	d.total.Store(0)
	d.finished.Store(0)
	d.status.Store(int32(NoError))
	d.publish()
}

func (d *Downloader) addToQueue(url string) bool {
	if _, ok := d.pending[url]; ok {
		return false
	}
	if _, ok := d.inFlight[url]; ok {
		return false
	}
	d.pending[url] = struct{}{}
	d.queue = append(d.queue, url)
	d.total.Add(1)
	d.publish()
	return true
}

func (d *Downloader) fetchNext() bool {
	if len(d.queue) == 0 || len(d.inFlight) >= d.opts.MaxConnections {
		return false
	}
	url := d.queue[0]
	d.queue = d.queue[1:]
	delete(d.pending, url)

	ctx, cancel := context.WithCancel(d.ctx)
	req := &request{url: url, cancel: cancel}
	d.inFlight[url] = req
	d.publish()
	d.log.Debug("fetchNext", zap.String("url", url), zap.Int("in_flight", len(d.inFlight)))

	go func() {
		resp, err := d.fetcher.Fetch(ctx, tiles.Request{
			URL:         url,
			UserAgent:   d.opts.UserAgent,
			CacheExpiry: d.opts.CacheExpiry,
		})
		select {
		case d.results <- result{req: req, resp: resp, err: err}:
		case <-d.quit:
		}
	}()
	return true
}

func (d *Downloader) replyFinished(r result) {
	url := r.req.url
	if cur, ok := d.inFlight[url]; !ok || cur != r.req {
		// aborted earlier
		return
	}
	delete(d.inFlight, url)
	r.req.cancel()

	rep := Reply{URL: url, Err: r.err, StatusCode: r.resp.StatusCode, FromCache: r.resp.FromCache}
	if r.err == nil {
		d.successes.Add(1)
		if r.resp.FromCache {
			d.cacheHits.Add(1)
		}
		if d.async {
			body := r.resp.Body
			if body == nil {
				body = []byte{}
			}
			d.files[url] = body
			d.finished.Store(int64(len(d.files)))
		}
	} else {
		d.errors.Add(1)
		var se *tiles.StatusError
		if errors.As(r.err, &se) {
			rep.StatusCode = se.Code
		}
		d.status.CompareAndSwap(int32(NoError), int32(UnknownError))
		d.log.Debug("request failed", zap.String("url", url), zap.Error(r.err))
	}
	d.publish()
	rep.Stats = d.Stats()
	d.notify(rep)

	if d.async && len(d.queue)+len(d.inFlight) == 0 {
		d.finishSession()
	}
	d.fetchNext()
}

// fetchTimedOut is a no-op once the session has ended; its status is final.
func (d *Downloader) fetchTimedOut() {
	if d.session != nil && d.session.isDone() {
		return
	}
	d.log.Debug("fetch timed out", zap.Int("unfinished", len(d.queue)+len(d.inFlight)))
	d.status.Store(int32(TimeoutError))
	d.abort(ErrTimeout)
	d.finishSession()
}

func (d *Downloader) abort(cause error) {
	d.queue = nil
	clear(d.pending)

	urls := make([]string, 0, len(d.inFlight))
	for u, req := range d.inFlight {
		req.cancel()
		urls = append(urls, u)
	}
	clear(d.inFlight)
	d.publish()

	sort.Strings(urls)
	for _, u := range urls {
		d.notify(Reply{URL: u, Err: cause, Stats: d.Stats()})
	}
}

func (d *Downloader) finishSession() {
	s := d.session
	if s == nil || s.isDone() {
		return
	}
	d.stopTimer()
	s.finish(d.files, d.Stats(), d.ErrorStatus())
	d.log.Debug("session finished",
		zap.String("session", s.id),
		zap.Int("files", len(d.files)),
		zap.Stringer("status", d.ErrorStatus()),
	)
}

func (d *Downloader) stopTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Downloader) publish() {
	d.queued.Store(int64(len(d.queue)))
	d.inFlightN.Store(int64(len(d.inFlight)))
	d.unfinished.Store(int64(len(d.queue) + len(d.inFlight)))
}

// Session is the handle of one fetch cycle.
type Session struct {
	id     string
	done   chan struct{}
	files  map[string][]byte
	stats  Stats
	status ErrorStatus
}

func newSession() *Session {
	return &Session{id: uuid.NewString(), done: make(chan struct{})}
}

func (s *Session) ID() string { return s.id }

// Done is closed when nothing is left queued or in flight.
func (s *Session) Done() <-chan struct{} { return s.done }

// Files maps each successful URL to its body. It is nil until Done.
func (s *Session) Files() map[string][]byte {
	if !s.isDone() {
		return nil
	}
	return s.files
}

// Stats are the final counters. Zero until Done.
func (s *Session) Stats() Stats {
	if !s.isDone() {
		return Stats{}
	}
	return s.stats
}

// ErrorStatus is the final classification. NoError until Done.
func (s *Session) ErrorStatus() ErrorStatus {
	if !s.isDone() {
		return NoError
	}
	return s.status
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) finish(files map[string][]byte, st Stats, status ErrorStatus) {
	s.files = files
	s.stats = st
	s.status = status
	close(s.done)
}
