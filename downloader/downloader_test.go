package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/s0ultr4d3r/tilelayer/tiles"
)

type outcome struct {
	resp tiles.Response
	err  error
}

// gatedFetcher holds every request until the test releases it.
type gatedFetcher struct {
	started chan string

	mu    sync.Mutex
	gates map[string]chan outcome
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		started: make(chan string, 100),
		gates:   make(map[string]chan outcome),
	}
}

func (f *gatedFetcher) gate(url string) chan outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[url]
	if !ok {
		g = make(chan outcome, 1)
		f.gates[url] = g
	}
	return g
}

func (f *gatedFetcher) Fetch(ctx context.Context, req tiles.Request) (tiles.Response, error) {
	g := f.gate(req.URL)
	f.started <- req.URL
	select {
	case o := <-g:
		return o.resp, o.err
	case <-ctx.Done():
		return tiles.Response{}, ctx.Err()
	}
}

func (f *gatedFetcher) release(url, body string) {
	f.gate(url) <- outcome{resp: tiles.Response{Body: []byte(body), StatusCode: http.StatusOK}}
}

func (f *gatedFetcher) releaseCached(url, body string) {
	f.gate(url) <- outcome{resp: tiles.Response{Body: []byte(body), StatusCode: http.StatusOK, FromCache: true}}
}

func (f *gatedFetcher) fail(url string, code int) {
	f.gate(url) <- outcome{
		resp: tiles.Response{StatusCode: code},
		err:  &tiles.StatusError{URL: url, Code: code},
	}
}

func (f *gatedFetcher) next(t *testing.T) string {
	t.Helper()
	select {
	case u := <-f.started:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("no request was dispatched")
		return ""
	}
}

func (f *gatedFetcher) expectIdle(t *testing.T) {
	t.Helper()
	select {
	case u := <-f.started:
		t.Fatalf("unexpected dispatch of %q", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestAddToQueueDedup(t *testing.T) {
	d := New(newGatedFetcher(), Options{MaxConnections: 2})
	defer d.Close()

	require.True(t, d.AddToQueue("a"))
	require.False(t, d.AddToQueue("a"))
	require.True(t, d.AddToQueue("b"))
	require.False(t, d.AddToQueue("b"))
	require.Equal(t, 2, d.QueueCount())
	require.Equal(t, 0, d.InFlightCount())
}

func TestSlidingWindow(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	s := d.Start([]string{"a", "b", "c", "d"}, 0)

	first := []string{f.next(t), f.next(t)}
	sort.Strings(first)
	require.Equal(t, []string{"a", "b"}, first)
	f.expectIdle(t)
	require.Equal(t, 2, d.InFlightCount())
	require.Equal(t, 2, d.QueueCount())

	f.release("a", "A")
	require.Equal(t, "c", f.next(t))
	f.release("b", "B")
	require.Equal(t, "d", f.next(t))
	f.release("c", "C")
	f.release("d", "D")

	waitDone(t, s)
	want := map[string][]byte{"a": []byte("A"), "b": []byte("B"), "c": []byte("C"), "d": []byte("D")}
	if diff := cmp.Diff(want, s.Files()); diff != "" {
		t.Errorf("Files mismatch (-want+got):\n%v", diff)
	}
	require.Equal(t, Stats{Downloaded: 4, Errors: 0, CacheHits: 0, Total: 4}, d.Stats())
	require.Equal(t, NoError, d.ErrorStatus())
	require.Equal(t, 0, d.UnfinishedCount())
	require.Equal(t, 4, d.FinishedCount())
}

func TestFetchFilesAsyncDedupsInput(t *testing.T) {
	var calls atomic.Int32
	f := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
		calls.Add(1)
		return tiles.Response{Body: []byte(req.URL), StatusCode: http.StatusOK}, nil
	})
	d := New(f, Options{MaxConnections: 1})
	defer d.Close()

	files := d.FetchFilesAsync(context.Background(), []string{"a", "b", "a", "b", "a"}, 0)
	require.Len(t, files, 2)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, 2, d.Stats().Total)
}

func TestConcurrencyCapAndCompletion(t *testing.T) {
	const maxConns = 3
	var cur, peak atomic.Int32
	f := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		cur.Add(-1)
		if strings.HasPrefix(req.URL, "bad") {
			return tiles.Response{StatusCode: http.StatusNotFound}, &tiles.StatusError{URL: req.URL, Code: http.StatusNotFound}
		}
		return tiles.Response{Body: []byte(req.URL), StatusCode: http.StatusOK}, nil
	})
	d := New(f, Options{MaxConnections: maxConns})
	defer d.Close()

	var urls []string
	for i := range 40 {
		if i%5 == 0 {
			urls = append(urls, fmt.Sprintf("bad/%d", i))
		} else {
			urls = append(urls, fmt.Sprintf("ok/%d", i))
		}
	}

	files := d.FetchFilesAsync(context.Background(), urls, 0)

	require.LessOrEqual(t, peak.Load(), int32(maxConns))
	st := d.Stats()
	require.Equal(t, len(urls), st.Downloaded+st.Errors)
	require.Equal(t, 8, st.Errors)
	require.Len(t, files, st.Downloaded)
	for u := range files {
		require.True(t, strings.HasPrefix(u, "ok/"), u)
	}
	require.Equal(t, UnknownError, d.ErrorStatus())
}

func TestSingleFailure(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{})
	defer d.Close()

	var got []Reply
	d.Subscribe(func(r Reply) { got = append(got, r) })

	s := d.Start([]string{"a"}, 0)
	require.Equal(t, "a", f.next(t))
	f.fail("a", http.StatusInternalServerError)
	waitDone(t, s)

	require.NotContains(t, s.Files(), "a")
	require.Equal(t, 1, d.Stats().Errors)
	require.Equal(t, UnknownError, d.ErrorStatus())
	require.Equal(t, UnknownError, s.ErrorStatus())

	require.Len(t, got, 1)
	require.Equal(t, http.StatusInternalServerError, got[0].StatusCode)
	var se *tiles.StatusError
	require.True(t, errors.As(got[0].Err, &se))
}

func TestTimeoutAbortsEverything(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	var aborted atomic.Int32
	d.Subscribe(func(r Reply) {
		if errors.Is(r.Err, ErrAborted) {
			aborted.Add(1)
		}
	})

	start := time.Now()
	files := d.FetchFilesAsync(context.Background(), []string{"a", "b", "c", "d", "e"}, 50*time.Millisecond)

	require.Less(t, time.Since(start), time.Second)
	require.Empty(t, files)
	require.Equal(t, TimeoutError, d.ErrorStatus())
	require.Equal(t, 0, d.QueueCount())
	require.Equal(t, 0, d.InFlightCount())
	require.Equal(t, Stats{Total: 5}, d.Stats())
	require.EqualValues(t, 2, aborted.Load())
}

func TestTimeoutOverridesEarlierError(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	s := d.Start([]string{"a", "b"}, 100*time.Millisecond)
	first := []string{f.next(t), f.next(t)}
	sort.Strings(first)
	require.Equal(t, []string{"a", "b"}, first)
	f.fail("a", http.StatusBadGateway)

	waitDone(t, s)
	require.Equal(t, TimeoutError, s.ErrorStatus())
	require.Equal(t, 1, s.Stats().Errors)
}

func TestSessionReset(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
		if req.URL == "x2" {
			return tiles.Response{}, errors.New("connection refused")
		}
		return tiles.Response{Body: []byte(req.URL), StatusCode: http.StatusOK, FromCache: req.URL == "x1"}, nil
	})
	d := New(f, Options{})
	defer d.Close()

	first := d.FetchFilesAsync(context.Background(), []string{"x1", "x2", "x3"}, 0)
	require.Len(t, first, 2)
	require.Equal(t, Stats{Downloaded: 2, Errors: 1, CacheHits: 1, Total: 3}, d.Stats())
	require.Equal(t, UnknownError, d.ErrorStatus())

	second := d.FetchFilesAsync(context.Background(), []string{"y1", "y2"}, 0)
	if diff := cmp.Diff(map[string][]byte{"y1": []byte("y1"), "y2": []byte("y2")}, second); diff != "" {
		t.Errorf("second session mismatch (-want+got):\n%v", diff)
	}
	require.Equal(t, Stats{Downloaded: 2, Total: 2}, d.Stats())
	require.Equal(t, NoError, d.ErrorStatus())

	// the first result is not touched by the second session
	require.Len(t, first, 2)
}

func TestEmptySession(t *testing.T) {
	d := New(newGatedFetcher(), Options{})
	defer d.Close()

	files := d.FetchFilesAsync(context.Background(), nil, time.Second)
	require.NotNil(t, files)
	require.Empty(t, files)
	require.Equal(t, Stats{}, d.Stats())
}

func TestNotificationsBeforeNextDispatch(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	f := newGatedFetcher()
	wrapped := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
		record("start " + req.URL)
		return f.Fetch(ctx, req)
	})
	d := New(wrapped, Options{MaxConnections: 1})
	defer d.Close()

	var second []string
	d.Subscribe(func(r Reply) { record("reply " + r.URL) })
	unsubscribe := d.Subscribe(func(r Reply) { second = append(second, r.URL) })

	s := d.Start([]string{"a", "b", "c"}, 0)
	require.Equal(t, "a", f.next(t))
	f.releaseCached("a", "A")
	require.Equal(t, "b", f.next(t))
	unsubscribe()
	f.release("b", "B")
	require.Equal(t, "c", f.next(t))
	f.release("c", "C")
	waitDone(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"start a", "reply a", "start b", "reply b", "start c", "reply c"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("event order mismatch (-want+got):\n%v", diff)
	}
	require.Equal(t, []string{"a"}, second)
	require.Equal(t, 1, s.Stats().CacheHits)
}

func TestAbort(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	// nothing to abort
	d.Abort()
	require.Equal(t, NoError, d.ErrorStatus())

	s := d.Start([]string{"a", "b", "c"}, 0)
	f.next(t)
	f.next(t)
	d.Abort()
	waitDone(t, s)

	require.Empty(t, s.Files())
	require.Equal(t, 0, d.UnfinishedCount())
	require.Equal(t, Stats{Total: 3}, s.Stats())
	require.Equal(t, NoError, s.ErrorStatus())

	d.Abort()
	f.expectIdle(t)
}

func TestFetchFilesAsyncContextCancel(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-f.started
		f.release("a", "A")
		<-f.started
		cancel()
	}()

	files := d.FetchFilesAsync(ctx, []string{"a", "b", "c"}, 0)
	require.LessOrEqual(t, len(files), 1)
	require.Equal(t, 0, d.UnfinishedCount())
}

func TestSyncMode(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 4})
	defer d.Close()

	replies := make(chan Reply, 10)
	d.Subscribe(func(r Reply) { replies <- r })

	d.FetchFiles([]string{"a", "b", "c"})
	require.Equal(t, "a", f.next(t))
	f.expectIdle(t)
	require.Equal(t, 1, d.InFlightCount())

	f.release("a", "A")
	r := <-replies
	require.Equal(t, "a", r.URL)
	require.NoError(t, r.Err)
	require.Equal(t, "b", f.next(t))

	d.Fetch("d")
	require.Equal(t, "c", f.next(t))
	f.release("b", "B")
	f.release("c", "C")
	require.Equal(t, "d", f.next(t))
	f.release("d", "D")
	for range 3 {
		<-replies
	}

	require.Equal(t, 0, d.FinishedCount())
	require.Equal(t, Stats{Downloaded: 4, Total: 4}, d.Stats())
}

func TestWaitPolling(t *testing.T) {
	t.Run("finishes", func(t *testing.T) {
		f := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
			return tiles.Response{Body: []byte("ok"), StatusCode: http.StatusOK}, nil
		})
		d := New(f, Options{})
		defer d.Close()

		s := d.Start([]string{"a", "b"}, 0)
		files := d.WaitPolling(context.Background(), s, 10*time.Millisecond, time.Second)
		require.Len(t, files, 2)
	})

	t.Run("times out", func(t *testing.T) {
		d := New(newGatedFetcher(), Options{})
		defer d.Close()

		s := d.Start([]string{"a", "b"}, 0)
		files := d.WaitPolling(context.Background(), s, 10*time.Millisecond, 30*time.Millisecond)
		require.Empty(t, files)
		require.Equal(t, TimeoutError, d.ErrorStatus())
		require.Equal(t, 0, d.UnfinishedCount())
	})

	t.Run("stopped", func(t *testing.T) {
		d := New(newGatedFetcher(), Options{})
		defer d.Close()

		ctx, cancel := context.WithCancel(context.Background())
		s := d.Start([]string{"a"}, 0)
		time.AfterFunc(20*time.Millisecond, cancel)

		start := time.Now()
		files := d.WaitPolling(ctx, s, 10*time.Millisecond, time.Minute)
		require.Less(t, time.Since(start), time.Second)
		require.Empty(t, files)
		require.Equal(t, NoError, d.ErrorStatus())
	})
}

func TestStatusFinalAfterSlowSubscriber(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req tiles.Request) (tiles.Response, error) {
		return tiles.Response{Body: []byte("ok"), StatusCode: http.StatusOK}, nil
	})
	d := New(f, Options{})
	defer d.Close()

	// the timer fires while the reactor is still in the last reply
	d.Subscribe(func(Reply) { time.Sleep(100 * time.Millisecond) })

	s := d.Start([]string{"a"}, 50*time.Millisecond)
	waitDone(t, s)
	time.Sleep(50 * time.Millisecond)

	require.Len(t, s.Files(), 1)
	require.Equal(t, NoError, s.ErrorStatus())
	require.Equal(t, NoError, d.ErrorStatus())
	require.Equal(t, Stats{Downloaded: 1, Total: 1}, d.Stats())

	d.abortSession(s, ErrTimeout)
	d.Timeout()
	require.Equal(t, NoError, d.ErrorStatus())
}

func TestWaitPollingShortTimeout(t *testing.T) {
	d := New(newGatedFetcher(), Options{})
	defer d.Close()

	s := d.Start([]string{"a"}, 0)
	start := time.Now()
	d.WaitPolling(context.Background(), s, time.Second, 30*time.Millisecond)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, TimeoutError, s.ErrorStatus())
}

func TestFetchJoinsAsyncSession(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{MaxConnections: 2})
	defer d.Close()

	s := d.Start([]string{"a"}, 0)
	require.Equal(t, "a", f.next(t))

	d.Fetch("b")
	require.Equal(t, "b", f.next(t))
	f.release("a", "A")
	f.release("b", "B")

	waitDone(t, s)
	if diff := cmp.Diff(map[string][]byte{"a": []byte("A"), "b": []byte("B")}, s.Files()); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, Stats{Downloaded: 2, Total: 2}, s.Stats())
}

func TestClose(t *testing.T) {
	f := newGatedFetcher()
	d := New(f, Options{})

	s := d.Start([]string{"a"}, 0)
	f.next(t)
	d.Close()
	waitDone(t, s)
	require.Empty(t, s.Files())

	// closed downloader finishes new sessions at once
	s = d.Start([]string{"b"}, 0)
	waitDone(t, s)
	require.Empty(t, s.Files())
	d.Close()
}
