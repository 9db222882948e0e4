// Package downloader fetches sets of tile URLs under a connection cap.
//
// A Downloader owns one reactor goroutine. The pending queue, the in-flight
// set and the result map are only touched by that goroutine; every public
// method that changes them sends it a message. Counters and the session
// error status are published through atomics so other goroutines can watch
// progress without locking.
//
// # Sessions
//
// Start begins a session: counters, results and error status are reset, the
// URLs are queued (duplicates dropped) and up to MaxConnections requests are
// dispatched. Whenever a request finishes the next queued URL takes its slot.
// The session ends when nothing is queued or in flight; its Done channel is
// then closed and Files holds the bodies of the successful URLs.
//
//	s := d.Start(urls, 30*time.Second)
//	<-s.Done()
//	files := s.Files()
//
// FetchFilesAsync wraps the above. WaitPolling waits in short slices so the
// caller can also react to its own cancellation.
//
// # Notifications
//
// Subscribers registered with Subscribe are called on the reactor goroutine
// once per finished request, before the next queued URL is dispatched. They
// must not call back into blocking Downloader methods.
package downloader
