package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

const testOrigin = "http://console.test"

// flush waits until every turn queued before the call has run.
func (c *Client) flush() {
	ch := make(chan struct{})
	if c.post(func() { close(ch) }) {
		<-ch
	}
}

type fakeConn struct {
	inbound   chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-f.inbound:
		return b, nil
	case err := <-f.readErr:
		return nil, err
	case <-f.closed:
		return nil, errors.New("fake: use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return errors.New("fake: write on closed connection")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), frame...))
	return nil
}

func (f *fakeConn) Close(string) error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(frame string) { f.inbound <- []byte(frame) }

// drop makes the pending Read fail with err.
func (f *fakeConn) drop(err error) { f.readErr <- err }

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.writes...)
}

type dialResult struct {
	conn Conn
	err  error
}

type dialCall struct {
	url    string
	result chan dialResult
}

func (d *dialCall) accept() *fakeConn {
	conn := newFakeConn()
	d.result <- dialResult{conn: conn}
	return conn
}

func (d *dialCall) reject(err error) {
	d.result <- dialResult{err: err}
}

type fakeDialer struct {
	calls chan *dialCall
	// stubborn dials wait for accept or reject even after ctx is done.
	stubborn bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{calls: make(chan *dialCall, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	call := &dialCall{url: url, result: make(chan dialResult, 1)}
	select {
	case d.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.stubborn {
		r := <-call.result
		return r.conn, r.err
	}
	select {
	case r := <-call.result:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T) *dialCall {
	t.Helper()
	select {
	case call := <-d.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func (d *fakeDialer) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case call := <-d.calls:
		t.Fatalf("unexpected dial to %s", call.url)
	case <-time.After(wait):
	}
}

type fakeTask struct {
	delay     time.Duration
	fn        func()
	cancelled bool
	fired     bool
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

type fakeTaskHandle struct {
	s *fakeScheduler
	t *fakeTask
}

func (h fakeTaskHandle) Cancel() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.t.cancelled = true
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTask{delay: d, fn: f}
	s.tasks = append(s.tasks, t)
	return fakeTaskHandle{s: s, t: t}
}

func (s *fakeScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) last() *fakeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return nil
	}
	return s.tasks[len(s.tasks)-1]
}

// fire runs the newest pending task the way a timer would.
func (s *fakeScheduler) fire(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return s.pending() > 0 }, 2*time.Second, 5*time.Millisecond, "no pending task")
	s.mu.Lock()
	task := s.tasks[len(s.tasks)-1]
	task.fired = true
	s.mu.Unlock()
	task.fn()
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func record(c *Client, types ...string) *recorder {
	r := &recorder{}
	for _, typ := range types {
		typ := typ
		c.On(typ, func(json.RawMessage) error {
			r.mu.Lock()
			r.events = append(r.events, typ)
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == typ {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, opts ...Option) (*Client, *fakeDialer, *fakeScheduler) {
	t.Helper()
	d := newFakeDialer()
	s := &fakeScheduler{}
	all := append([]Option{WithLogger(testLogger), WithDialer(d), WithScheduler(s)}, opts...)
	c, err := New(testOrigin, all...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, d, s
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state stayed %s, want %s", c.State(), want)
}
