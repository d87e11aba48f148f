package orchestration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Srey123/seostream/internal/config"
	"github.com/Srey123/seostream/internal/ledger"
	"github.com/Srey123/seostream/internal/notify"
	"github.com/Srey123/seostream/internal/persist"
	"github.com/Srey123/seostream/internal/session"
	"github.com/Srey123/seostream/internal/stream"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory stream connection fed through Push.
type fakeConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	fail   chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 32), done: make(chan struct{}), fail: make(chan error, 1)}
}

func (c *fakeConn) Push(s string) { c.frames <- []byte(s) }

// Drop simulates the server going away.
func (c *fakeConn) Drop(err error) { c.fail <- err }

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.done:
		return nil, errors.New("use of closed connection")
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.fail:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	addrs []string
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.addrs)
}

// saveCall is one create or update seen by fakeService.
type saveCall struct {
	RecordID *int64
	Input    persist.RecordInput
}

// fakeService is an in-memory persistence service.
type fakeService struct {
	mu      sync.Mutex
	nextID  int64
	saves   []saveCall
	records map[int64]persist.RecordContent
	clock   time.Time

	saveErr      error
	historyCalls int

	// When set, each save signals started and then waits for release.
	started chan struct{}
	release chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		nextID:  100,
		records: make(map[int64]persist.RecordContent),
		clock:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeService) gate() {
	if f.started == nil {
		return
	}
	f.started <- struct{}{}
	<-f.release
}

func (f *fakeService) store(id int64, in persist.RecordInput) persist.SavedRecord {
	f.clock = f.clock.Add(time.Minute)
	f.records[id] = persist.RecordContent{
		ID: id, Topic: in.Topic, Content: in.Content, SEOScore: in.SEOScore,
		Iterations: in.Iterations, GeneratedAt: f.clock,
	}
	it := in.Iterations
	return persist.SavedRecord{ID: id, GeneratedAt: f.clock, SEOScore: in.SEOScore, Iterations: &it}
}

func (f *fakeService) CreateRecord(_ context.Context, in persist.RecordInput) (persist.SavedRecord, error) {
	f.gate()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{Input: in})
	if f.saveErr != nil {
		return persist.SavedRecord{}, f.saveErr
	}
	f.nextID++
	return f.store(f.nextID, in), nil
}

func (f *fakeService) UpdateRecord(_ context.Context, id int64, in persist.RecordInput) (persist.SavedRecord, error) {
	f.gate()
	f.mu.Lock()
	defer f.mu.Unlock()
	rid := id
	f.saves = append(f.saves, saveCall{RecordID: &rid, Input: in})
	if f.saveErr != nil {
		return persist.SavedRecord{}, f.saveErr
	}
	return f.store(id, in), nil
}

func (f *fakeService) History(_ context.Context, _ string) ([]ledger.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	out := make([]ledger.HistoryRecord, 0, len(f.records))
	for _, rc := range f.records {
		out = append(out, ledger.HistoryRecord{ID: rc.ID, Topic: rc.Topic, GeneratedAt: rc.GeneratedAt, SEOScore: rc.SEOScore})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeService) FetchRecord(_ context.Context, id int64) (persist.RecordContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.records[id]
	if !ok {
		return persist.RecordContent{}, errors.Join(persist.ErrRemote, errors.New("Record not found"))
	}
	return rc, nil
}

func (f *fakeService) Login(_ context.Context, email, password string) (persist.Principal, error) {
	if password != "pw" {
		return persist.Principal{}, persist.ErrRemote
	}
	return persist.Principal{ID: "u-" + email, Name: email}, nil
}

func (f *fakeService) calls() []saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]saveCall(nil), f.saves...)
}

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs every timer that came due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// noticeRecorder collects notices.
type noticeRecorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *noticeRecorder) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	return nil
}

func (r *noticeRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notices {
		out = append(out, n.Title)
	}
	return out
}

type harness struct {
	o       *Orchestrator
	dialer  *fakeDialer
	svc     *fakeService
	clock   *manualClock
	notices *noticeRecorder
}

func newHarness(t *testing.T, policy string) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{},
		svc:     newFakeService(),
		clock:   &manualClock{},
		notices: &noticeRecorder{},
	}
	disp, err := stream.NewDispatcher(stream.DispatcherOpts{BaseURL: "ws://stream.test/generate-stream", Dialer: h.dialer})
	require.NoError(t, err)
	syncer, err := persist.NewSynchronizer(persist.SynchronizerOpts{Service: h.svc})
	require.NoError(t, err)
	h.o, err = New(Opts{
		Dispatcher:   disp,
		Synchronizer: syncer,
		Notifier:     h.notices,
		Watchdog:     config.WatchdogConfig{Timeout: 50 * time.Second, Policy: policy},
		Clock:        h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(h.o.Close)
	return h
}

// login makes u1 the active principal.
func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.SetPrincipal(context.Background(), persist.Principal{ID: "u1", Name: "Ann"}))
}

// waitConn returns the i-th dialed connection once it exists.
func (h *harness) waitConn(t *testing.T, i int) *fakeConn {
	t.Helper()
	var c *fakeConn
	require.Eventually(t, func() bool { c = h.dialer.conn(i); return c != nil }, time.Second, time.Millisecond)
	return c
}

// eventually waits until cond holds for the current snapshot.
func (h *harness) eventually(t *testing.T, cond func(s session.Session) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.o.Snapshot()) }, 2*time.Second, time.Millisecond, msg)
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.o.Flush(ctx))
}
