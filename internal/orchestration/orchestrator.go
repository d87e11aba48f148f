// Package orchestration is the public face of a generation session: it
// starts and cancels sessions, feeds stream events through the transition
// table, sequences persistence and exposes state to observers.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Srey123/seostream/internal/config"
	"github.com/Srey123/seostream/internal/ledger"
	"github.com/Srey123/seostream/internal/notify"
	"github.com/Srey123/seostream/internal/persist"
	"github.com/Srey123/seostream/internal/queue"
	"github.com/Srey123/seostream/internal/session"
	"github.com/Srey123/seostream/internal/stream"
	"go.uber.org/zap"
)

var (
	// ErrEmptyTopic is returned by Start for a blank topic.
	ErrEmptyTopic = errors.New("orchestration: topic is required")
	// ErrUnauthenticated is returned by Start when no principal is active.
	ErrUnauthenticated = errors.New("orchestration: not authenticated")
	// ErrSessionBusy is returned by LoadExisting while a session is running.
	ErrSessionBusy = errors.New("orchestration: a session is in progress")
	// ErrSuperseded is returned by LoadExisting when a newer command replaced
	// the session while the record was being fetched.
	ErrSuperseded = errors.New("orchestration: superseded by a newer session")
	// ErrClosed is returned by commands after Close.
	ErrClosed = errors.New("orchestration: orchestrator is closed")
)

const noticeBuffer = 64

// Orchestrator owns the single live session.
type Orchestrator struct {
	store    *session.Store
	disp     *stream.Dispatcher
	sync     *persist.Synchronizer
	notifier notify.Notifier
	log      *zap.Logger
	policy   string
	watchdog *watchdog

	jobs    *jobQueue
	notices chan notify.Notice
	errs    chan error

	// cmd serializes the commands that replace the session.
	cmd sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the persistence worker: the record id produced for the
	// generation of the most recent save.
	savedGen uint64
	savedID  *int64
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	Dispatcher   *stream.Dispatcher    // required
	Synchronizer *persist.Synchronizer // required
	Notifier     notify.Notifier       // defaults to logging notices
	Logger       *zap.Logger
	Watchdog     config.WatchdogConfig // zero timeout uses DefaultWatchdogTimeout
	Clock        Clock                 // defaults to the system clock
}

// New creates an Orchestrator and starts its background workers. Call
// Close to stop them.
func New(opts Opts) (*Orchestrator, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("orchestration: dispatcher is required")
	}
	if opts.Synchronizer == nil {
		return nil, fmt.Errorf("orchestration: synchronizer is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: log}
	}
	clock := opts.Clock
	if clock == nil {
		clock = systemClock{}
	}
	policy := opts.Watchdog.Policy
	if policy == "" {
		policy = config.PolicyAssumeValidated
	}
	switch policy {
	case config.PolicyAssumeValidated, config.PolicyFail, config.PolicyDisabled:
	default:
		return nil, fmt.Errorf("orchestration: unknown watchdog policy %q", policy)
	}
	timeout := opts.Watchdog.Timeout
	if timeout == 0 {
		timeout = DefaultWatchdogTimeout
	}
	if policy == config.PolicyDisabled {
		timeout = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:    session.NewStore(),
		disp:     opts.Dispatcher,
		sync:     opts.Synchronizer,
		notifier: notifier,
		log:      log,
		policy:   policy,
		watchdog: &watchdog{clock: clock, timeout: timeout},
		jobs:     newJobQueue(),
		notices:  make(chan notify.Notice, noticeBuffer),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	o.wg.Add(2)
	go o.persistLoop()
	go o.noticeLoop()
	return o, nil
}

// Start begins a new session for topic using model, replacing whatever
// session was live. ctx bounds the connection attempt only.
func (o *Orchestrator) Start(ctx context.Context, topic string, model session.ModelChoice) error {
	topic = strings.TrimSpace(topic)
	p, ok := o.sync.Principal()
	if !ok {
		return ErrUnauthenticated
	}
	if topic == "" {
		return ErrEmptyTopic
	}
	if o.ctx.Err() != nil {
		return ErrClosed
	}

	o.cmd.Lock()
	defer o.cmd.Unlock()

	gen := o.store.Begin(topic, model)
	o.watchdog.arm(gen, o.watchdogFired)

	key := stream.Key{Topic: topic, Provider: model.Provider, Model: model.Model, PrincipalID: p.ID}
	if _, err := o.disp.Open(ctx, key, o.handlers(gen)); err != nil {
		o.terminate(gen, "Could not open the generation stream", err)
		return fmt.Errorf("orchestration: start: %w", err)
	}
	o.log.Info("session started",
		zap.Uint64("generation", gen),
		zap.String("topic", topic),
		zap.String("model", model.String()),
		zap.String("principal", p.ID))
	return nil
}

// Cancel drops the live session: the connection is closed, the watchdog
// stopped and the session reset to idle. The ledger is left alone.
func (o *Orchestrator) Cancel() {
	o.cmd.Lock()
	defer o.cmd.Unlock()
	o.resetLocked()
	o.log.Info("session cancelled")
}

func (o *Orchestrator) resetLocked() uint64 {
	o.disp.Close()
	o.watchdog.stop()
	return o.store.Reset()
}

// LoadExisting replaces an idle session with a saved record for viewing.
// No connection is opened.
func (o *Orchestrator) LoadExisting(ctx context.Context, id int64) error {
	o.cmd.Lock()
	if o.store.Snapshot().Phase.Active() {
		o.cmd.Unlock()
		return ErrSessionBusy
	}
	gen := o.resetLocked()
	o.cmd.Unlock()

	rc, err := o.sync.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("orchestration: load record %d: %w", id, err)
	}
	_, ok := o.store.Load(gen, func(s *session.Session) {
		rid := rc.ID
		s.SetRecordID(&rid)
		s.Topic = rc.Topic
		s.Content = rc.Content
		s.Generated = rc.Content != ""
		if rc.SEOScore != nil {
			s.SetScore(*rc.SEOScore)
		}
		if rc.Iterations > 0 {
			s.Iterations = rc.Iterations
		}
	})
	if !ok {
		return ErrSuperseded
	}
	return nil
}

// Login authenticates and makes the result the active principal.
func (o *Orchestrator) Login(ctx context.Context, email, password string) (persist.Principal, error) {
	p, err := o.sync.Login(ctx, email, password)
	if err != nil {
		return persist.Principal{}, fmt.Errorf("orchestration: login: %w", err)
	}
	o.log.Info("logged in", zap.String("principal", p.ID))
	return p, nil
}

// SetPrincipal makes p the active principal without a login round trip and
// loads its history.
func (o *Orchestrator) SetPrincipal(ctx context.Context, p persist.Principal) error {
	o.sync.SetPrincipal(p)
	if err := o.sync.Refresh(ctx); err != nil {
		return fmt.Errorf("orchestration: load history: %w", err)
	}
	return nil
}

// Logout ends the session and forgets the principal and its history.
func (o *Orchestrator) Logout() {
	o.cmd.Lock()
	defer o.cmd.Unlock()
	o.resetLocked()
	o.sync.ClearPrincipal()
	o.log.Info("logged out")
}

// Principal returns the active principal.
func (o *Orchestrator) Principal() (persist.Principal, bool) {
	return o.sync.Principal()
}

// Snapshot returns a copy of the live session.
func (o *Orchestrator) Snapshot() session.Session {
	return o.store.Snapshot()
}

// History returns the ledger, most recent first.
func (o *Orchestrator) History() []ledger.HistoryRecord {
	return o.sync.Ledger().Records()
}

// GroupedHistory returns the ledger grouped by topic.
func (o *Orchestrator) GroupedHistory() []ledger.Group {
	return o.sync.Ledger().Groups()
}

// RefreshHistory reloads the ledger from the persistence service.
func (o *Orchestrator) RefreshHistory(ctx context.Context) error {
	return o.sync.Refresh(ctx)
}

// Subscribe returns a channel of session snapshots, one after every
// change, and a function that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan session.Session, func()) {
	return o.store.Subscribe()
}

// Errors reports persistence failures. Generation is never interrupted by
// them; the channel only lets the caller warn that content went unsaved.
func (o *Orchestrator) Errors() <-chan error {
	return o.errs
}

// Wait blocks until the session is idle and every queued save has run.
func (o *Orchestrator) Wait(ctx context.Context) error {
	snaps, unsubscribe := o.store.Subscribe()
	defer unsubscribe()
	for o.store.Snapshot().Phase.Active() {
		select {
		case <-snaps:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return o.Flush(ctx)
}

// Flush blocks until every queued persistence job has run.
func (o *Orchestrator) Flush(ctx context.Context) error {
	select {
	case <-o.jobs.drained():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection and stops the background workers. Queued
// persistence work that has not started is dropped.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.watchdog.stop()
		o.cancel()
		o.disp.Shutdown()
		o.wg.Wait()
	})
}

// handlers binds the stream callbacks to session generation gen.
func (o *Orchestrator) handlers(gen uint64) stream.Handlers {
	return stream.Handlers{
		OnMessage: func(connGen uint64, raw []byte) {
			o.handleFrame(gen, connGen, raw)
		},
		OnError: func(_ uint64, err error) {
			o.terminate(gen, "Could not connect to the generation service", err)
		},
		OnClose: func(_ uint64, err error) {
			if stream.IsNormalClose(err) {
				o.terminate(gen, "Generation stream ended before completion", nil)
				return
			}
			o.terminate(gen, "Connection to the generation service was lost", err)
		},
	}
}

func (o *Orchestrator) handleFrame(gen, connGen uint64, raw []byte) {
	ev, err := stream.Decode(raw)
	if err != nil {
		o.log.Warn("malformed stream frame", zap.Uint64("generation", gen), zap.Error(err))
		ev = stream.ServerError{Message: "Received a malformed message from the server."}
	}
	if u, ok := ev.(stream.Unknown); ok {
		o.log.Debug("ignoring unknown stream event", zap.String("event", u.Event))
		return
	}

	var fx stream.Effects
	applied := o.store.Update(gen, func(s *session.Session) {
		fx = stream.Apply(s, ev)
		// Queued before the new state is published, so Wait cannot see an
		// idle session whose final save is not yet queued.
		if fx.Save != nil {
			o.jobs.push(job{gen: gen, save: fx.Save})
		}
		if fx.RefreshHistory {
			o.jobs.push(job{gen: gen, refresh: true})
		}
	})
	if !applied {
		return
	}
	o.log.Debug("stream event applied", zap.Uint64("generation", gen), zap.String("event", ev.Name()))

	if fx.CancelWatchdog {
		o.watchdog.cancel(gen)
	}
	if fx.Close {
		o.disp.CloseGeneration(connGen)
	}
	for _, n := range fx.Notices {
		o.emit(n)
	}
}

// terminate ends session gen after a transport failure. It is a no-op once
// the session is idle or superseded.
func (o *Orchestrator) terminate(gen uint64, reason string, err error) {
	msg := reason
	if err != nil {
		msg = reason + ": " + err.Error()
	}
	ended := false
	o.store.Update(gen, func(s *session.Session) {
		if !s.Phase.Active() {
			return
		}
		s.Advance(session.PhaseIdle)
		s.Queue = queue.Idle()
		s.LastError = msg
		ended = true
	})
	o.watchdog.cancel(gen)
	if !ended {
		return
	}
	o.log.Warn("session ended by transport failure", zap.Uint64("generation", gen), zap.String("reason", msg))
	o.emit(notify.Notice{Title: "Connection error", Body: msg, Severity: notify.SeverityError})
}

// watchdogFired applies the configured policy when validation takes too
// long.
func (o *Orchestrator) watchdogFired(gen uint64) {
	switch o.policy {
	case config.PolicyFail:
		o.cmd.Lock()
		defer o.cmd.Unlock()
		if o.store.Snapshot().Generation != gen {
			return
		}
		o.disp.Close()
		o.terminate(gen, "Topic validation timed out", nil)

	case config.PolicyAssumeValidated:
		assumed := false
		o.store.Update(gen, func(s *session.Session) {
			if s.Phase != session.PhaseValidating {
				return
			}
			s.Advance(session.PhaseGenerating)
			s.ValidationAssumed = true
			s.ValidationMessage = "Validation is taking longer than expected; continuing with generation."
			assumed = true
		})
		if assumed {
			o.log.Warn("validation watchdog fired, assuming topic is valid", zap.Uint64("generation", gen))
			o.emit(notify.Notice{
				Title:    "Validation timed out",
				Body:     "No validation result from the server; continuing with generation.",
				Severity: notify.SeverityWarning,
			})
		}
	}
}

func (o *Orchestrator) emit(n notify.Notice) {
	select {
	case o.notices <- n:
	default:
		o.log.Warn("notice dropped", zap.String("title", n.Title))
	}
}

// noticeLoop delivers notices in order. Notices still queued at Close are
// delivered before it returns.
func (o *Orchestrator) noticeLoop() {
	defer o.wg.Done()
	for {
		select {
		case n := <-o.notices:
			o.deliver(o.ctx, n)
		case <-o.ctx.Done():
			ctx := context.WithoutCancel(o.ctx)
			for {
				select {
				case n := <-o.notices:
					o.deliver(ctx, n)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) deliver(ctx context.Context, n notify.Notice) {
	if err := o.notifier.Notify(ctx, n); err != nil {
		o.log.Warn("notification failed", zap.String("title", n.Title), zap.Error(err))
	}
}

func (o *Orchestrator) persistLoop() {
	defer o.wg.Done()
	for {
		j, ok := o.jobs.next(o.ctx)
		if !ok {
			return
		}
		switch {
		case j.save != nil:
			o.runSave(j.gen, *j.save)
		case j.refresh:
			if err := o.sync.Refresh(o.ctx); err != nil {
				o.report(j.gen, fmt.Errorf("orchestration: refresh history: %w", err))
			}
		}
	}
}

// runSave issues one save. The record id comes from the session when the
// save runs, or from an earlier save of the same generation whose result
// could no longer be applied to the session.
func (o *Orchestrator) runSave(gen uint64, req stream.SaveSpec) {
	if gen != o.savedGen {
		o.savedGen = gen
		o.savedID = nil
	}
	recordID := o.savedID
	if snap := o.store.Snapshot(); snap.Generation == gen && snap.RecordID != nil {
		recordID = snap.RecordID
	}

	res, err := o.sync.Save(o.ctx, persist.SaveRequest{
		Content:    req.Content,
		Score:      req.Score,
		Iterations: req.Iterations,
		RecordID:   recordID,
		Topic:      req.Topic,
	})
	if err != nil {
		o.report(gen, fmt.Errorf("orchestration: save: %w", err))
		return
	}
	id := res.ID
	o.savedID = &id

	applied := o.store.Update(gen, func(s *session.Session) {
		if s.RecordID == nil {
			s.SetRecordID(&id)
		}
		if res.Score != nil && s.SEOScore == nil {
			s.SetScore(*res.Score)
		}
		if res.Iterations != nil && *res.Iterations > s.Iterations {
			s.Iterations = *res.Iterations
		}
	})
	if !applied {
		o.log.Debug("save finished after its session ended", zap.Uint64("generation", gen), zap.Int64("record_id", id))
	}
}

// report publishes a persistence failure without touching the session.
func (o *Orchestrator) report(gen uint64, err error) {
	if o.ctx.Err() != nil {
		return
	}
	if errors.Is(err, persist.ErrUnauthenticated) && o.store.Generation() != gen {
		o.log.Debug("dropping save for a logged-out session", zap.Error(err))
		return
	}
	o.log.Warn("persistence failed", zap.Uint64("generation", gen), zap.Error(err))
	select {
	case o.errs <- err:
	default:
		o.log.Warn("persistence error dropped, channel full")
	}
	o.emit(notify.Notice{
		Title:    "Content generated but not saved",
		Body:     err.Error(),
		Severity: notify.SeverityWarning,
	})
}
