package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Srey123/seostream/internal/config"
	"github.com/Srey123/seostream/internal/persist"
	"github.com/Srey123/seostream/internal/queue"
	"github.com/Srey123/seostream/internal/session"
	"github.com/Srey123/seostream/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

var gpt = session.ModelChoice{Provider: "openai", Model: "gpt-4o"}

func ptr[T any](v T) *T { return &v }

func TestNew_Validation(t *testing.T) {
	disp, err := stream.NewDispatcher(stream.DispatcherOpts{BaseURL: "ws://x/generate-stream", Dialer: &fakeDialer{}})
	require.NoError(t, err)
	syncer, err := persist.NewSynchronizer(persist.SynchronizerOpts{Service: newFakeService()})
	require.NoError(t, err)

	_, err = New(Opts{Synchronizer: syncer})
	assert.ErrorContains(t, err, "dispatcher is required")
	_, err = New(Opts{Dispatcher: disp})
	assert.ErrorContains(t, err, "synchronizer is required")
	_, err = New(Opts{Dispatcher: disp, Synchronizer: syncer, Watchdog: config.WatchdogConfig{Policy: "retry"}})
	assert.ErrorContains(t, err, `unknown watchdog policy "retry"`)
}

func TestStart_Preconditions(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	ctx := context.Background()

	assert.ErrorIs(t, h.o.Start(ctx, "Go generics", gpt), ErrUnauthenticated)

	h.login(t)
	assert.ErrorIs(t, h.o.Start(ctx, "   ", gpt), ErrEmptyTopic)
	assert.Equal(t, 0, h.dialer.dials())
	assert.Equal(t, session.PhaseIdle, h.o.Snapshot().Phase)

	h.o.Close()
	assert.ErrorIs(t, h.o.Start(ctx, "Go generics", gpt), ErrClosed)
}

func TestStart_DialsWithSessionKey(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "  Go generics ", gpt))
	h.waitConn(t, 0)

	h.dialer.mu.Lock()
	addr := h.dialer.addrs[0]
	h.dialer.mu.Unlock()
	assert.Contains(t, addr, "user_topic=Go+generics")
	assert.Contains(t, addr, "user_id=u1")

	s := h.o.Snapshot()
	assert.Equal(t, session.PhaseValidating, s.Phase)
	assert.Equal(t, "Go generics", s.Topic)
	assert.Equal(t, gpt, s.Model)
	assert.True(t, h.o.watchdog.pending())
}

func TestSession_FullRun(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{"event":"validated"}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseGenerating }, "validated")
	assert.False(t, h.o.watchdog.pending())

	conn.Push(`{"event":"seo_update","iteration":1,"seo_score":6.5,"blog_chunk":"Intro "}`)
	conn.Push(`{"event":"seo_update","iteration":1,"blog_chunk":"more"}`)
	h.eventually(t, func(s session.Session) bool { return s.Content == "Intro more" }, "chunks appended")

	conn.Push(`{"event":"complete","seo_score":9.2,"blog_content":"Full text","iterations":1}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseIdle }, "complete")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.o.Wait(ctx))

	calls := h.svc.calls()
	require.Len(t, calls, 3)
	assert.Nil(t, calls[0].RecordID)
	assert.Equal(t, "Intro ", calls[0].Input.Content)
	assert.Equal(t, ptr(6.5), calls[0].Input.SEOScore)
	assert.Equal(t, "u1", calls[0].Input.PrincipalID)

	require.NotNil(t, calls[1].RecordID)
	assert.Equal(t, int64(101), *calls[1].RecordID)
	assert.Equal(t, "Intro more", calls[1].Input.Content)

	require.NotNil(t, calls[2].RecordID)
	assert.Equal(t, int64(101), *calls[2].RecordID)
	assert.Equal(t, "Full text", calls[2].Input.Content)
	assert.Equal(t, ptr(9.2), calls[2].Input.SEOScore)
	assert.Equal(t, 1, calls[2].Input.Iterations)

	s := h.o.Snapshot()
	assert.Equal(t, ptr(int64(101)), s.RecordID)
	assert.Equal(t, ptr(9.2), s.SEOScore)
	assert.Equal(t, 1, s.Iterations)
	assert.True(t, s.Generated)
	assert.Empty(t, s.LastError)
	assert.True(t, s.Queue.IsIdle())

	hist := h.o.History()
	require.Len(t, hist, 1)
	assert.Equal(t, int64(101), hist[0].ID)
	assert.Equal(t, ptr(9.2), hist[0].SEOScore)

	assert.True(t, conn.closed())
	assert.False(t, h.o.disp.Connected())
	assert.False(t, h.o.watchdog.pending())
	require.Eventually(t, func() bool {
		return contains(h.notices.titles(), "Optimization complete")
	}, time.Second, time.Millisecond)
}

func TestSession_StartSupersedesPrevious(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.o.Start(ctx, "alpha", gpt))
	first := h.waitConn(t, 0)
	first.Push(`{"event":"validated"}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseGenerating }, "alpha validated")
	genA := h.o.Snapshot().Generation

	require.NoError(t, h.o.Start(ctx, "beta", gpt))
	second := h.waitConn(t, 1)
	assert.True(t, first.closed())

	s := h.o.Snapshot()
	assert.Greater(t, s.Generation, genA)
	assert.Equal(t, "beta", s.Topic)
	assert.Equal(t, session.PhaseValidating, s.Phase)

	// A frame routed to the old session is dropped.
	h.o.handleFrame(genA, 1, []byte(`{"event":"seo_update","blog_chunk":"stale"}`))
	assert.Empty(t, h.o.Snapshot().Content)

	second.Push(`{"event":"seo_update","blog_chunk":"fresh"}`)
	h.eventually(t, func(s session.Session) bool { return s.Content == "fresh" }, "beta chunk")
	h.flush(t)
	for _, c := range h.svc.calls() {
		assert.Equal(t, "beta", c.Input.Topic)
	}
}

func TestWatchdog_CancelledByValidation(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	h.clock.Advance(10 * time.Second)
	conn.Push(`{"event":"validated","message":"Looks good"}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseGenerating }, "validated")

	h.clock.Advance(40 * time.Second)
	s := h.o.Snapshot()
	assert.False(t, s.ValidationAssumed)
	assert.Equal(t, "Looks good", s.ValidationMessage)
}

func TestWatchdog_AssumeValidated(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	h.clock.Advance(49 * time.Second)
	assert.Equal(t, session.PhaseValidating, h.o.Snapshot().Phase)
	h.clock.Advance(time.Second)

	s := h.o.Snapshot()
	assert.Equal(t, session.PhaseGenerating, s.Phase)
	assert.True(t, s.ValidationAssumed)
	assert.Contains(t, s.ValidationMessage, "taking longer than expected")
	assert.False(t, conn.closed())
	require.Eventually(t, func() bool {
		return contains(h.notices.titles(), "Validation timed out")
	}, time.Second, time.Millisecond)

	// A late validation clears the assumption.
	conn.Push(`{"event":"validated"}`)
	h.eventually(t, func(s session.Session) bool { return !s.ValidationAssumed }, "late validated")
}

func TestWatchdog_FailPolicy(t *testing.T) {
	h := newHarness(t, config.PolicyFail)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	h.clock.Advance(DefaultWatchdogTimeout)

	s := h.o.Snapshot()
	assert.Equal(t, session.PhaseIdle, s.Phase)
	assert.Equal(t, "Topic validation timed out", s.LastError)
	assert.Equal(t, "Go generics", s.Topic)
	require.Eventually(t, conn.closed, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return contains(h.notices.titles(), "Connection error")
	}, time.Second, time.Millisecond)
}

func TestWatchdog_Disabled(t *testing.T) {
	h := newHarness(t, config.PolicyDisabled)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	h.waitConn(t, 0)

	assert.False(t, h.o.watchdog.pending())
	h.clock.Advance(time.Hour)
	assert.Equal(t, session.PhaseValidating, h.o.Snapshot().Phase)
}

func TestWatchdog_StaleTimerIgnored(t *testing.T) {
	h := newHarness(t, config.PolicyFail)
	h.login(t)
	ctx := context.Background()
	require.NoError(t, h.o.Start(ctx, "alpha", gpt))
	h.waitConn(t, 0)
	h.clock.Advance(30 * time.Second)

	require.NoError(t, h.o.Start(ctx, "beta", gpt))
	h.waitConn(t, 1)
	h.clock.Advance(30 * time.Second)
	assert.Equal(t, session.PhaseValidating, h.o.Snapshot().Phase)

	h.clock.Advance(20 * time.Second)
	assert.Equal(t, session.PhaseIdle, h.o.Snapshot().Phase)
}

func TestFrame_Malformed(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{not json`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseIdle }, "malformed")
	s := h.o.Snapshot()
	assert.Equal(t, "Received a malformed message from the server.", s.LastError)
	assert.True(t, conn.closed())
	assert.False(t, h.o.watchdog.pending())
}

func TestFrame_UnknownEventIgnored(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	h.waitConn(t, 0)

	before := h.o.Snapshot()
	h.o.handleFrame(before.Generation, h.o.disp.Generation(), []byte(`{"event":"keep_alive","n":3}`))
	assert.Equal(t, before, h.o.Snapshot())
	assert.True(t, h.o.watchdog.pending())
	assert.True(t, h.o.disp.Connected())
}

func TestFrame_ValidationFailed(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "asdf", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{"event":"validation_failed","reasons":["Too vague."],"recommendations":["Go generics"]}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseIdle }, "rejected")
	s := h.o.Snapshot()
	require.NotNil(t, s.ValidationFailure)
	assert.Equal(t, "Too vague.", s.ValidationFailure.Reasons)
	assert.Equal(t, []string{"Go generics"}, s.ValidationFailure.Suggestions)
	assert.Empty(t, s.Topic)
	assert.True(t, conn.closed())
	assert.False(t, h.o.watchdog.pending())
	h.flush(t)
	assert.Empty(t, h.svc.calls())
}

func TestQueue_WaitingHoldsPhase(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{"event":"validated"}`)
	conn.Push(`{"event":"semrush_waiting","queue_position":2,"active_user_id":"u9"}`)
	conn.Push(`{"event":"seo_update","blog_chunk":"draft"}`)
	h.eventually(t, func(s session.Session) bool { return s.Content == "draft" }, "chunk")

	s := h.o.Snapshot()
	assert.Equal(t, session.PhaseGenerating, s.Phase)
	assert.Equal(t, queue.Waiting(2, "u9"), s.Queue)

	conn.Push(`{"event":"semrush_acquired"}`)
	h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseOptimizing }, "acquired")
	assert.Equal(t, queue.Acquired(), h.o.Snapshot().Queue)
}

func TestTransport_Failures(t *testing.T) {
	tests := []struct {
		name    string
		dialErr error
		readErr error
		want    string
	}{
		{name: "dial", dialErr: errors.New("connection refused"), want: "Could not connect to the generation service: connection refused"},
		{name: "read", readErr: errors.New("connection reset"), want: "Connection to the generation service was lost: connection reset"},
		{name: "normal close", readErr: &websocket.CloseError{Code: websocket.CloseNormalClosure}, want: "Generation stream ended before completion"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.PolicyAssumeValidated)
			h.login(t)
			h.dialer.err = tt.dialErr
			require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
			if tt.readErr != nil {
				conn := h.waitConn(t, 0)
				conn.Push(`{"event":"validated"}`)
				conn.Push(`{"event":"seo_update","blog_chunk":"partial"}`)
				h.eventually(t, func(s session.Session) bool { return s.Content == "partial" }, "chunk")
				conn.Drop(tt.readErr)
			}
			h.eventually(t, func(s session.Session) bool { return s.Phase == session.PhaseIdle }, "terminated")

			s := h.o.Snapshot()
			assert.Equal(t, tt.want, s.LastError)
			assert.Equal(t, "Go generics", s.Topic)
			assert.True(t, s.Queue.IsIdle())
			assert.False(t, h.o.watchdog.pending())
			assert.False(t, h.o.disp.Connected())
			if tt.readErr != nil {
				assert.Equal(t, "partial", s.Content)
			}
		})
	}
}

func TestSave_FailureReported(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	h.svc.saveErr = errors.Join(persist.ErrRemote, errors.New("database is down"))
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{"event":"validated"}`)
	conn.Push(`{"event":"seo_update","seo_score":5,"blog_chunk":"text"}`)

	select {
	case err := <-h.o.Errors():
		assert.ErrorIs(t, err, persist.ErrRemote)
		assert.ErrorContains(t, err, "database is down")
	case <-time.After(2 * time.Second):
		t.Fatal("no persistence error reported")
	}
	s := h.o.Snapshot()
	assert.Nil(t, s.RecordID)
	assert.Equal(t, session.PhaseOptimizing, s.Phase)
	assert.Empty(t, s.LastError)
	require.Eventually(t, func() bool {
		return contains(h.notices.titles(), "Content generated but not saved")
	}, time.Second, time.Millisecond)
}

func TestSave_CancelDuringSaveDoesNotResurrect(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.svc.started = make(chan struct{})
	h.svc.release = make(chan struct{})
	h.login(t)
	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)

	conn.Push(`{"event":"validated"}`)
	conn.Push(`{"event":"seo_update","blog_chunk":"a"}`)
	conn.Push(`{"event":"seo_update","blog_chunk":"b"}`)
	<-h.svc.started
	h.eventually(t, func(s session.Session) bool { return s.Content == "ab" }, "chunks")

	h.o.Cancel()
	assert.Equal(t, session.PhaseIdle, h.o.Snapshot().Phase)
	assert.True(t, conn.closed())

	h.svc.release <- struct{}{}
	<-h.svc.started
	h.svc.release <- struct{}{}
	h.flush(t)

	s := h.o.Snapshot()
	assert.Nil(t, s.RecordID)
	assert.Empty(t, s.Topic)
	assert.Empty(t, s.Content)

	// The second save of the cancelled session still targets the record
	// the first one created.
	calls := h.svc.calls()
	require.Len(t, calls, 2)
	assert.Nil(t, calls[0].RecordID)
	require.NotNil(t, calls[1].RecordID)
	assert.Equal(t, int64(101), *calls[1].RecordID)
	assert.Len(t, h.o.History(), 1)
}

func TestLoadExisting(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	ctx := context.Background()
	saved, err := h.svc.CreateRecord(ctx, persist.RecordInput{
		PrincipalID: "u1", Topic: "Rust async", Content: "Body", SEOScore: ptr(7.5), Iterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, h.o.Start(ctx, "Go generics", gpt))
	h.waitConn(t, 0)
	assert.ErrorIs(t, h.o.LoadExisting(ctx, saved.ID), ErrSessionBusy)

	h.o.Cancel()
	require.NoError(t, h.o.LoadExisting(ctx, saved.ID))
	s := h.o.Snapshot()
	assert.Equal(t, session.PhaseIdle, s.Phase)
	assert.Equal(t, ptr(saved.ID), s.RecordID)
	assert.Equal(t, "Rust async", s.Topic)
	assert.Equal(t, "Body", s.Content)
	assert.Equal(t, ptr(7.5), s.SEOScore)
	assert.Equal(t, 3, s.Iterations)
	assert.True(t, s.Generated)
	assert.Equal(t, 1, h.dialer.dials())

	err = h.o.LoadExisting(ctx, 999)
	assert.ErrorIs(t, err, persist.ErrRemote)
	assert.Nil(t, h.o.Snapshot().RecordID)
}

func TestLoginAndLogout(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	ctx := context.Background()
	_, err := h.svc.CreateRecord(ctx, persist.RecordInput{PrincipalID: "u-ann", Topic: "Go", Content: "x"})
	require.NoError(t, err)

	_, err = h.o.Login(ctx, "ann", "wrong")
	assert.ErrorIs(t, err, persist.ErrRemote)
	_, ok := h.o.Principal()
	assert.False(t, ok)

	p, err := h.o.Login(ctx, "ann", "pw")
	require.NoError(t, err)
	assert.Equal(t, "u-ann", p.ID)
	assert.Len(t, h.o.History(), 1)
	assert.Len(t, h.o.GroupedHistory(), 1)

	require.NoError(t, h.o.Start(ctx, "Go generics", gpt))
	conn := h.waitConn(t, 0)

	h.o.Logout()
	_, ok = h.o.Principal()
	assert.False(t, ok)
	assert.Empty(t, h.o.History())
	assert.Equal(t, session.PhaseIdle, h.o.Snapshot().Phase)
	require.Eventually(t, conn.closed, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.o.Start(ctx, "Go generics", gpt), ErrUnauthenticated)
}

func TestSubscribe_SeesPhases(t *testing.T) {
	h := newHarness(t, config.PolicyAssumeValidated)
	h.login(t)
	snaps, unsubscribe := h.o.Subscribe()
	defer unsubscribe()

	require.NoError(t, h.o.Start(context.Background(), "Go generics", gpt))
	conn := h.waitConn(t, 0)
	conn.Push(`{"event":"validated"}`)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-snaps:
			if s.Phase == session.PhaseGenerating {
				return
			}
		case <-deadline:
			t.Fatal("never saw the generating phase")
		}
	}
}

func contains(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
