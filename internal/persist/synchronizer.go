package persist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Srey123/seostream/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// SaveRequest describes one save of the active session's content.
type SaveRequest struct {
	Content    string
	Score      *float64
	Iterations int
	RecordID   *int64 // nil for a session that has never been saved
	Topic      string
}

// SaveResult is what a successful save reports back to the session.
type SaveResult struct {
	ID          int64
	Score       *float64
	Iterations  *int
	GeneratedAt time.Time
	Created     bool
}

// Synchronizer creates and updates durable records for the active session
// and mirrors the results into the history ledger. It holds the active
// principal; every call is made on that principal's behalf.
type Synchronizer struct {
	svc    Service
	ledger *ledger.Ledger
	log    *zap.Logger

	mu        sync.RWMutex
	principal *Principal

	refresh singleflight.Group
}

// SynchronizerOpts holds parameters for creating a Synchronizer.
type SynchronizerOpts struct {
	Service Service
	Ledger  *ledger.Ledger // defaults to a new empty ledger
	Logger  *zap.Logger
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(opts SynchronizerOpts) (*Synchronizer, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("persist: synchronizer: service is required")
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.New()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{svc: opts.Service, ledger: l, log: log}, nil
}

// Ledger returns the history ledger the synchronizer maintains.
func (s *Synchronizer) Ledger() *ledger.Ledger {
	return s.ledger
}

// SetPrincipal makes p the active principal.
func (s *Synchronizer) SetPrincipal(p Principal) {
	s.mu.Lock()
	s.principal = &p
	s.mu.Unlock()
}

// ClearPrincipal logs the principal out and empties the ledger.
func (s *Synchronizer) ClearPrincipal() {
	s.mu.Lock()
	s.principal = nil
	s.mu.Unlock()
	s.ledger.Clear()
}

// Principal returns the active principal, if any.
func (s *Synchronizer) Principal() (Principal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.principal == nil {
		return Principal{}, false
	}
	return *s.principal, true
}

// Login authenticates against the service, makes the result the active
// principal and loads its history. A failed history load does not fail
// the login.
func (s *Synchronizer) Login(ctx context.Context, email, password string) (Principal, error) {
	p, err := s.svc.Login(ctx, email, password)
	if err != nil {
		return Principal{}, err
	}
	s.SetPrincipal(p)
	if err := s.Refresh(ctx); err != nil {
		s.log.Warn("history load after login failed", zap.String("principal", p.ID), zap.Error(err))
	}
	return p, nil
}

// Save creates a record when req.RecordID is nil and updates it otherwise.
// Preconditions are checked locally before the service is contacted. On
// success the ledger gains the new record (create) or has the matching
// entry refreshed in place (update), unless the principal changed while
// the call was in flight. On failure nothing is changed.
func (s *Synchronizer) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return SaveResult{}, ErrInvalidTopic
	}
	p, ok := s.Principal()
	if !ok {
		return SaveResult{}, ErrUnauthenticated
	}

	in := RecordInput{
		PrincipalID: p.ID,
		Topic:       topic,
		Content:     req.Content,
		SEOScore:    req.Score,
		Iterations:  req.Iterations,
	}

	if req.RecordID == nil {
		rec, err := s.svc.CreateRecord(ctx, in)
		if err != nil {
			return SaveResult{}, err
		}
		if !s.isActive(p.ID) {
			s.log.Debug("principal changed during create, ledger left alone", zap.Int64("record_id", rec.ID))
			return resultFrom(rec, true), nil
		}
		score := rec.SEOScore
		if score == nil {
			zero := 0.0
			score = &zero
		}
		s.ledger.Insert(ledger.HistoryRecord{
			ID:          rec.ID,
			Topic:       topic,
			GeneratedAt: rec.GeneratedAt,
			SEOScore:    score,
		})
		s.log.Info("record created",
			zap.Int64("record_id", rec.ID),
			zap.String("topic", topic),
			zap.Int("iterations", req.Iterations))
		return resultFrom(rec, true), nil
	}

	id := *req.RecordID
	rec, err := s.svc.UpdateRecord(ctx, id, in)
	if err != nil {
		return SaveResult{}, err
	}
	if !s.isActive(p.ID) {
		s.log.Debug("principal changed during update, ledger left alone", zap.Int64("record_id", rec.ID))
	} else if !s.ledger.Refresh(rec.ID, topic, rec.GeneratedAt, rec.SEOScore) {
		s.log.Debug("updated record not in ledger", zap.Int64("record_id", rec.ID))
	}
	s.log.Info("record updated",
		zap.Int64("record_id", rec.ID),
		zap.String("topic", topic),
		zap.Int("iterations", req.Iterations))
	return resultFrom(rec, false), nil
}

func resultFrom(rec SavedRecord, created bool) SaveResult {
	return SaveResult{
		ID:          rec.ID,
		Score:       rec.SEOScore,
		Iterations:  rec.Iterations,
		GeneratedAt: rec.GeneratedAt,
		Created:     created,
	}
}

// Refresh reloads the ledger from the service for the active principal.
// Concurrent refreshes for the same principal share one request. Without
// a principal the ledger is emptied. A failed load also empties it.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	p, ok := s.Principal()
	if !ok {
		s.ledger.Clear()
		return nil
	}
	_, err, _ := s.refresh.Do(p.ID, func() (any, error) {
		recs, err := s.svc.History(ctx, p.ID)
		// A logout or principal switch while the request was in flight
		// makes the result irrelevant, failed or not.
		if !s.isActive(p.ID) {
			return nil, err
		}
		if err != nil {
			s.ledger.Clear()
			return nil, err
		}
		s.ledger.Replace(recs)
		return nil, nil
	})
	return err
}

// isActive reports whether id is still the active principal.
func (s *Synchronizer) isActive(id string) bool {
	cur, ok := s.Principal()
	return ok && cur.ID == id
}

// Fetch returns the full content of a record.
func (s *Synchronizer) Fetch(ctx context.Context, id int64) (RecordContent, error) {
	return s.svc.FetchRecord(ctx, id)
}
