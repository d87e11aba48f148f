// Package persist talks to the remote persistence service and keeps the
// history ledger in step with what it returns.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Srey123/seostream/internal/ledger"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request to the persistence service.
const DefaultTimeout = 15 * time.Second

var (
	// ErrRemote wraps every failure reported by the persistence service.
	ErrRemote = errors.New("persist: remote error")
	// ErrInvalidTopic is returned when a save has no usable topic.
	ErrInvalidTopic = errors.New("persist: topic is required")
	// ErrUnauthenticated is returned when no principal is logged in.
	ErrUnauthenticated = errors.New("persist: not authenticated")
)

// Principal is the logged-in user on whose behalf records are saved.
type Principal struct {
	ID   string
	Name string
}

// RecordInput is the body of a create or update call.
type RecordInput struct {
	PrincipalID string   `json:"principal_id"`
	Topic       string   `json:"topic"`
	Content     string   `json:"content"`
	SEOScore    *float64 `json:"seo_score"`
	Iterations  int      `json:"iterations"`
}

// SavedRecord is what the service returns after a create or update.
type SavedRecord struct {
	ID          int64
	GeneratedAt time.Time
	SEOScore    *float64
	Iterations  *int
}

// RecordContent is a full record as returned by a fetch.
type RecordContent struct {
	ID          int64
	Topic       string
	Content     string
	SEOScore    *float64
	Iterations  int
	GeneratedAt time.Time
}

// Service is the persistence service as seen by the Synchronizer.
type Service interface {
	CreateRecord(ctx context.Context, in RecordInput) (SavedRecord, error)
	UpdateRecord(ctx context.Context, id int64, in RecordInput) (SavedRecord, error)
	History(ctx context.Context, principalID string) ([]ledger.HistoryRecord, error)
	FetchRecord(ctx context.Context, id int64) (RecordContent, error)
	Login(ctx context.Context, email, password string) (Principal, error)
}

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
	now     func() time.Time
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string        // e.g. http://localhost:8005/api
	HTTPClient *http.Client  // optional
	Timeout    time.Duration // used when HTTPClient is nil; defaults to DefaultTimeout
	Logger     *zap.Logger   // optional
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("persist: base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("persist: parse base url: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		log:     log,
		now:     time.Now,
	}, nil
}

// wireRecord covers every record shape the service returns.
type wireRecord struct {
	ID          int64    `json:"id"`
	Topic       string   `json:"topic"`
	Content     string   `json:"content"`
	SEOScore    *float64 `json:"seo_score"`
	Iterations  *int     `json:"iterations"`
	GeneratedAt string   `json:"generated_at"`
}

// envelope is the common response wrapper.
type envelope struct {
	Success  bool         `json:"success"`
	Message  string       `json:"message"`
	Error    string       `json:"error"`
	Record   *wireRecord  `json:"record"`
	History  []wireRecord `json:"history"`
	UserID   string       `json:"user_id"`
	UserName string       `json:"user_name"`
}

// CreateRecord performs POST /records.
func (c *Client) CreateRecord(ctx context.Context, in RecordInput) (SavedRecord, error) {
	env, err := c.do(ctx, http.MethodPost, "/records", in)
	if err != nil {
		return SavedRecord{}, fmt.Errorf("persist: create record: %w", err)
	}
	return c.savedFrom(env)
}

// UpdateRecord performs PUT /records/{id}.
func (c *Client) UpdateRecord(ctx context.Context, id int64, in RecordInput) (SavedRecord, error) {
	env, err := c.do(ctx, http.MethodPut, "/records/"+strconv.FormatInt(id, 10), in)
	if err != nil {
		return SavedRecord{}, fmt.Errorf("persist: update record %d: %w", id, err)
	}
	return c.savedFrom(env)
}

// History performs GET /history for a principal.
func (c *Client) History(ctx context.Context, principalID string) ([]ledger.HistoryRecord, error) {
	q := url.Values{}
	q.Set("principal_id", principalID)
	env, err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("persist: history: %w", err)
	}
	recs := make([]ledger.HistoryRecord, 0, len(env.History))
	for _, w := range env.History {
		recs = append(recs, ledger.HistoryRecord{
			ID:          w.ID,
			Topic:       w.Topic,
			GeneratedAt: c.parseTime(w.GeneratedAt),
			SEOScore:    w.SEOScore,
		})
	}
	return recs, nil
}

// FetchRecord performs GET /records/{id}.
func (c *Client) FetchRecord(ctx context.Context, id int64) (RecordContent, error) {
	env, err := c.do(ctx, http.MethodGet, "/records/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return RecordContent{}, fmt.Errorf("persist: fetch record %d: %w", id, err)
	}
	if env.Record == nil {
		return RecordContent{}, fmt.Errorf("persist: fetch record %d: %w: response has no record", id, ErrRemote)
	}
	w := env.Record
	rc := RecordContent{
		ID:          w.ID,
		Topic:       w.Topic,
		Content:     w.Content,
		SEOScore:    w.SEOScore,
		GeneratedAt: c.parseTime(w.GeneratedAt),
	}
	if w.Iterations != nil {
		rc.Iterations = *w.Iterations
	}
	return rc, nil
}

// Login performs POST /login and returns the authenticated principal.
func (c *Client) Login(ctx context.Context, email, password string) (Principal, error) {
	body := map[string]string{"email": email, "password": password}
	env, err := c.do(ctx, http.MethodPost, "/login", body)
	if err != nil {
		return Principal{}, fmt.Errorf("persist: login: %w", err)
	}
	if env.UserID == "" {
		return Principal{}, fmt.Errorf("persist: login: %w: response has no user id", ErrRemote)
	}
	name := env.UserName
	if name == "" {
		name = email
	}
	return Principal{ID: env.UserID, Name: name}, nil
}

func (c *Client) savedFrom(env *envelope) (SavedRecord, error) {
	if env.Record == nil {
		return SavedRecord{}, fmt.Errorf("%w: response has no record", ErrRemote)
	}
	return SavedRecord{
		ID:          env.Record.ID,
		GeneratedAt: c.parseTime(env.Record.GeneratedAt),
		SEOScore:    env.Record.SEOScore,
		Iterations:  env.Record.Iterations,
	}, nil
}

// do sends one JSON request and decodes the envelope. Any non-2xx status
// or success=false is reported as ErrRemote carrying the service message.
func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = "unknown error"
		}
		c.log.Debug("persistence service rejected request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return nil, fmt.Errorf("%w: %s", ErrRemote, msg)
	}
	return &env, nil
}

// timeLayouts are tried in order; the service has emitted zone-less ISO
// timestamps as well as RFC 3339.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTime parses a service timestamp, falling back to the current time
// when it is missing or unreadable.
func (c *Client) parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return c.now().UTC()
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	c.log.Debug("unparseable timestamp from persistence service", zap.String("value", s))
	return c.now().UTC()
}
