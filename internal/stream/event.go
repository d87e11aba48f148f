// Package stream owns the generation stream: it builds the stream address,
// dials and reads the websocket, decodes inbound frames into events and
// maps each event onto the session.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrMalformed is returned by Decode for frames that are not a JSON object
// with a string "event" discriminator.
var ErrMalformed = errors.New("stream: malformed message")

// Event is one decoded inbound frame. The set of implementations is closed.
type Event interface {
	// Name returns the wire discriminator.
	Name() string
	sealed()
}

// Wire discriminators.
const (
	NameValidationFailed  = "validation_failed"
	NameValidated         = "validated"
	NameQueueWaiting      = "semrush_waiting"
	NameQueueAcquired     = "semrush_acquired"
	NameSEOUpdate         = "seo_update"
	NameSEOIterationStart = "seo_iteration_start"
	NameBlogRegenerated   = "blog_regenerated"
	NameComplete          = "complete"
	NameError             = "error"
)

// ValidationFailed rejects the topic.
type ValidationFailed struct {
	Reasons         []string
	Recommendations []string
	Message         string
}

// Validated accepts the topic; generation begins.
type Validated struct {
	Message string
}

// QueueWaiting reports the caller's place in the shared quota queue.
type QueueWaiting struct {
	Position     int
	ActiveUserID string
	Message      string
}

// QueueAcquired reports that the caller now holds the shared quota.
type QueueAcquired struct {
	Message string
}

// SEOUpdate is a progress frame: seo_update or seo_iteration_start.
// Pointer fields are nil when the frame did not carry a usable value.
type SEOUpdate struct {
	Kind      string
	Iteration *int
	Score     *float64
	Chunk     *string
	Content   *string
}

// BlogRegenerated replaces the whole content.
type BlogRegenerated struct {
	Content   *string
	Score     *float64
	Iteration *int
}

// Complete ends the session successfully.
type Complete struct {
	Score      *float64
	Content    *string
	Iterations *int
}

// ServerError ends the session with a failure. Malformed frames are
// reported as a ServerError too.
type ServerError struct {
	Message string
}

// Unknown is any frame with an unrecognized discriminator.
type Unknown struct {
	Event string
}

func (ValidationFailed) Name() string { return NameValidationFailed }
func (Validated) Name() string        { return NameValidated }
func (QueueWaiting) Name() string     { return NameQueueWaiting }
func (QueueAcquired) Name() string    { return NameQueueAcquired }
func (e SEOUpdate) Name() string {
	if e.Kind == "" {
		return NameSEOUpdate
	}
	return e.Kind
}
func (BlogRegenerated) Name() string { return NameBlogRegenerated }
func (Complete) Name() string        { return NameComplete }
func (ServerError) Name() string     { return NameError }
func (e Unknown) Name() string       { return e.Event }

func (ValidationFailed) sealed() {}
func (Validated) sealed()        {}
func (QueueWaiting) sealed()     {}
func (QueueAcquired) sealed()    {}
func (SEOUpdate) sealed()        {}
func (BlogRegenerated) sealed()  {}
func (Complete) sealed()         {}
func (ServerError) sealed()      {}
func (Unknown) sealed()          {}

// frame is used for the first decoding pass.
type frame map[string]json.RawMessage

// Decode parses one inbound frame. The first pass reads the object and its
// "event" discriminator; the second extracts the fields that event uses.
// Fields of the wrong JSON type are treated as absent.
func Decode(raw []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	name := f.text("event")
	if name == nil {
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	}

	switch *name {
	case NameValidationFailed:
		return ValidationFailed{
			Reasons:         f.texts("reasons"),
			Recommendations: f.texts("recommendations"),
			Message:         f.str("message"),
		}, nil
	case NameValidated:
		return Validated{Message: f.str("message")}, nil
	case NameQueueWaiting:
		pos := 1
		if p := f.integer("queue_position"); p != nil {
			pos = *p
		}
		return QueueWaiting{
			Position:     pos,
			ActiveUserID: f.str("active_user_id"),
			Message:      f.str("message"),
		}, nil
	case NameQueueAcquired:
		return QueueAcquired{Message: f.str("message")}, nil
	case NameSEOUpdate, NameSEOIterationStart:
		return SEOUpdate{
			Kind:      *name,
			Iteration: f.integer("iteration"),
			Score:     f.number("seo_score"),
			Chunk:     f.chunk("blog_chunk"),
			Content:   f.text("blog_content"),
		}, nil
	case NameBlogRegenerated:
		return BlogRegenerated{
			Content:   f.text("blog_content"),
			Score:     f.number("seo_score"),
			Iteration: f.integer("iteration"),
		}, nil
	case NameComplete:
		return Complete{
			Score:      f.number("seo_score"),
			Content:    f.text("blog_content"),
			Iterations: f.integer("iterations"),
		}, nil
	case NameError:
		return ServerError{Message: f.str("message")}, nil
	default:
		return Unknown{Event: *name}, nil
	}
}

// field returns the raw value of key, treating JSON null as absent.
func (f frame) field(key string) (json.RawMessage, bool) {
	raw, ok := f[key]
	if !ok || strings.TrimSpace(string(raw)) == "null" {
		return nil, false
	}
	return raw, true
}

// text returns the field when it is a JSON string.
func (f frame) text(key string) *string {
	raw, ok := f.field(key)
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

func (f frame) str(key string) string {
	if s := f.text(key); s != nil {
		return *s
	}
	return ""
}

// number returns the field when it is a finite JSON number.
func (f frame) number(key string) *float64 {
	raw, ok := f.field(key)
	if !ok {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// integer returns a numeric field truncated to an int.
func (f frame) integer(key string) *int {
	v := f.number(key)
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// texts returns the string elements of an array field.
func (f frame) texts(key string) []string {
	raw, ok := f.field(key)
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		var s string
		if strings.TrimSpace(string(it)) == "null" {
			continue
		}
		if err := json.Unmarshal(it, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// chunk returns a content chunk. Non-string scalars are kept in their JSON
// text form; null counts as absent.
func (f frame) chunk(key string) *string {
	if s := f.text(key); s != nil {
		return s
	}
	raw, ok := f.field(key)
	if !ok {
		return nil
	}
	t := strings.TrimSpace(string(raw))
	return &t
}
