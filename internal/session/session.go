// Package session holds the state of the single live generation session.
// It is pure data plus a mutation API; nothing here performs I/O.
package session

import (
	"strings"

	"github.com/Srey123/seostream/internal/queue"
)

// Phase is the coarse stage of a session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseValidating Phase = "validating"
	PhaseGenerating Phase = "generating"
	PhaseOptimizing Phase = "optimizing"
)

// rank orders the non-idle phases of one session cycle.
func (p Phase) rank() int {
	switch p {
	case PhaseValidating:
		return 1
	case PhaseGenerating:
		return 2
	case PhaseOptimizing:
		return 3
	default:
		return 0
	}
}

// Active reports whether the phase belongs to a running session.
func (p Phase) Active() bool {
	return p.rank() > 0
}

// ModelChoice selects the generation backend for a session.
type ModelChoice struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Label    string `yaml:"label,omitempty"`
}

func (m ModelChoice) String() string {
	if m.Provider == "" {
		return m.Model
	}
	return m.Provider + "/" + m.Model
}

// ValidationFailure carries the server's reasons for rejecting a topic and
// its suggested alternatives, in the order the server sent them.
type ValidationFailure struct {
	Reasons     string
	Suggestions []string
}

// Session is one generation attempt from Start until it returns to idle.
type Session struct {
	Topic string
	Model ModelChoice
	Phase Phase

	RecordID   *int64
	SEOScore   *float64
	Iterations int
	Content    string
	Generated  bool

	ValidationFailure *ValidationFailure
	ValidationMessage string
	ValidationAssumed bool

	Queue queue.State

	LastError string

	// Generation identifies the session and its connection. Anything tagged
	// with an older generation is stale.
	Generation uint64
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	c := s
	if s.RecordID != nil {
		id := *s.RecordID
		c.RecordID = &id
	}
	if s.SEOScore != nil {
		v := *s.SEOScore
		c.SEOScore = &v
	}
	if s.ValidationFailure != nil {
		vf := *s.ValidationFailure
		vf.Suggestions = append([]string(nil), s.ValidationFailure.Suggestions...)
		c.ValidationFailure = &vf
	}
	return c
}

// Advance moves the session to phase to when the move follows the cycle
// Idle -> Validating -> Generating -> Optimizing -> Idle. Forward moves may
// skip a phase: the server can acquire the quota or send SEO progress
// before it reports validation, which goes straight from Validating to
// Optimizing. Any phase may exit early to Idle; backward moves and moves out
// of Idle are refused (a new cycle only starts through Store.Begin). It
// reports whether the phase changed.
func (s *Session) Advance(to Phase) bool {
	if to == s.Phase {
		return false
	}
	if to == PhaseIdle {
		s.Phase = PhaseIdle
		s.Queue = queue.Idle()
		return true
	}
	if !s.Phase.Active() || to.rank() < s.Phase.rank() {
		return false
	}
	s.Phase = to
	return true
}

// SetRecordID records the durable identifier. Once set it cannot be
// cleared, and a nil id is ignored.
func (s *Session) SetRecordID(id *int64) {
	if id == nil {
		return
	}
	v := *id
	s.RecordID = &v
}

// SetScore stores the latest quality score, clamped to [0,10].
func (s *Session) SetScore(score float64) {
	switch {
	case score < 0:
		score = 0
	case score > 10:
		score = 10
	}
	s.SEOScore = &score
}

// AppendContent appends a streamed chunk to the content buffer.
func (s *Session) AppendContent(chunk string) {
	s.Content += chunk
	s.Generated = true
}

// ReplaceContent swaps the whole content buffer, as after a regeneration.
func (s *Session) ReplaceContent(content string) {
	s.Content = content
	s.Generated = true
}

// FailValidation records a validation rejection and ends the session.
func (s *Session) FailValidation(reasons []string, suggestions []string) {
	text := strings.TrimSpace(strings.Join(reasons, " "))
	if text == "" {
		text = "Topic not relevant."
	}
	s.ValidationFailure = &ValidationFailure{
		Reasons:     text,
		Suggestions: append([]string(nil), suggestions...),
	}
	s.ValidationMessage = ""
	s.Topic = ""
	s.Generated = false
	s.Advance(PhaseIdle)
}

// initial returns a fresh idle session carrying generation gen.
func initial(gen uint64) Session {
	return Session{Phase: PhaseIdle, Queue: queue.Idle(), Generation: gen}
}
