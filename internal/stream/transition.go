package stream

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Srey123/seostream/internal/notify"
	"github.com/Srey123/seostream/internal/queue"
	"github.com/Srey123/seostream/internal/session"
)

// SaveSpec is a request to persist the session's content. It carries no
// record id; the saver reads the session's id when the save executes.
type SaveSpec struct {
	Content    string
	Score      *float64
	Iterations int
	Topic      string
}

// Effects are the side effects an event asks the orchestrator to perform
// after the session has been updated.
type Effects struct {
	Save           *SaveSpec
	RefreshHistory bool
	Close          bool
	CancelWatchdog bool
	Notices        []notify.Notice
}

func (e *Effects) notice(sev notify.Severity, title, body string, fields ...notify.Field) {
	e.Notices = append(e.Notices, notify.Notice{Title: title, Body: body, Severity: sev, Fields: fields})
}

// Apply maps ev onto s and returns the resulting effects. It performs no
// I/O. Unknown events leave s unchanged and produce no effects.
func Apply(s *session.Session, ev Event) Effects {
	var fx Effects
	switch e := ev.(type) {
	case ValidationFailed:
		s.FailValidation(e.Reasons, e.Recommendations)
		fx.CancelWatchdog = true
		fx.Close = true
		fx.notice(notify.SeverityError, "Validation failed",
			orDefault(e.Message, "Topic not relevant or unclear."))

	case Validated:
		s.ValidationFailure = nil
		s.ValidationAssumed = false
		s.ValidationMessage = orDefault(e.Message, "Topic validated successfully!")
		s.Advance(session.PhaseGenerating)
		fx.CancelWatchdog = true
		fx.notice(notify.SeverityInfo, "Validated",
			orDefault(e.Message, "Topic validated, starting blog generation..."))

	case QueueWaiting:
		s.Queue = queue.Waiting(e.Position, e.ActiveUserID)
		fx.notice(notify.SeverityInfo, "Keyword research queue",
			orDefault(e.Message, fmt.Sprintf("You are #%d in queue for keyword research.", s.Queue.Position)),
			notify.Field{Name: "position", Value: strconv.Itoa(s.Queue.Position), Short: true})

	case QueueAcquired:
		s.Queue = queue.Acquired()
		s.Advance(session.PhaseOptimizing)
		fx.notice(notify.SeveritySuccess, "Keyword research quota acquired",
			orDefault(e.Message, "Starting SEO optimization."))

	case SEOUpdate:
		if e.Iteration != nil && *e.Iteration >= 0 {
			s.Iterations = *e.Iteration
		}
		if e.Score != nil {
			s.SetScore(*e.Score)
		}
		if e.Chunk != nil {
			s.AppendContent(*e.Chunk)
		}
		s.Generated = true
		if !s.Queue.Blocking() {
			s.Advance(session.PhaseOptimizing)
		}
		if s.Topic == "" {
			break
		}
		switch {
		case e.Content != nil:
			var score *float64
			if e.Score != nil {
				score = copyScore(s.SEOScore)
			}
			fx.Save = &SaveSpec{Content: *e.Content, Score: score, Iterations: s.Iterations, Topic: s.Topic}
		case e.Chunk != nil:
			fx.Save = &SaveSpec{Content: s.Content, Score: copyScore(s.SEOScore), Iterations: s.Iterations, Topic: s.Topic}
		}

	case BlogRegenerated:
		if e.Content == nil {
			break
		}
		s.ReplaceContent(*e.Content)
		if !s.Queue.Blocking() {
			s.Advance(session.PhaseOptimizing)
		}
		score := copyScore(s.SEOScore)
		if e.Score != nil {
			score = copyScore(e.Score)
		}
		iterations := s.Iterations
		if e.Iteration != nil {
			iterations = *e.Iteration
		}
		if s.Topic != "" {
			fx.Save = &SaveSpec{Content: *e.Content, Score: score, Iterations: iterations, Topic: s.Topic}
		}

	case Complete:
		s.ValidationFailure = nil
		s.ValidationMessage = ""
		s.Generated = true
		if e.Score != nil {
			s.SetScore(*e.Score)
		}
		if e.Iterations != nil && *e.Iterations >= 0 {
			s.Iterations = *e.Iterations
		}
		s.Advance(session.PhaseIdle)
		s.Queue = queue.Idle()
		if e.Score != nil && e.Content != nil && s.Topic != "" {
			fx.Save = &SaveSpec{Content: *e.Content, Score: copyScore(s.SEOScore), Iterations: s.Iterations, Topic: s.Topic}
		} else {
			fx.notice(notify.SeverityWarning, "Generation finished",
				"Blog generation completed, but content or score missing for final save.")
		}
		fx.RefreshHistory = true
		fx.Close = true
		fx.CancelWatchdog = true
		fx.notice(notify.SeveritySuccess, "Optimization complete",
			"Blog optimized with final SEO score: "+formatScore(s.SEOScore))

	case ServerError:
		msg := orDefault(e.Message, "Something went wrong.")
		s.Advance(session.PhaseIdle)
		s.Queue = queue.Idle()
		s.Topic = ""
		s.Generated = false
		s.ValidationMessage = ""
		s.LastError = msg
		fx.Close = true
		fx.CancelWatchdog = true
		fx.notice(notify.SeverityError, "Error", msg)

	case Unknown:
		// Forward compatible: ignored.

	default:
		panic(fmt.Sprintf("stream: unhandled event type %T", ev))
	}
	return fx
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func copyScore(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func formatScore(p *float64) string {
	if p == nil {
		return "N/A"
	}
	return strconv.FormatFloat(*p, 'f', 1, 64)
}
