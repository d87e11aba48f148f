package devserver

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one beat of a canned generation run. A step either waits for the
// shared keyword-research quota or sends a frame, optionally after a delay.
type Step struct {
	Delay time.Duration  `yaml:"delay"`
	Quota bool           `yaml:"quota"`
	Frame map[string]any `yaml:"frame"`
}

// Script maps topics to canned runs. Topic keys are matched case
// insensitively; anything else plays Default. The string "{topic}" inside
// frame values is replaced by the requested topic.
type Script struct {
	Default []Step            `yaml:"default"`
	Topics  map[string][]Step `yaml:"topics"`
}

// LoadScript reads a YAML script file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devserver: read script %s: %w", path, err)
	}
	return ParseScript(data)
}

// ParseScript unmarshals and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("devserver: parse script: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) validate() error {
	var errs []string
	check := func(where string, steps []Step) {
		for i, st := range steps {
			if st.Delay < 0 {
				errs = append(errs, fmt.Sprintf("%s[%d].delay must not be negative", where, i))
			}
			if st.Quota && st.Frame != nil {
				errs = append(errs, fmt.Sprintf("%s[%d] cannot both wait for quota and send a frame", where, i))
				continue
			}
			if st.Quota {
				continue
			}
			if ev, _ := st.Frame["event"].(string); ev == "" {
				errs = append(errs, fmt.Sprintf("%s[%d].frame.event is required", where, i))
			}
		}
	}
	if len(s.Default) == 0 {
		errs = append(errs, "default must have at least one step")
	}
	check("default", s.Default)
	for topic, steps := range s.Topics {
		check("topics."+topic, steps)
	}
	if len(errs) > 0 {
		return fmt.Errorf("devserver: script validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StepsFor returns the run for topic with "{topic}" expanded. A blank topic
// always gets a validation failure.
func (s *Script) StepsFor(topic string) []Step {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return []Step{{Frame: map[string]any{
			"event":           "validation_failed",
			"reasons":         []any{"Topic is empty."},
			"recommendations": []any{},
		}}}
	}
	steps := s.Default
	for key, run := range s.Topics {
		if strings.EqualFold(key, topic) {
			steps = run
			break
		}
	}
	out := make([]Step, len(steps))
	for i, st := range steps {
		out[i] = Step{Delay: st.Delay, Quota: st.Quota}
		if st.Frame != nil {
			out[i].Frame = expand(st.Frame, topic).(map[string]any)
		}
	}
	return out
}

// expand copies v, replacing "{topic}" in every string.
func expand(v any, topic string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, "{topic}", topic)
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = expand(val, topic)
		}
		return m
	case []any:
		l := make([]any, len(t))
		for i, val := range t {
			l[i] = expand(val, topic)
		}
		return l
	default:
		return v
	}
}

// builtinScript is played when no script file is configured.
const builtinScript = `
default:
  - frame:
      event: validated
      message: "Topic '{topic}' looks good."
  - delay: 50ms
    frame:
      event: seo_iteration_start
      iteration: 1
  - frame:
      event: seo_update
      iteration: 1
      seo_score: 5.8
      blog_chunk: "# {topic}\n\n"
  - frame:
      event: seo_update
      iteration: 1
      seo_score: 6.4
      blog_chunk: "An introduction to {topic}. "
  - quota: true
  - delay: 50ms
    frame:
      event: seo_iteration_start
      iteration: 2
  - frame:
      event: blog_regenerated
      iteration: 2
      seo_score: 8.1
      blog_content: "# {topic}\n\nAn introduction to {topic}, revised with keyword research."
  - frame:
      event: complete
      iterations: 2
      seo_score: 8.7
      blog_content: "# {topic}\n\nAn introduction to {topic}, revised with keyword research."
topics:
  asdf:
    - frame:
        event: validation_failed
        reasons: ["The topic is not a recognizable subject."]
        recommendations: ["AI in retail", "Remote work productivity"]
  boom:
    - frame:
        event: validated
    - frame:
        event: error
        message: "Generation backend unavailable."
`

// DefaultScript returns the built-in script.
func DefaultScript() *Script {
	s, err := ParseScript([]byte(builtinScript))
	if err != nil {
		panic(err)
	}
	return s
}
