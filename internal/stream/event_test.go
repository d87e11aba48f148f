package stream

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func strp(s string) *string   { return &s }
func intp(i int) *int         { return &i }
func f64p(f float64) *float64 { return &f }

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Event
	}{
		{
			name: "validation failed",
			raw:  `{"event":"validation_failed","reasons":["too vague",null,"off topic"],"recommendations":["AI in retail"],"message":"no"}`,
			want: ValidationFailed{Reasons: []string{"too vague", "off topic"}, Recommendations: []string{"AI in retail"}, Message: "no"},
		},
		{
			name: "validated",
			raw:  `{"event":"validated","message":"ok"}`,
			want: Validated{Message: "ok"},
		},
		{
			name: "queue waiting",
			raw:  `{"event":"semrush_waiting","queue_position":3,"active_user_id":"u7"}`,
			want: QueueWaiting{Position: 3, ActiveUserID: "u7"},
		},
		{
			name: "queue waiting without position",
			raw:  `{"event":"semrush_waiting"}`,
			want: QueueWaiting{Position: 1},
		},
		{
			name: "queue acquired",
			raw:  `{"event":"semrush_acquired"}`,
			want: QueueAcquired{},
		},
		{
			name: "seo update",
			raw:  `{"event":"seo_update","iteration":1,"seo_score":6.5,"blog_chunk":"Intro "}`,
			want: SEOUpdate{Kind: NameSEOUpdate, Iteration: intp(1), Score: f64p(6.5), Chunk: strp("Intro ")},
		},
		{
			name: "iteration start with non-numeric fields",
			raw:  `{"event":"seo_iteration_start","iteration":"2","seo_score":"high","blog_chunk":null,"blog_content":"full"}`,
			want: SEOUpdate{Kind: NameSEOIterationStart, Content: strp("full")},
		},
		{
			name: "numeric chunk kept as text",
			raw:  `{"event":"seo_update","blog_chunk":42}`,
			want: SEOUpdate{Kind: NameSEOUpdate, Chunk: strp("42")},
		},
		{
			name: "blog regenerated",
			raw:  `{"event":"blog_regenerated","blog_content":"new","seo_score":7}`,
			want: BlogRegenerated{Content: strp("new"), Score: f64p(7)},
		},
		{
			name: "complete",
			raw:  `{"event":"complete","seo_score":9.2,"blog_content":"Full text","iterations":4}`,
			want: Complete{Score: f64p(9.2), Content: strp("Full text"), Iterations: intp(4)},
		},
		{
			name: "error",
			raw:  `{"event":"error","message":"quota exhausted"}`,
			want: ServerError{Message: "quota exhausted"},
		},
		{
			name: "unknown",
			raw:  `{"event":"heartbeat","ts":1}`,
			want: Unknown{Event: "heartbeat"},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`null`,
		`[1,2]`,
		`{"message":"no discriminator"}`,
		`{"event":null}`,
		`{"event":7}`,
	} {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) err = %v, want ErrMalformed", raw, err)
		}
	}
}

func TestEventNames(t *testing.T) {
	if got := (SEOUpdate{}).Name(); got != NameSEOUpdate {
		t.Errorf("zero SEOUpdate name = %q", got)
	}
	if got := (Unknown{Event: "x"}).Name(); got != "x" {
		t.Errorf("Unknown name = %q", got)
	}
	if got := (ServerError{}).Name(); got != NameError {
		t.Errorf("ServerError name = %q", got)
	}
}

func TestAddress(t *testing.T) {
	got, err := Address("ws://localhost:8004/generate-stream", Key{
		Topic: "AI in retail & more", Provider: "openai", Model: "gpt-4o", PrincipalID: "u 1",
	})
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	want := "ws://localhost:8004/generate-stream?model=gpt-4o&provider=openai&user_id=u+1&user_topic=AI+in+retail+%26+more"
	if got != want {
		t.Errorf("Address = %q\nwant       %q", got, want)
	}
}

func TestAddress_Invalid(t *testing.T) {
	for _, base := range []string{"", "/generate-stream", "://bad"} {
		if _, err := Address(base, Key{Topic: "t"}); err == nil {
			t.Errorf("Address(%q) expected error", base)
		}
	}
}
