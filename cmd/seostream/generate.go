package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Srey123/seostream/internal/session"
	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var (
		f       clientFlags
		model   string
		timeout time.Duration
		quiet   bool
	)

	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Generate and optimize a blog post for a topic",
		Long: `Opens a generation session for the topic and follows it until the
server reports completion. Progress is shown as it streams in; every
intermediate draft is saved to the persistence service.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, f, strings.Join(args, " "), model, timeout, quiet)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&model, "model", "m", "", "model as provider/model, model name or label (default from config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the generated content")
	return cmd
}

func runGenerate(cmd *cobra.Command, f clientFlags, topic, modelName string, timeout time.Duration, quiet bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a, err := newApp(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer a.close()

	model, err := resolveModel(a.cfg, modelName)
	if err != nil {
		return err
	}
	if _, err := a.authenticate(ctx, f); err != nil {
		return err
	}

	snaps, unsubscribe := a.orch.Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		a.console.follow(snaps)
	}()

	startErr := a.orch.Start(ctx, topic, model)
	var waitErr error
	if startErr == nil {
		waitErr = a.orch.Wait(ctx)
	}
	unsubscribe()
	<-rendered

	if startErr != nil {
		return startErr
	}
	if waitErr != nil {
		a.orch.Cancel()
		return fmt.Errorf("generation abandoned: %w", waitErr)
	}

	unsaved := 0
	for drained := false; !drained; {
		select {
		case <-a.orch.Errors():
			unsaved++
		default:
			drained = true
		}
	}
	return report(a.console, a.orch.Snapshot(), quiet, unsaved)
}

// report prints the outcome of a finished session.
func report(con *console, s session.Session, quiet bool, unsaved int) error {
	if vf := s.ValidationFailure; vf != nil {
		con.printf("Topic rejected: %s\n", vf.Reasons)
		if len(vf.Suggestions) > 0 {
			con.printf("Try instead:\n")
			for _, sug := range vf.Suggestions {
				con.printf("  - %s\n", sug)
			}
		}
		return errors.New("topic rejected")
	}
	if s.LastError != "" {
		return fmt.Errorf("generation failed: %s", s.LastError)
	}

	if !quiet && s.Content != "" {
		con.printf("\n%s\n\n", strings.TrimRight(s.Content, "\n"))
	}
	score := "n/a"
	if s.SEOScore != nil {
		score = fmt.Sprintf("%.1f", *s.SEOScore)
	}
	con.printf("SEO score %s after %d iteration(s)", score, s.Iterations)
	if s.RecordID != nil {
		con.printf(", saved as record #%d", *s.RecordID)
	}
	con.printf("\n")
	if unsaved > 0 {
		return fmt.Errorf("%d save(s) failed; the latest content may not be stored", unsaved)
	}
	return nil
}
