package main

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Srey123/seostream/internal/ledger"
	"github.com/Srey123/seostream/internal/persist"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

func newHistoryCmd() *cobra.Command {
	var (
		f    clientFlags
		flat bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved records, grouped by topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, f, flat)
		},
	}

	f.register(cmd)
	cmd.Flags().BoolVar(&flat, "flat", false, "list records most recent first instead of grouping by topic")
	return cmd
}

func runHistory(cmd *cobra.Command, f clientFlags, flat bool) error {
	a, err := newApp(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer a.close()
	p, err := a.authenticate(cmd.Context(), f)
	if err != nil {
		return err
	}

	if flat {
		recs := a.orch.History()
		if len(recs) == 0 {
			a.console.printf("No records for %s.\n", p.Name)
			return nil
		}
		for _, r := range recs {
			a.console.printf("%s  %s\n", formatRecord(r), r.Topic)
		}
		return nil
	}

	groups := a.orch.GroupedHistory()
	if len(groups) == 0 {
		a.console.printf("No records for %s.\n", p.Name)
		return nil
	}
	for _, g := range groups {
		a.console.printf("%s (%d)\n", g.Topic, len(g.Records))
		for _, r := range g.Records {
			a.console.printf("  %s\n", formatRecord(r))
		}
	}
	return nil
}

func formatRecord(r ledger.HistoryRecord) string {
	score := "  - "
	if r.SEOScore != nil {
		score = fmt.Sprintf("%4.1f", *r.SEOScore)
	}
	return fmt.Sprintf("#%-6d %s  %s", r.ID, score, r.GeneratedAt.Local().Format(time.DateTime))
}

func newShowCmd() *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Print a saved record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRecordID(args[0])
			if err != nil {
				return err
			}
			return runShow(cmd, f, id)
		},
	}

	f.register(cmd)
	return cmd
}

func runShow(cmd *cobra.Command, f clientFlags, id int64) error {
	a, err := newApp(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()
	if _, err := a.authenticate(ctx, f); err != nil {
		return err
	}
	if err := a.orch.LoadExisting(ctx, id); err != nil {
		return err
	}

	s := a.orch.Snapshot()
	score := "n/a"
	if s.SEOScore != nil {
		score = fmt.Sprintf("%.1f", *s.SEOScore)
	}
	a.console.printf("%s\nRecord #%d, SEO score %s, %d iteration(s)\n\n%s\n", s.Topic, id, score, s.Iterations, strings.TrimRight(s.Content, "\n"))
	return nil
}

func newExportCmd() *cobra.Command {
	var (
		f   clientFlags
		dir string
	)

	cmd := &cobra.Command{
		Use:   "export <record-id>...",
		Short: "Write saved records to markdown files",
		Long: `Fetches each record and writes it to <dir>/<id>-<topic>.md. With no
--dir the records are printed one after another.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := parseRecordID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return runExport(cmd, f, ids, dir)
		},
	}

	f.register(cmd)
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory to write files to")
	return cmd
}

const exportConcurrency = 4

func runExport(cmd *cobra.Command, f clientFlags, ids []int64, dir string) error {
	a, err := newApp(cmd, f.configPath)
	if err != nil {
		return err
	}
	defer a.close()
	if _, err := a.authenticate(cmd.Context(), f); err != nil {
		return err
	}

	recs := make([]persist.RecordContent, len(ids))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(exportConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rc, err := a.syncer.Fetch(ctx, id)
			if err != nil {
				return fmt.Errorf("fetch record %d: %w", id, err)
			}
			recs[i] = rc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	docs := make([]string, len(recs))
	for i, rc := range recs {
		if docs[i], err = markdown(rc); err != nil {
			return err
		}
	}
	if dir == "" {
		for _, doc := range docs {
			a.console.printf("%s\n", doc)
		}
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for i, rc := range recs {
		path := filepath.Join(dir, exportName(rc))
		if err := os.WriteFile(path, []byte(docs[i]), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		a.console.printf("Wrote %s\n", path)
	}
	return nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func exportName(rc persist.RecordContent) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(rc.Topic), "-"), "-")
	if slug == "" {
		slug = "untitled"
	}
	return fmt.Sprintf("%d-%s.md", rc.ID, slug)
}

// frontMatter heads an exported record.
type frontMatter struct {
	Topic       string   `yaml:"topic"`
	RecordID    int64    `yaml:"record_id"`
	SEOScore    *float64 `yaml:"seo_score,omitempty"`
	Iterations  int      `yaml:"iterations"`
	GeneratedAt string   `yaml:"generated_at,omitempty"`
}

func markdown(rc persist.RecordContent) (string, error) {
	fm := frontMatter{Topic: rc.Topic, RecordID: rc.ID, SEOScore: rc.SEOScore, Iterations: rc.Iterations}
	if !rc.GeneratedAt.IsZero() {
		fm.GeneratedAt = rc.GeneratedAt.UTC().Format(time.RFC3339)
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("encode front matter for record %d: %w", rc.ID, err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(rc.Content, "\n"))
	b.WriteString("\n")
	return b.String(), nil
}

func parseRecordID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}
