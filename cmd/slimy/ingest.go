package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/review"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/vision"
)

var (
	ingestGuild   string
	ingestMetric  string
	ingestActor   string
	ingestNotes   string
	ingestAt      string
	ingestFixFile string
	ingestBoost   bool
	ingestForce   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [screenshots...]",
	Short: "Extract roster screenshots and commit a snapshot",
	Long: `Runs the full review pipeline over one or more screenshots.

Each image is read by the vision model (dual-model ensemble when a weak
model is configured), rows are merged across screenshots, and the QA
signals are printed. The commit is blocked while known members are
missing unless --force is given.

Manual corrections can be supplied with --fixes, one per line:
  John Doe = 218,010,208
  John Doe, sim=3.5M`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestGuild, "guild", "g", "", "guild identifier (required)")
	ingestCmd.Flags().StringVarP(&ingestMetric, "metric", "m", "", "force metric kind: sim or total")
	ingestCmd.Flags().StringVar(&ingestActor, "actor", "cli", "actor recorded on the snapshot")
	ingestCmd.Flags().StringVar(&ingestNotes, "notes", "", "snapshot notes")
	ingestCmd.Flags().StringVar(&ingestAt, "at", "", "logical snapshot time (RFC3339 or 2006-01-02), default now")
	ingestCmd.Flags().StringVar(&ingestFixFile, "fixes", "", "file with manual correction lines")
	ingestCmd.Flags().BoolVar(&ingestBoost, "boost", false, "re-read missing/low-confidence members before committing")
	ingestCmd.Flags().BoolVarP(&ingestForce, "force", "f", false, "commit past the coverage guard")
	_ = ingestCmd.MarkFlagRequired("guild")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	at := time.Now()
	if ingestAt != "" {
		parsed, err := parseWhen(ingestAt)
		if err != nil {
			return err
		}
		at = parsed
	}

	imgs, err := loadImages(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	// The CLI operator is the administrator of their own database, so
	// force-commit privilege is implied.
	actor := types.Actor{ID: ingestActor, IsPrivileged: true}
	session, err := a.mgr.Start(ctx, ingestGuild, actor, types.MetricKind(ingestMetric), ingestNotes, at)
	if err != nil {
		return err
	}

	qa, err := a.mgr.Attach(ctx, session.ID, imgs)
	if err != nil {
		return err
	}
	printQA(qa)

	if ingestBoost && (len(qa.Missing) > 0 || len(qa.LowConfidence) > 0) {
		fmt.Println("\nBoosting missing/low-confidence members...")
		if qa, err = a.mgr.Boost(ctx, session.ID); err != nil {
			return err
		}
		printQA(qa)
	}

	if ingestFixFile != "" {
		text, err := os.ReadFile(ingestFixFile)
		if err != nil {
			return fmt.Errorf("fixes file: %w", err)
		}
		if qa, err = a.mgr.ApplyFixes(ctx, session.ID, string(text)); err != nil {
			return err
		}
		fmt.Println("\nAfter manual fixes:")
		printQA(qa)
	}

	snap, err := a.mgr.Commit(ctx, session.ID, ingestForce)
	if err != nil {
		var covErr *review.CoverageError
		if errors.As(err, &covErr) {
			return fmt.Errorf("%w\nre-run with --boost, supply --fixes, or override with --force", covErr)
		}
		return err
	}

	fmt.Printf("\nCommitted snapshot %s (%s) for guild %s\n",
		snap.ID, snap.SnapshotAt.Format(time.RFC3339), snap.GuildID)
	return nil
}

func parseWhen(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func loadImages(paths []string) ([]vision.Image, error) {
	imgs := make([]vision.Image, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("screenshot %s: %w", p, err)
		}
		imgs = append(imgs, vision.Image{Data: data, MIME: mimeFor(p)})
	}
	return imgs, nil
}

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

func printQA(qa review.QA) {
	fmt.Printf("Rows: %d  Coverage: %.2f%% (%d known members)\n", qa.Rows, qa.CoveragePct, qa.PriorCount)
	if len(qa.Missing) > 0 {
		fmt.Printf("Missing (%d): %s\n", len(qa.Missing), strings.Join(qa.Missing, ", "))
	}
	if len(qa.New) > 0 {
		fmt.Printf("New (%d): %s\n", len(qa.New), strings.Join(qa.New, ", "))
	}
	for _, s := range qa.Suspicious {
		fmt.Printf("Suspicious: %s %d -> %d (%+.2f%%)\n", s.DisplayName, s.Previous, s.Current, s.ChangePct)
	}
	if len(qa.LowConfidence) > 0 {
		fmt.Printf("Low confidence (%d): %s\n", len(qa.LowConfidence), strings.Join(qa.LowConfidence, ", "))
	}
}
