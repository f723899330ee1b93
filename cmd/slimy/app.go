package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/review"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/roster"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/sheets"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/snapshot"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/store"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/vision"
)

// app wires the storage and review pipeline for one command invocation.
type app struct {
	db       *sql.DB
	snaps    *snapshot.Store
	resolver *roster.Resolver
	sessions *review.MemoryStore
	mgr      *review.Manager
}

// newApp opens storage and, when withVision is set, the oracle clients.
// Commands that only read or roll back the store skip the vision stack so
// they work without an API key.
func newApp(ctx context.Context, withVision bool) (*app, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		db:       db,
		snaps:    snapshot.New(db, logger),
		resolver: roster.NewResolver(db, logger),
	}

	var extractor review.Extractor
	if withVision {
		strong, err := vision.NewGeminiOracle(ctx, cfg.Vision.APIKey, cfg.Vision.Model, cfg.VisionTimeout(), logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("vision oracle: %w", err)
		}
		var weak vision.Oracle
		if cfg.Vision.WeakModel != "" {
			w, err := vision.NewGeminiOracle(ctx, cfg.Vision.APIKey, cfg.Vision.WeakModel, cfg.VisionTimeout(), logger)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("vision oracle: %w", err)
			}
			weak = w
		}
		var boost vision.Oracle
		if cfg.Vision.BoostModel != "" && cfg.Vision.BoostModel != cfg.Vision.Model {
			b, err := vision.NewGeminiOracle(ctx, cfg.Vision.APIKey, cfg.Vision.BoostModel, cfg.VisionTimeout(), logger)
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("vision oracle: %w", err)
			}
			boost = b
		}
		vcfg := vision.DefaultConfig()
		if cfg.Vision.MaxConcurrent > 0 {
			vcfg.MaxConcurrent = cfg.Vision.MaxConcurrent
		}
		extractor = vision.NewExtractor(strong, weak, boost, vcfg, logger)
	}

	var mirror sheets.Mirror
	if cfg.Sheets.ExportDir != "" {
		mirror = sheets.NewCSVMirror(cfg.Sheets.ExportDir, logger)
	} else {
		mirror = sheets.NewLogMirror(logger)
	}

	a.sessions = review.NewMemoryStore(logger)
	a.mgr = review.NewManager(a.sessions, a.snaps, a.resolver, extractor, mirror,
		func(guildID string) review.Policy {
			return review.PolicyFrom(cfg.ReviewFor(guildID))
		}, logger)
	return a, nil
}

func (a *app) close() {
	if a.sessions != nil {
		a.sessions.Close()
	}
	a.db.Close()
}
