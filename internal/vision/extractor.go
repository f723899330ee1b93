package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/canonical"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/numparse"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/retry"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/types"
)

const extractionInstruction = `You read "Manage Members" roster screenshots from a mobile game.
Identify whether the power column shown is "sim" (simulation power) or "total" (total power).
Respond with STRICT JSON only, no prose, exactly this shape:
{"metric":"sim"|"total","rows":[{"name":string,"value":number|string,"confidence":number}]}
- name: the member's display name exactly as shown
- value: the power number exactly as shown, including separators or K/M/B suffix
- confidence: 0..1, your certainty about the digits
Include every visible member row. Never invent rows.`

const boostInstructionFmt = extractionInstruction + `
Re-read slowly and double-check each digit. Focus especially on these members, one by one:
%s
Report only members you can actually see.`

// Confidence adjustments for the dual-model ensemble. Asymmetric because
// the strong model is the fallback source of truth.
const (
	strongOnlyDiscount  = 0.9
	weakOnlyDiscount    = 0.7
	disagreementConfCap = 0.85
)

// Config tunes the extractor.
type Config struct {
	Retry retry.Config

	// PreferStrong picks the strong model's digit on ensemble
	// disagreement. This is a policy choice, not a derived property.
	PreferStrong bool

	// MaxConcurrent bounds parallel screenshot extraction.
	MaxConcurrent int
}

// DefaultConfig returns extractor defaults.
func DefaultConfig() Config {
	return Config{Retry: retry.DefaultConfig(), PreferStrong: true, MaxConcurrent: 3}
}

// Extraction is the validated result of one screenshot.
type Extraction struct {
	Metric types.MetricKind
	Rows   map[string]*types.MetricRow // keyed by canonical key
}

// Extractor turns screenshots into validated metric rows, optionally
// running a strong/weak model ensemble per image.
type Extractor struct {
	strong Oracle
	weak   Oracle // nil disables the ensemble
	boost  Oracle // nil falls back to strong for boost passes
	cfg    Config
	log    *zap.Logger
}

// NewExtractor builds an extractor. weak may be nil for single-model
// mode; boost may be nil to run boost passes on the strong oracle.
func NewExtractor(strong, weak, boost Oracle, cfg Config, log *zap.Logger) *Extractor {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Extractor{strong: strong, weak: weak, boost: boost, cfg: cfg, log: log}
}

func (e *Extractor) boostOracle() Oracle {
	if e.boost != nil {
		return e.boost
	}
	return e.strong
}

// Extract processes one screenshot. In ensemble mode both oracle calls
// run concurrently and their row sets are reconciled digit by digit; a
// weak-model failure degrades to single-model extraction, a strong-model
// failure is fatal for the image.
func (e *Extractor) Extract(ctx context.Context, img Image, forced types.MetricKind) (*Extraction, error) {
	return e.extract(ctx, img, forced, extractionInstruction)
}

// ExtractAll processes screenshots concurrently, bounded by the
// configured worker limit. Order of results matches the input order;
// merging downstream is commutative so completion order does not matter.
func (e *Extractor) ExtractAll(ctx context.Context, imgs []Image, forced types.MetricKind) ([]*Extraction, error) {
	out := make([]*Extraction, len(imgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, img := range imgs {
		g.Go(func() error {
			ex, err := e.Extract(gctx, img, forced)
			if err != nil {
				return fmt.Errorf("screenshot %d: %w", i+1, err)
			}
			out[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Boost re-extracts screenshots in a stricter, slower mode limited to the
// named members. Single-model on the boost oracle (the strong model
// unless a dedicated one is configured). Rows the model volunteers for
// members outside the target set are dropped, so a boost can never
// change an already-accepted reading.
func (e *Extractor) Boost(ctx context.Context, imgs []Image, forced types.MetricKind, targets []string) ([]*Extraction, error) {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	instruction := fmt.Sprintf(boostInstructionFmt, "- "+strings.Join(sorted, "\n- "))

	targetKeys := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if key := canonical.Key(t); key != "" {
			targetKeys[key] = struct{}{}
		}
	}

	oracle := e.boostOracle()
	out := make([]*Extraction, len(imgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrent)
	for i, img := range imgs {
		g.Go(func() error {
			raw, err := e.callOracle(gctx, oracle, img, instruction)
			if err != nil {
				return fmt.Errorf("boost screenshot %d: %w", i+1, err)
			}
			ex, err := e.parseResponse(raw, oracle.Name(), forced)
			if err != nil {
				return fmt.Errorf("boost screenshot %d: %w", i+1, err)
			}
			for key := range ex.Rows {
				if _, targeted := targetKeys[key]; !targeted {
					delete(ex.Rows, key)
				}
			}
			out[i] = ex
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Extractor) extract(ctx context.Context, img Image, forced types.MetricKind, instruction string) (*Extraction, error) {
	if e.weak == nil {
		raw, err := e.callOracle(ctx, e.strong, img, instruction)
		if err != nil {
			return nil, err
		}
		return e.parseResponse(raw, e.strong.Name(), forced)
	}

	var strongRaw, weakRaw string
	var weakErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		strongRaw, err = e.callOracle(gctx, e.strong, img, instruction)
		return err
	})
	g.Go(func() error {
		// The weak model is advisory; its failure must not sink the image.
		weakRaw, weakErr = e.callOracle(gctx, e.weak, img, instruction)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	strongEx, err := e.parseResponse(strongRaw, e.strong.Name(), forced)
	if err != nil {
		return nil, err
	}

	if weakErr != nil {
		e.log.Warn("weak model failed, using strong model alone",
			zap.String("model", e.weak.Name()), zap.Error(weakErr))
		return strongEx, nil
	}
	weakEx, err := e.parseResponse(weakRaw, e.weak.Name(), forced)
	if err != nil {
		e.log.Warn("weak model returned invalid response, using strong model alone",
			zap.String("model", e.weak.Name()), zap.Error(err))
		return strongEx, nil
	}

	return reconcile(strongEx, weakEx, e.cfg.PreferStrong), nil
}

func (e *Extractor) callOracle(ctx context.Context, o Oracle, img Image, instruction string) (string, error) {
	var raw string
	cfg := e.cfg.Retry
	cfg.RetryIf = Transient
	err := retry.WithBackoff(ctx, cfg, e.log, "vision-extract/"+o.Name(), func() error {
		var err error
		raw, err = o.Extract(ctx, img, instruction)
		return err
	})
	return raw, err
}

type oracleRow struct {
	Name       string  `json:"name"`
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type oracleResult struct {
	Metric string      `json:"metric"`
	Rows   []oracleRow `json:"rows"`
}

// parseResponse validates the raw oracle text: it must be strict JSON in
// the demanded shape. Rows with unparseable values are dropped; rows
// rejected by the page-median sanity check are dropped; duplicate
// canonical keys keep the higher value and higher confidence.
func (e *Extractor) parseResponse(raw, model string, forced types.MetricKind) (*Extraction, error) {
	var res oracleResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	metric := types.MetricKind(res.Metric)
	if forced != "" {
		metric = forced
	}
	if !metric.Valid() {
		return nil, fmt.Errorf("%w: unknown metric %q", ErrInvalidResponse, res.Metric)
	}

	// First pass without the median so the median itself is computed from
	// every pre-correction-plausible reading.
	values := make([]numparse.Result, len(res.Rows))
	var accepted []int64
	for i, row := range res.Rows {
		values[i] = numparse.ParseValue(row.Value, numparse.Options{})
		if values[i].Valid {
			accepted = append(accepted, values[i].Value)
		}
	}
	median := medianOf(accepted)

	ex := &Extraction{Metric: metric, Rows: make(map[string]*types.MetricRow)}
	dropped := 0
	for i, row := range res.Rows {
		result := values[i]
		if result.Valid && result.Corrected && median > 0 {
			// Re-check corrected readings against the page median.
			result = numparse.ParseValue(row.Value, numparse.Options{PageMedian: median})
		}
		if !result.Valid {
			dropped++
			e.log.Debug("row dropped",
				zap.String("model", model),
				zap.String("name", row.Name),
				zap.String("reason", result.Reason))
			continue
		}
		key := canonical.Key(row.Name)
		if key == "" {
			dropped++
			continue
		}

		conf := clamp01(row.Confidence)
		if existing, ok := ex.Rows[key]; ok {
			// Duplicate within one call: the OCR source is unreliable in
			// both directions, so stay conservative against under-counting.
			if result.Value > existing.Value {
				existing.Value = result.Value
			}
			if conf > existing.Confidence {
				existing.Confidence = conf
			}
			existing.AddProvenance(model)
			continue
		}
		mr := &types.MetricRow{
			CanonicalKey: key,
			DisplayName:  strings.TrimSpace(row.Name),
			Value:        result.Value,
			Confidence:   conf,
		}
		mr.AddProvenance(model)
		ex.Rows[key] = mr
	}

	if dropped > 0 {
		e.log.Info("extraction dropped rows",
			zap.String("model", model),
			zap.Int("dropped", dropped),
			zap.Int("kept", len(ex.Rows)))
	}
	return ex, nil
}

func medianOf(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
