package riskmodel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/factorrisk/internal/metrics"
)

// DefaultSnapshotTTL is how long fitted snapshots are reused.
const DefaultSnapshotTTL = 24 * time.Hour

// FitRequest is the input of a standard factor model fit. Exposures may also be given as
// alpha-engine scores, and factor returns as the market data they are built from;
// FactorReturns wins over FactorInputs.
type FitRequest struct {
	Factors       []string            `json:"factors,omitempty" msgpack:"factors"`
	Exposures     []FactorExposure    `json:"exposures" msgpack:"exposures"`
	AlphaScores   []AlphaScores       `json:"alpha_scores,omitempty" msgpack:"alpha_scores"`
	Returns       []ReturnObservation `json:"returns" msgpack:"returns"`
	FactorReturns *FactorReturnSeries `json:"factor_returns,omitempty" msgpack:"factor_returns"`
	FactorInputs  *FactorReturnInputs `json:"factor_inputs,omitempty" msgpack:"factor_inputs"`
}

// StatisticalFitRequest is the input of a statistical model fit.
type StatisticalFitRequest struct {
	Returns         []ReturnObservation `json:"returns" msgpack:"returns"`
	ShrinkageTarget string              `json:"shrinkage_target,omitempty" msgpack:"shrinkage_target"`
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRepository enables persistent snapshot caching.
func WithRepository(repo *SnapshotRepository) ServiceOption {
	return func(s *Service) { s.repo = repo }
}

// WithMetrics records fit and cache metrics.
func WithMetrics(m *metrics.Registry) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithTTL overrides DefaultSnapshotTTL.
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) { s.ttl = ttl }
}

// Service fits risk models on demand and caches the resulting snapshots by input hash.
type Service struct {
	defaults    Defaults
	statistical StatisticalConfig
	repo        *SnapshotRepository
	metrics     *metrics.Registry
	ttl         time.Duration
	log         zerolog.Logger

	// recent snapshots by run id, used when no repository is configured
	mu     sync.RWMutex
	recent map[string]*Snapshot
}

// NewService creates a risk model service.
func NewService(defaults Defaults, statistical StatisticalConfig, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		defaults:    defaults,
		statistical: statistical,
		ttl:         DefaultSnapshotTTL,
		log:         log.With().Str("service", "risk_model").Logger(),
		recent:      make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FitFactorModel fits the standard model, reusing a cached snapshot for identical inputs.
// The boolean reports whether the snapshot came from the cache.
func (s *Service) FitFactorModel(ctx context.Context, req FitRequest) (*Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key, err := s.cacheKey(ModelKindFactor, s.defaults, req)
	if err != nil {
		return nil, false, err
	}
	if snap := s.lookup(key); snap != nil {
		return snap, true, nil
	}

	model, err := NewFactorModel(req.Factors, s.defaults, s.log)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create factor model: %w", err)
	}
	exposures := req.Exposures
	if len(req.AlphaScores) > 0 {
		exposures = append(append([]FactorExposure(nil), exposures...), ExposuresFromAlphaScores(req.AlphaScores)...)
	}
	factorReturns := req.FactorReturns
	if factorReturns == nil && req.FactorInputs != nil {
		factorReturns = NewFactorReturnCalculator(s.log).Calculate(*req.FactorInputs)
	}

	diag := model.Fit(exposures, req.Returns, factorReturns)
	s.metrics.ObserveFit(ModelKindFactor, diag.Duration, string(diag.Reason))

	snap := model.Snapshot()
	s.store(key, snap)
	return snap, false, nil
}

// FitStatistical fits the PCA/shrinkage model on the complete dates of the returns.
func (s *Service) FitStatistical(ctx context.Context, req StatisticalFitRequest) (*Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	cfg := s.statistical
	if req.ShrinkageTarget != "" {
		cfg.ShrinkageTarget = req.ShrinkageTarget
	}

	key, err := s.cacheKey(ModelKindStatistical, cfg, req.Returns)
	if err != nil {
		return nil, false, err
	}
	if snap := s.lookup(key); snap != nil {
		return snap, true, nil
	}

	model, err := NewStatisticalModel(cfg, s.log)
	if err != nil {
		return nil, false, err
	}
	diag := model.Fit(NewReturnPanel(req.Returns))
	s.metrics.ObserveFit(ModelKindStatistical, diag.Duration, string(diag.Reason))

	snap := model.Snapshot()
	s.store(key, snap)
	return snap, false, nil
}

// Snapshot returns a previously fitted snapshot by run id.
func (s *Service) Snapshot(runID string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.recent[runID]
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}
	if s.repo == nil {
		return nil, ErrSnapshotNotFound
	}
	return s.repo.GetByRunID(runID)
}

// cacheKey hashes the model kind, its settings and the inputs. Map keys are sorted so equal
// inputs always produce the same key.
func (s *Service) cacheKey(kind string, settings, inputs interface{}) (string, error) {
	h := sha256.New()
	enc := msgpack.NewEncoder(h)
	enc.SetSortMapKeys(true)
	for _, v := range []interface{}{kind, settings, inputs} {
		if err := enc.Encode(v); err != nil {
			return "", fmt.Errorf("failed to hash fit inputs: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

func (s *Service) lookup(key string) *Snapshot {
	if s.repo == nil {
		return nil
	}
	snap, err := s.repo.GetByKey(key)
	if err != nil {
		if !errors.Is(err, ErrSnapshotNotFound) {
			s.log.Warn().Err(err).Msg("Failed to read cached snapshot, refitting")
		}
		s.metrics.RecordCacheMiss()
		return nil
	}
	s.metrics.RecordCacheHit()
	s.log.Debug().Str("run_id", snap.RunID).Str("hash", key[:8]).Msg("Using cached risk model snapshot")
	s.remember(snap)
	return snap
}

func (s *Service) store(key string, snap *Snapshot) {
	s.remember(snap)
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(key, snap, s.ttl); err != nil {
		s.log.Warn().Err(err).Str("run_id", snap.RunID).Msg("Failed to cache risk model snapshot")
	}
}

func (s *Service) remember(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// bounded: drop everything once the map grows past a small working set
	if len(s.recent) >= 64 {
		s.recent = make(map[string]*Snapshot)
	}
	s.recent[snap.RunID] = snap
}
