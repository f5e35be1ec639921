package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/guildgate/internal/decision"
)

// Service applies reputation events and computes scores.
type Service struct {
	store  Store
	calc   *Calculator
	deltas TrustDeltas
	logger *slog.Logger
}

// NewService creates a reputation service.
func NewService(store Store, deltas TrustDeltas, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		calc:   NewCalculator(),
		deltas: deltas,
		logger: logger,
	}
}

// WithWeights overrides the calculator weights.
func (s *Service) WithWeights(w Weights) *Service {
	s.calc = NewCalculatorWithWeights(w)
	return s
}

// RecordEvent applies one event to the (identity, guild) record.
func (s *Service) RecordEvent(ctx context.Context, identityID, guildID string, e Event) (*Record, error) {
	d, err := DeltaFor(e, s.deltas)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Apply(ctx, identityID, guildID, d)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s event: %w", e.Kind, err)
	}
	return rec, nil
}

// RecordDecision applies the outcome of an admission evaluation.
func (s *Service) RecordDecision(ctx context.Context, identityID, guildID string, d decision.Decision, at time.Time) (*Record, error) {
	return s.RecordEvent(ctx, identityID, guildID, EventForDecision(d, at))
}

// TrustDelta is the trust change RecordDecision applies for d.
func (s *Service) TrustDelta(d decision.Decision) float64 {
	return s.deltas.For(EventForDecision(d, time.Time{}).Kind)
}

// Score returns the current score. ErrNotFound if the identity has no
// history in the guild.
func (s *Service) Score(ctx context.Context, identityID, guildID string) (*Score, error) {
	rec, err := s.store.Get(ctx, identityID, guildID)
	if err != nil {
		return nil, err
	}
	return s.calc.Calculate(*rec), nil
}

// History returns stored snapshots newest first.
func (s *Service) History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	return s.store.History(ctx, q)
}

// Snapshot scores every record active since the cutoff and stores the
// results. It returns the number of snapshots written.
func (s *Service) Snapshot(ctx context.Context, since time.Time) (int, error) {
	recs, err := s.store.ListActiveSince(ctx, since, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list active records: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	snaps := make([]*Snapshot, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		snaps = append(snaps, SnapshotFromScore(s.calc.Calculate(*rec)))
	}
	if err := s.store.SaveSnapshots(ctx, snaps); err != nil {
		return 0, fmt.Errorf("failed to save snapshots: %w", err)
	}
	s.logger.Info("reputation snapshots saved", "count", len(snaps))
	return len(snaps), nil
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
