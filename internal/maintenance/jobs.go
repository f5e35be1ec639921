package maintenance

import (
	"context"
	"time"

	"github.com/mbd888/guildgate/internal/antiraid"
	"github.com/mbd888/guildgate/internal/profile"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/reputation"
)

// Config holds job schedules and retention windows.
type Config struct {
	ProfileRebuild     string        `mapstructure:"profile_rebuild"`
	RaidSweep          string        `mapstructure:"raid_sweep"`
	WindowPrune        string        `mapstructure:"window_prune"`
	MessagePrune       string        `mapstructure:"message_prune"`
	AttemptCleanup     string        `mapstructure:"attempt_cleanup"`
	ReputationSnapshot string        `mapstructure:"reputation_snapshot"`
	KeyPurge           string        `mapstructure:"key_purge"`
	WindowRetention    time.Duration `mapstructure:"window_retention"`
	MessageRetention   time.Duration `mapstructure:"message_retention"`
	SnapshotLookback   time.Duration `mapstructure:"snapshot_lookback"`
	KeyRetention       time.Duration `mapstructure:"key_retention"`
	JobTimeout         time.Duration `mapstructure:"job_timeout"`
}

// DefaultConfig returns production schedules.
func DefaultConfig() Config {
	return Config{
		ProfileRebuild:     "@every 15m",
		RaidSweep:          "@every 1m",
		WindowPrune:        "@every 5m",
		MessagePrune:       "@hourly",
		AttemptCleanup:     "@every 10m",
		ReputationSnapshot: "@daily",
		KeyPurge:           "@daily",
		WindowRetention:    10 * time.Minute,
		MessageRetention:   30 * 24 * time.Hour,
		SnapshotLookback:   24 * time.Hour,
		KeyRetention:       30 * 24 * time.Hour,
		JobTimeout:         5 * time.Minute,
	}
}

// MessagePruner deletes recorded messages older than a cutoff.
type MessagePruner interface {
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
}

// KeyPurger deletes API keys that stopped working before a cutoff.
type KeyPurger interface {
	PurgeKeys(ctx context.Context, before time.Time) (int, error)
}

// Deps are the components the standard jobs act on. Nil fields skip the
// corresponding job.
type Deps struct {
	Profiles   *profile.Rebuilder
	Raid       *antiraid.Monitor
	Windows    antiraid.WindowStore
	Messages   MessagePruner
	Limiter    *ratelimit.AttemptLimiter
	Reputation *reputation.Service
	Keys       KeyPurger
	Now        func() time.Time
}

// RegisterDefaults adds every standard job whose dependency is present.
func RegisterDefaults(s *Scheduler, cfg Config, d Deps) error {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	var jobs []Job
	if d.Profiles != nil {
		jobs = append(jobs, Job{Name: "profile_rebuild", Schedule: cfg.ProfileRebuild, Run: d.Profiles.RebuildAll})
	}
	if d.Raid != nil {
		jobs = append(jobs, Job{Name: "raid_sweep", Schedule: cfg.RaidSweep, Run: d.Raid.Sweep})
	}
	if d.Windows != nil {
		windows, retention := d.Windows, cfg.WindowRetention
		jobs = append(jobs, Job{Name: "window_prune", Schedule: cfg.WindowPrune, Run: func(ctx context.Context) (int, error) {
			return 0, windows.Prune(ctx, now().Add(-retention))
		}})
	}
	if d.Messages != nil {
		msgs, retention := d.Messages, cfg.MessageRetention
		jobs = append(jobs, Job{Name: "message_prune", Schedule: cfg.MessagePrune, Run: func(ctx context.Context) (int, error) {
			n, err := msgs.PruneMessages(ctx, now().Add(-retention))
			return int(n), err
		}})
	}
	if d.Limiter != nil {
		jobs = append(jobs, Job{Name: "attempt_cleanup", Schedule: cfg.AttemptCleanup, Run: d.Limiter.Cleanup})
	}
	if d.Reputation != nil {
		rep, lookback := d.Reputation, cfg.SnapshotLookback
		jobs = append(jobs, Job{Name: "reputation_snapshot", Schedule: cfg.ReputationSnapshot, Run: func(ctx context.Context) (int, error) {
			return rep.Snapshot(ctx, now().Add(-lookback))
		}})
	}
	if d.Keys != nil {
		keys, retention := d.Keys, cfg.KeyRetention
		jobs = append(jobs, Job{Name: "key_purge", Schedule: cfg.KeyPurge, Run: func(ctx context.Context) (int, error) {
			return keys.PurgeKeys(ctx, now().Add(-retention))
		}})
	}

	for _, j := range jobs {
		j.Timeout = cfg.JobTimeout
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
