package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/guildgate/internal/audit"
	"github.com/mbd888/guildgate/internal/correlation"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/idgen"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/profile"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/risk"
	"github.com/mbd888/guildgate/internal/traces"
	"github.com/mbd888/guildgate/internal/validation"
)

const maxDisplayName = 100

// Evaluate runs one admission evaluation.
//
// The returned error is nil for every decided evaluation, including replays.
// Two terminal paths return a non-nil Result together with an error: a rate
// limited attempt (*ratelimit.RateLimitError) and an infrastructure fallback
// (*InfraError). When the caller's context is cancelled nothing is persisted
// except an audit entry and the context error is returned.
func (s *Service) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx = logging.WithSubject(ctx, req.GuildID, req.IdentityID)
	ctx, span := traces.StartSpan(ctx, "admission.Evaluate",
		traces.GuildID(req.GuildID), traces.IdentityID(req.IdentityID))
	defer span.End()

	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.EvaluationTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(evalCtx, req.IdentityID, req.GuildID)
	if err != nil {
		return s.interrupted(ctx, req, nil, "lock", err)
	}
	defer unlock()

	now := s.now()
	since := now.Add(-s.cfg.ReplayWindow)

	prev, err := s.store.LatestFinalAttempt(evalCtx, req.IdentityID, req.GuildID, since)
	switch {
	case err == nil:
		return s.replay(ctx, prev), nil
	case errors.Is(err, identity.ErrNotFound):
	default:
		return s.interrupted(ctx, req, nil, "replay_lookup", err)
	}

	if err := s.limiter.Check(evalCtx, req.IdentityID, req.GuildID); err != nil {
		var rl *ratelimit.RateLimitError
		if errors.As(err, &rl) {
			return s.rateLimited(ctx, req, rl), err
		}
		if ctx.Err() != nil || evalCtx.Err() != nil {
			return s.interrupted(ctx, req, nil, "rate_limit", err)
		}
		// A broken limiter backend must not block admissions.
		logging.L(ctx).Warn("attempt limiter unavailable", "error", err)
	}

	if _, err := s.store.UpsertIdentity(evalCtx, &identity.Identity{
		ID:          req.IdentityID,
		CreatedAt:   req.AccountCreatedAt,
		DisplayName: req.DisplayName,
	}); err != nil {
		return s.interrupted(ctx, req, nil, "identity_upsert", err)
	}

	ev := &evaluation{req: req, now: now}
	s.loadProfiles(evalCtx, ev)
	if err := s.gather(evalCtx, ev); err != nil {
		return s.interrupted(ctx, req, ev.partial(), "signals", err)
	}

	agg := risk.Aggregate(s.scorer.Config().Weights, ev.subScores(s.scorer)...)
	flags := agg.Flags.Add(ev.report.Flags...)
	degraded := ev.degradedSources()
	if len(degraded) > 0 {
		flags = flags.Add(decision.FlagDegradedSignals)
	}

	summary := decision.Summary{
		IdentityID:      req.IdentityID,
		GuildID:         req.GuildID,
		DisplayName:     req.DisplayName,
		AltMatchCount:   len(ev.report.Matches),
		SubScores:       agg.Values(),
		DegradedSources: degraded,
	}
	if !req.AccountCreatedAt.IsZero() {
		summary.AccountAgeHours = now.Sub(req.AccountCreatedAt).Hours()
	}
	outcome, arb := s.policy.Resolve(evalCtx, s.arbiter, s.cfg.ArbitrationTimeout, summary, agg.Score, flags)

	lockdown := s.raid != nil && s.raid.InLockdown(evalCtx, req.GuildID)
	if lockdown {
		outcome = escalate(outcome)
	}

	res := &Result{
		AttemptID:            idgen.WithPrefix(idgen.Attempt),
		IdentityID:           req.IdentityID,
		GuildID:              req.GuildID,
		Approved:             outcome.Decision == decision.Approved,
		Decision:             outcome.Decision,
		Action:               outcome.Action,
		RiskScore:            outcome.Score,
		SubScores:            agg.Values(),
		Flags:                outcome.Flags,
		AltMatches:           ev.report.Matches,
		RequiresManualReview: outcome.RequiresManualReview,
		Reason:               outcome.Reason,
		DeniedBy:             outcome.DeniedBy,
		DegradedSources:      degraded,
		ExcludedCategories:   agg.ExcludedNames(),
		Arbitration:          arb,
		Lockdown:             lockdown,
		DecidedAt:            now,
	}
	if res.AltMatches == nil {
		res.AltMatches = []correlation.Match{}
	}

	if ctx.Err() != nil || evalCtx.Err() != nil {
		return s.interrupted(ctx, req, res, "decide", evalCtx.Err())
	}

	existing, err := s.store.RecordAttempt(evalCtx, s.attemptFrom(req, res), since)
	if err != nil {
		return s.interrupted(ctx, req, res, "record_attempt", err)
	}
	if existing != nil {
		return s.replay(ctx, existing), nil
	}

	s.applyTrust(evalCtx, res)

	s.audit.Record(ctx, &audit.Entry{
		Kind:               audit.KindEvaluation,
		GuildID:            res.GuildID,
		IdentityID:         res.IdentityID,
		AttemptID:          res.AttemptID,
		Decision:           string(res.Decision),
		Action:             string(res.Action),
		Score:              res.RiskScore,
		Flags:              res.Flags.Strings(),
		DegradedSources:    res.DegradedSources,
		ExcludedCategories: res.ExcludedCategories,
		Detail:             evaluationDetail(agg, res),
	})

	metrics.EvaluationsTotal.WithLabelValues(string(res.Decision), string(res.Action)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	metrics.RiskScore.Observe(float64(res.RiskScore))
	span.SetAttributes(
		traces.Score(res.RiskScore),
		traces.Decision(string(res.Decision)),
		traces.Lockdown(res.Lockdown),
		traces.AltMatches(len(res.AltMatches)),
	)

	logging.L(ctx).Info("admission evaluated",
		"attempt_id", res.AttemptID,
		"decision", res.Decision,
		"action", res.Action,
		"score", res.RiskScore,
		"alt_matches", len(res.AltMatches),
		"degraded", res.DegradedSources,
		"excluded", res.ExcludedCategories,
		"lockdown", res.Lockdown,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	s.notify(ctx, res)
	return res, nil
}

func (s *Service) normalize(req *Request) error {
	req.IdentityID = strings.TrimSpace(req.IdentityID)
	req.GuildID = strings.TrimSpace(req.GuildID)

	errs := validation.Validate(
		validation.Required("identityId", req.IdentityID),
		validation.ValidID("identityId", req.IdentityID),
		validation.Required("guildId", req.GuildID),
		validation.ValidID("guildId", req.GuildID),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, errs.Error())
	}

	var err error
	if req.FingerprintHash, err = signalHash("fingerprintHash", req.FingerprintHash, req.FingerprintRaw); err != nil {
		return err
	}
	if req.NetworkOriginHash, err = signalHash("networkOriginHash", req.NetworkOriginHash, req.NetworkOriginRaw); err != nil {
		return err
	}
	req.FingerprintRaw, req.NetworkOriginRaw = "", ""

	req.DisplayName = validation.SanitizeString(req.DisplayName, maxDisplayName)
	if limit := s.cfg.MaxMessages; limit > 0 && len(req.RecentMessages) > limit {
		req.RecentMessages = req.RecentMessages[len(req.RecentMessages)-limit:]
	}
	return nil
}

func signalHash(field, hash, raw string) (string, error) {
	if hash == "" && raw != "" {
		return HashSignal(raw), nil
	}
	if hash == "" {
		return "", nil
	}
	hash = strings.ToLower(hash)
	if !validation.IsValidHex(hash) {
		return "", fmt.Errorf("%w: %s must be hex", ErrInvalidRequest, field)
	}
	return hash, nil
}

// evaluation collects source results for one request. Fields written by the
// fan-out are owned by exactly one goroutine until gather returns.
type evaluation struct {
	req Request
	now time.Time

	behavior *identity.BehaviorProfile
	style    *identity.StyleProfile

	report   *correlation.Report
	ban      *identity.BanRecord
	external []risk.ExternalHit
	threat   identity.ThreatMatch
	threatOK bool

	mu       sync.Mutex
	degraded []string
}

func (e *evaluation) degrade(sources ...string) {
	e.mu.Lock()
	e.degraded = append(e.degraded, sources...)
	e.mu.Unlock()
}

func (e *evaluation) degradedSources() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]string(nil), e.degraded...)
	if e.report != nil {
		out = append(out, e.report.Degraded...)
	}
	return out
}

func (e *evaluation) subScores(sc *risk.Scorer) []risk.SubScore {
	subs := []risk.SubScore{
		sc.Account(e.now, risk.AccountSignals{
			CreatedAt:        e.req.AccountCreatedAt,
			HasAvatar:        e.req.HasAvatar,
			PlatformVerified: e.req.PlatformVerified,
		}),
		sc.Ban(e.ban, e.external),
		sc.Network(e.report.Network),
		sc.Fingerprint(e.report.Fingerprint, e.req.IdentityID, e.report.Banned),
		sc.Alt(e.report.Matches),
		sc.Behavior(e.behavior),
		sc.Style(e.style),
	}
	if e.threatOK {
		subs = append(subs, sc.ThreatActor(e.threat))
	} else {
		subs = append(subs, risk.Absent(risk.CategoryThreatActor))
	}
	return subs
}

// partial is what the fallback keeps from an interrupted evaluation.
func (e *evaluation) partial() *Result {
	return &Result{DegradedSources: e.degradedSources()}
}

// loadProfiles prefers profiles built from the messages in the request and
// falls back to the stored ones. Profiles are advisory: failures degrade.
func (s *Service) loadProfiles(ctx context.Context, ev *evaluation) {
	req := ev.req
	if len(req.RecentMessages) > 0 {
		msgs := make([]identity.Message, len(req.RecentMessages))
		for i, m := range req.RecentMessages {
			at := m.SentAt
			if at.IsZero() {
				at = ev.now
			}
			msgs[i] = identity.Message{IdentityID: req.IdentityID, GuildID: req.GuildID, Content: m.Content, SentAt: at}
		}
		if err := s.store.AppendMessages(ctx, msgs); err != nil {
			logging.L(ctx).Warn("failed to store messages", "error", err)
			ev.degrade("profile.messages")
		}
		if len(msgs) >= profile.MinMessages {
			ev.behavior, ev.style = profile.Build(req.IdentityID, msgs, ev.now)
			if err := s.store.SaveBehaviorProfile(ctx, ev.behavior); err != nil {
				logging.L(ctx).Warn("failed to save behavior profile", "error", err)
			}
			if err := s.store.SaveStyleProfile(ctx, ev.style); err != nil {
				logging.L(ctx).Warn("failed to save style profile", "error", err)
			}
			return
		}
	}

	_ = s.source(ctx, "profile.behavior", func(ctx context.Context) error {
		p, err := s.store.GetBehaviorProfile(ctx, req.IdentityID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			ev.degrade("profile.behavior")
			return err
		}
		ev.behavior = p
		return nil
	})
	_ = s.source(ctx, "profile.style", func(ctx context.Context) error {
		p, err := s.store.GetStyleProfile(ctx, req.IdentityID)
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			ev.degrade("profile.style")
			return err
		}
		ev.style = p
		return nil
	})
}

// gather queries every signal source in parallel. Source failures are
// recorded as degraded; only a dead evaluation context is an error.
func (s *Service) gather(ctx context.Context, ev *evaluation) error {
	req := ev.req
	cand := correlation.Candidate{
		IdentityID:      req.IdentityID,
		GuildID:         req.GuildID,
		FingerprintHash: req.FingerprintHash,
		NetworkHash:     req.NetworkOriginHash,
		NetworkFactors:  identity.Factors(req.NetworkFactors),
		DisplayName:     req.DisplayName,
		CreatedAt:       req.AccountCreatedAt,
	}
	if ev.behavior != nil {
		cand.VocabularyHash = ev.behavior.VocabularyHash
	}
	if ev.style != nil {
		cand.StyleHash = ev.style.StyleHash
	}

	var g errgroup.Group
	g.Go(func() error {
		rep, err := s.engine.Correlate(ctx, cand)
		if err != nil {
			return err
		}
		ev.report = rep
		return nil
	})
	g.Go(func() error {
		_ = s.source(ctx, "ban.internal", func(ctx context.Context) error {
			rec, err := s.store.GetBan(ctx, req.IdentityID)
			if errors.Is(err, identity.ErrNotFound) {
				return nil
			}
			if err != nil {
				ev.degrade("ban.internal")
				return err
			}
			ev.ban = rec
			return nil
		})
		return nil
	})
	if s.registries != nil && s.registries.Len() > 0 {
		g.Go(func() error {
			rep := s.registries.Check(ctx, req.IdentityID)
			ev.external = rep.Hits
			ev.degrade(rep.Degraded...)
			return nil
		})
	}
	g.Go(func() error {
		_ = s.source(ctx, "threat_actor", func(ctx context.Context) error {
			m, err := s.store.LookupThreat(ctx, req.IdentityID, req.FingerprintHash, req.NetworkOriginHash)
			if err != nil {
				ev.degrade("threat_actor")
				return err
			}
			ev.threat, ev.threatOK = m, true
			return nil
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.report == nil {
		ev.report = &correlation.Report{}
	}
	return nil
}

// source runs one lookup under the per-source timeout.
func (s *Service) source(ctx context.Context, name string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.SourceTimeout)
	defer cancel()
	sctx, span := traces.StartSpan(sctx, "admission.source", traces.Source(name))
	defer span.End()

	start := time.Now()
	err := fn(sctx)
	metrics.ObserveSource(name, time.Since(start), err)
	if err != nil {
		traces.Fail(span, err, "source failed")
		logging.L(ctx).Warn("signal source unavailable", "source", name, "error", err)
	}
	return err
}

// escalate raises non-deny outcomes to a strong challenge during lockdown.
func escalate(o decision.Outcome) decision.Outcome {
	o.Flags = o.Flags.Add(decision.FlagGuildLockdown)
	if o.Decision == decision.Denied || o.Action == decision.ActionChallengeStrong {
		return o
	}
	o.Action = decision.ActionChallengeStrong
	o.Decision = o.Action.Decision()
	o.Reason = "guild in raid lockdown: " + o.Reason
	return o
}

func (s *Service) attemptFrom(req Request, res *Result) *identity.VerificationAttempt {
	status := identity.AttemptProvisional
	if !res.InfraFailure && (res.Decision == decision.Approved || res.Decision == decision.Denied) {
		status = identity.AttemptFinal
	}
	return &identity.VerificationAttempt{
		ID:                 res.AttemptID,
		IdentityID:         res.IdentityID,
		GuildID:            res.GuildID,
		Status:             status,
		Decision:           res.Decision,
		Action:             res.Action,
		Score:              res.RiskScore,
		SubScores:          res.SubScores,
		Flags:              res.Flags,
		DegradedSources:    res.DegradedSources,
		ExcludedCategories: res.ExcludedCategories,
		Inputs:             attemptInputs(req),
		DisplayName:        req.DisplayName,
		ManualReview:       res.RequiresManualReview,
		CreatedAt:          res.DecidedAt,
	}
}

// attemptInputs keeps hashed inputs only.
func attemptInputs(req Request) map[string]any {
	in := map[string]any{
		"hasAvatar":        req.HasAvatar,
		"platformVerified": req.PlatformVerified,
		"networkFactors":   req.NetworkFactors,
		"messageCount":     len(req.RecentMessages),
	}
	if req.FingerprintHash != "" {
		in["fingerprintHash"] = req.FingerprintHash
	}
	if req.NetworkOriginHash != "" {
		in["networkOriginHash"] = req.NetworkOriginHash
	}
	if !req.AccountCreatedAt.IsZero() {
		in["accountCreatedAt"] = req.AccountCreatedAt.UTC().Format(time.RFC3339)
	}
	return in
}

func evaluationDetail(agg risk.Result, res *Result) map[string]any {
	reasons := make(map[string][]string)
	for c, sub := range agg.SubScores {
		if sub.Present && len(sub.Reasons) > 0 {
			reasons[string(c)] = sub.Reasons
		}
	}
	d := map[string]any{
		"subScores":  res.SubScores,
		"reasons":    reasons,
		"altMatches": len(res.AltMatches),
		"lockdown":   res.Lockdown,
	}
	if res.Arbitration != nil {
		d["arbitration"] = res.Arbitration
	}
	return d
}

// applyTrust records the decision against guild reputation and the global
// identity trust. Both are best-effort after the attempt is persisted.
func (s *Service) applyTrust(ctx context.Context, res *Result) {
	if s.reputation == nil {
		return
	}
	if _, err := s.reputation.RecordDecision(ctx, res.IdentityID, res.GuildID, res.Decision, res.DecidedAt); err != nil {
		logging.L(ctx).Warn("failed to record reputation", "error", err)
	}
	if delta := s.reputation.TrustDelta(res.Decision); delta != 0 {
		if _, err := s.store.AdjustTrust(ctx, res.IdentityID, delta); err != nil {
			logging.L(ctx).Warn("failed to adjust trust", "error", err)
		}
	}
}

func (s *Service) replay(ctx context.Context, a *identity.VerificationAttempt) *Result {
	res := &Result{
		AttemptID:            a.ID,
		IdentityID:           a.IdentityID,
		GuildID:              a.GuildID,
		Approved:             a.Decision == decision.Approved,
		Decision:             a.Decision,
		Action:               a.Action,
		RiskScore:            a.Score,
		SubScores:            a.SubScores,
		Flags:                decision.Flags(a.Flags),
		AltMatches:           []correlation.Match{},
		RequiresManualReview: a.ManualReview,
		DegradedSources:      a.DegradedSources,
		ExcludedCategories:   a.ExcludedCategories,
		Replayed:             true,
		DecidedAt:            a.CreatedAt,
	}
	s.audit.Record(ctx, &audit.Entry{
		Kind:       audit.KindReplay,
		GuildID:    res.GuildID,
		IdentityID: res.IdentityID,
		AttemptID:  res.AttemptID,
		Decision:   string(res.Decision),
		Action:     string(res.Action),
		Score:      res.RiskScore,
		Flags:      res.Flags.Strings(),
	})
	logging.L(ctx).Info("admission replayed", "attempt_id", res.AttemptID, "decision", res.Decision)
	return res
}

func (s *Service) rateLimited(ctx context.Context, req Request, rl *ratelimit.RateLimitError) *Result {
	metrics.RateLimitedTotal.Inc()
	res := &Result{
		IdentityID:        req.IdentityID,
		GuildID:           req.GuildID,
		Decision:          decision.Denied,
		Action:            decision.ActionDeny,
		Flags:             decision.Flags{},
		AltMatches:        []correlation.Match{},
		Reason:            fmt.Sprintf("too many attempts, retry in %d minutes", rl.WaitMinutes),
		RetryAfterMinutes: rl.WaitMinutes,
		DecidedAt:         s.now(),
	}
	s.audit.Record(ctx, &audit.Entry{
		Kind:       audit.KindRateLimited,
		GuildID:    req.GuildID,
		IdentityID: req.IdentityID,
		Decision:   string(res.Decision),
		Action:     string(res.Action),
		Detail:     map[string]any{"waitMinutes": rl.WaitMinutes, "attempts": rl.Attempts},
	})
	logging.L(ctx).Info("admission rate limited", "wait_minutes", rl.WaitMinutes)
	return res
}

// interrupted handles a failure mid-evaluation. Caller cancellation is
// audited and returned as is. Anything else is an infrastructure failure
// and gets the configured fallback decision.
func (s *Service) interrupted(ctx context.Context, req Request, partial *Result, stage string, cause error) (*Result, error) {
	if err := ctx.Err(); err != nil {
		detail := map[string]any{"stage": stage}
		entry := &audit.Entry{
			Kind:       audit.KindEvaluationCancelled,
			GuildID:    req.GuildID,
			IdentityID: req.IdentityID,
			Detail:     detail,
		}
		if partial != nil && partial.Decision != "" {
			entry.Decision = string(partial.Decision)
			entry.Action = string(partial.Action)
			entry.Score = partial.RiskScore
		}
		s.audit.Record(context.WithoutCancel(ctx), entry)
		logging.L(ctx).Info("admission cancelled by caller", "stage", stage)
		return nil, err
	}
	if cause == nil {
		cause = context.DeadlineExceeded
	}
	return s.fallback(ctx, req, partial, stage, cause)
}

func (s *Service) fallback(ctx context.Context, req Request, partial *Result, stage string, cause error) (*Result, error) {
	metrics.InfraFailuresTotal.WithLabelValues(string(s.cfg.InfraPolicy)).Inc()

	action := decision.ActionApproveReview
	reason := "infrastructure failure, approved pending manual review"
	if s.cfg.InfraPolicy == InfraFailClosed {
		action = decision.ActionDeny
		reason = "infrastructure failure, denied pending manual review"
	}
	res := &Result{
		AttemptID:            idgen.WithPrefix(idgen.Attempt),
		IdentityID:           req.IdentityID,
		GuildID:              req.GuildID,
		Approved:             action.Decision() == decision.Approved,
		Decision:             action.Decision(),
		Action:               action,
		Flags:                decision.Flags{}.Add(decision.FlagInfrastructureFailure, decision.FlagManualReview),
		AltMatches:           []correlation.Match{},
		RequiresManualReview: true,
		Reason:               reason,
		InfraFailure:         true,
		DecidedAt:            s.now(),
	}
	if partial != nil {
		res.RiskScore = partial.RiskScore
		res.SubScores = partial.SubScores
		res.DegradedSources = partial.DegradedSources
		if partial.Lockdown {
			res.Lockdown = true
			res.Flags = res.Flags.Add(decision.FlagGuildLockdown)
		}
	}

	// The evaluation deadline may be spent; persist on a short detached one.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.NotifyTimeout)
	defer cancel()
	if _, err := s.store.RecordAttempt(pctx, s.attemptFrom(req, res), res.DecidedAt.Add(-s.cfg.ReplayWindow)); err != nil {
		logging.L(ctx).Warn("failed to record fallback attempt", "error", err)
	}

	s.audit.Record(pctx, &audit.Entry{
		Kind:       audit.KindInfraFailure,
		GuildID:    res.GuildID,
		IdentityID: res.IdentityID,
		AttemptID:  res.AttemptID,
		Decision:   string(res.Decision),
		Action:     string(res.Action),
		Score:      res.RiskScore,
		Flags:      res.Flags.Strings(),
		Detail:     map[string]any{"stage": stage, "error": cause.Error(), "policy": string(s.cfg.InfraPolicy)},
	})
	metrics.EvaluationsTotal.WithLabelValues(string(res.Decision), string(res.Action)).Inc()
	logging.L(ctx).Error("admission fell back to infrastructure policy",
		"stage", stage, "policy", s.cfg.InfraPolicy, "error", cause)

	s.notify(context.WithoutCancel(ctx), res)
	return res, &InfraError{Stage: stage, Err: cause}
}

// notify delivers the result to every consumer in parallel. Failures are
// reported on the result and never change the decision.
func (s *Service) notify(ctx context.Context, res *Result) {
	if len(s.notifiers) == 0 {
		return
	}
	errs := make([]error, len(s.notifiers))
	var wg sync.WaitGroup
	for i, n := range s.notifiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nctx, cancel := context.WithTimeout(ctx, s.cfg.NotifyTimeout)
			defer cancel()
			if err := n.Notify(nctx, res); err != nil {
				errs[i] = fmt.Errorf("%s: %w", n.Name(), err)
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		name := s.notifiers[i].Name()
		metrics.NotificationFailuresTotal.WithLabelValues(name).Inc()
		res.NotificationFailures = append(res.NotificationFailures, name)
		s.audit.Record(ctx, &audit.Entry{
			Kind:       audit.KindNotificationFailure,
			GuildID:    res.GuildID,
			IdentityID: res.IdentityID,
			AttemptID:  res.AttemptID,
			Detail:     map[string]any{"consumer": name, "error": err.Error()},
		})
		logging.L(ctx).Warn("decision consumer failed", "consumer", name, "error", err)
	}
	res.notifyErr = errors.Join(errs...)
}
