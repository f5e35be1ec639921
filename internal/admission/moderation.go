package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/guildgate/internal/audit"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/validation"
)

// BanHook is told about every recorded ban.
type BanHook func(report identity.BanReport, rec *identity.BanRecord)

// OnBan registers a hook. Call during wiring, before serving.
func (s *Service) OnBan(fn BanHook) {
	s.banHooks = append(s.banHooks, fn)
}

// RecordBan folds a guild's ban into the identity's global ban record.
func (s *Service) RecordBan(ctx context.Context, report identity.BanReport, actor string) (*identity.BanRecord, error) {
	if !validation.IsValidID(report.IdentityID) || !validation.IsValidID(report.GuildID) {
		return nil, fmt.Errorf("%w: identityId and guildId are required", ErrInvalidRequest)
	}
	if report.At.IsZero() {
		report.At = s.now()
	}
	report.Reason = validation.SanitizeString(report.Reason, 500)

	rec, err := s.store.RecordBan(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("failed to record ban: %w", err)
	}
	if err := s.store.MarkBanned(ctx, report.IdentityID); err != nil {
		logging.L(ctx).Warn("failed to mark identity banned", "identity_id", report.IdentityID, "error", err)
	}

	s.audit.Record(ctx, &audit.Entry{
		Kind:       audit.KindBanRecorded,
		GuildID:    report.GuildID,
		IdentityID: report.IdentityID,
		Actor:      actor,
		Detail: map[string]any{
			"severity": report.Severity.String(),
			"reason":   report.Reason,
			"banCount": rec.BanCount,
			"record":   rec.Severity.String(),
		},
	})
	for _, fn := range s.banHooks {
		fn(report, rec)
	}
	return rec, nil
}

// ConfirmAltLink marks a suspected link as reviewed by a moderator.
func (s *Service) ConfirmAltLink(ctx context.Context, a, b, actor string) (*identity.AltLink, error) {
	if !validation.IsValidID(a) || !validation.IsValidID(b) || a == b {
		return nil, fmt.Errorf("%w: two distinct identity ids are required", ErrInvalidRequest)
	}
	link, err := s.store.ConfirmAltLink(ctx, a, b, actor)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, &audit.Entry{
		Kind:       audit.KindAltLinkConfirmed,
		IdentityID: link.IdentityA,
		Actor:      actor,
		Detail: map[string]any{
			"identityA":  link.IdentityA,
			"identityB":  link.IdentityB,
			"method":     string(link.Method),
			"confidence": link.Confidence,
		},
	})
	return link, nil
}

// AddThreatActor lists an identity, device or network as a known threat.
// Device and network values may be raw; they are hashed before storage.
func (s *Service) AddThreatActor(ctx context.Context, t *identity.ThreatActor) error {
	switch t.Kind {
	case identity.ThreatIdentity:
		if !validation.IsValidID(t.Value) {
			return fmt.Errorf("%w: malformed identity id", ErrInvalidRequest)
		}
	case identity.ThreatDevice, identity.ThreatNetwork:
		v := strings.ToLower(strings.TrimSpace(t.Value))
		if v == "" {
			return fmt.Errorf("%w: value is required", ErrInvalidRequest)
		}
		if len(v) != 64 || !validation.IsValidHex(v) {
			v = HashSignal(t.Value)
		}
		t.Value = v
	default:
		return fmt.Errorf("%w: kind must be identity, device or network", ErrInvalidRequest)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Reason = validation.SanitizeString(t.Reason, 500)

	if err := s.store.AddThreatActor(ctx, t); err != nil {
		return fmt.Errorf("failed to add threat actor: %w", err)
	}
	s.audit.Record(ctx, &audit.Entry{
		Kind:   audit.KindThreatActorAdded,
		Actor:  t.AddedBy,
		Detail: map[string]any{"kind": string(t.Kind), "reason": t.Reason},
	})
	return nil
}
