package admission

import (
	"context"

	"github.com/mbd888/guildgate/internal/realtime"
	"github.com/mbd888/guildgate/internal/webhooks"
)

// eventData is the consumer payload for a decision. It carries scores and
// flags only, never raw inputs.
func eventData(r *Result) map[string]interface{} {
	d := map[string]interface{}{
		"attemptId":            r.AttemptID,
		"identityId":           r.IdentityID,
		"approved":             r.Approved,
		"decision":             string(r.Decision),
		"action":               string(r.Action),
		"score":                r.RiskScore,
		"flags":                r.Flags.Strings(),
		"requiresManualReview": r.RequiresManualReview,
		"altMatches":           len(r.AltMatches),
		"lockdown":             r.Lockdown,
		"infraFailure":         r.InfraFailure,
	}
	if r.Reason != "" {
		d["reason"] = r.Reason
	}
	if len(r.DegradedSources) > 0 {
		d["degradedSources"] = r.DegradedSources
	}
	return d
}

// WebhookNotifier delivers admission.decided to guild subscriptions.
type WebhookNotifier struct {
	d *webhooks.Dispatcher
}

// NewWebhookNotifier wraps a dispatcher.
func NewWebhookNotifier(d *webhooks.Dispatcher) *WebhookNotifier {
	return &WebhookNotifier{d: d}
}

func (n *WebhookNotifier) Name() string { return "webhooks" }

// Notify waits for every subscription so failures reach the result.
func (n *WebhookNotifier) Notify(ctx context.Context, r *Result) error {
	return n.d.DispatchSync(ctx, webhooks.NewEvent(webhooks.EventAdmissionDecided, r.GuildID, eventData(r)))
}

// RealtimeNotifier pushes decisions to the live moderator feed.
type RealtimeNotifier struct {
	hub *realtime.Hub
}

// NewRealtimeNotifier wraps a hub.
func NewRealtimeNotifier(hub *realtime.Hub) *RealtimeNotifier {
	return &RealtimeNotifier{hub: hub}
}

func (n *RealtimeNotifier) Name() string { return "realtime" }

func (n *RealtimeNotifier) Notify(_ context.Context, r *Result) error {
	n.hub.BroadcastGuild(realtime.EventDecision, r.GuildID, eventData(r))
	return nil
}
