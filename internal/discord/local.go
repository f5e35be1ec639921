package discord

import (
	"context"
	"time"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/antiraid"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/validation"
)

// LocalCore drives an in-process admission service and raid monitor.
type LocalCore struct {
	admission *admission.Service
	monitor   *antiraid.Monitor
	messages  antiraid.MessageSink
}

// NewLocalCore creates an in-process core. messages may be nil.
func NewLocalCore(svc *admission.Service, monitor *antiraid.Monitor, messages antiraid.MessageSink) *LocalCore {
	return &LocalCore{admission: svc, monitor: monitor, messages: messages}
}

func (c *LocalCore) Evaluate(ctx context.Context, req admission.Request) (*admission.Result, error) {
	return c.admission.Evaluate(ctx, req)
}

func (c *LocalCore) RecordJoin(ctx context.Context, guildID, identityID string, at time.Time) error {
	_, err := c.monitor.RecordJoin(ctx, guildID, identityID, at)
	return err
}

func (c *LocalCore) RecordMessage(ctx context.Context, guildID, identityID, content string, at time.Time) error {
	if _, err := c.monitor.RecordMessage(ctx, guildID, identityID, at); err != nil {
		return err
	}
	if c.messages == nil || content == "" {
		return nil
	}
	return c.messages.AppendMessages(ctx, []identity.Message{{
		IdentityID: identityID,
		GuildID:    guildID,
		Content:    validation.SanitizeString(content, validation.MaxStringLength),
		SentAt:     at,
	}})
}
