// Package discord bridges a Discord gateway connection to the admission core.
//
// Member joins become raid-window events and admission evaluations; guild
// messages feed flood detection and behaviour profiling. Decisions are applied
// back to Discord by RoleGranter, either as an in-process admission notifier
// or, for a bridge talking to a remote API, directly after each evaluation.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/logging"
)

// Core is what the bridge drives. *apiclient.Client and *LocalCore satisfy it.
type Core interface {
	Evaluate(ctx context.Context, req admission.Request) (*admission.Result, error)
	RecordJoin(ctx context.Context, guildID, identityID string, at time.Time) error
	RecordMessage(ctx context.Context, guildID, identityID, content string, at time.Time) error
}

// Gateway is the subset of *discordgo.Session the bridge needs.
type Gateway interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
}

// NewSession creates a bot session with the intents the bridge consumes.
func NewSession(token string) (*discordgo.Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	dg.StateEnabled = false
	return dg, nil
}

// Bridge routes gateway events to the core.
type Bridge struct {
	gateway Gateway
	core    Core
	granter *RoleGranter
	timeout time.Duration
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	removes []func()
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithRoleGranter makes the bridge apply decisions itself. Use it when the
// core is remote; in-process the granter is registered as a notifier instead.
func WithRoleGranter(g *RoleGranter) Option {
	return func(b *Bridge) { b.granter = g }
}

// WithEventTimeout bounds the work done for one gateway event.
func WithEventTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// New creates a bridge. Call Start to connect.
func New(gateway Gateway, core Core, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		gateway: gateway,
		core:    core,
		timeout: 15 * time.Second,
		logger:  slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start registers event handlers and opens the gateway connection.
func (b *Bridge) Start() error {
	b.mu.Lock()
	b.removes = append(b.removes,
		b.gateway.AddHandler(b.onReady),
		b.gateway.AddHandler(b.onMemberAdd),
		b.gateway.AddHandler(b.onMessageCreate),
	)
	b.mu.Unlock()

	if err := b.gateway.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close cancels in-flight event work and disconnects.
func (b *Bridge) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, remove := range b.removes {
		remove()
	}
	b.removes = nil
	b.mu.Unlock()
	return b.gateway.Close()
}

func (b *Bridge) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	name := ""
	if r.User != nil {
		name = r.User.Username
	}
	b.logger.Info("discord gateway ready", "bot", name, "guilds", len(r.Guilds))
}

func (b *Bridge) onMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	_, _ = b.HandleJoin(ctx, m.Member)
}

func (b *Bridge) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	b.HandleMessage(ctx, m.Message)
}

// HandleJoin records the join and evaluates the new member. Bot accounts are
// ignored and return a nil result.
func (b *Bridge) HandleJoin(ctx context.Context, m *discordgo.Member) (*admission.Result, error) {
	if m == nil || m.User == nil || m.User.Bot {
		return nil, nil
	}
	ctx = logging.WithLogger(ctx, b.logger)
	ctx = logging.WithSubject(ctx, m.GuildID, m.User.ID)
	log := logging.L(ctx)

	joinedAt := m.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}
	if err := b.core.RecordJoin(ctx, m.GuildID, m.User.ID, joinedAt); err != nil {
		log.Warn("failed to record join", "error", err)
	}

	req, err := RequestFromMember(m)
	if err != nil {
		log.Warn("cannot build admission request", "error", err)
		return nil, err
	}

	res, err := b.core.Evaluate(ctx, req)
	if res == nil {
		log.Error("admission evaluation failed", "error", err)
		return nil, err
	}
	if err != nil {
		// Rate limit or infrastructure fallback: still a decision to apply.
		log.Info("admission returned a fallback decision", "error", err)
	}

	if b.granter != nil {
		if gerr := b.granter.Notify(ctx, res); gerr != nil {
			log.Warn("failed to apply decision in discord", "error", gerr)
			res.NotificationFailures = append(res.NotificationFailures, b.granter.Name()+": "+gerr.Error())
		}
	}
	log.Info("member evaluated",
		"action", res.Action,
		"score", res.RiskScore,
		"flags", res.Flags.Strings(),
		"replayed", res.Replayed,
	)
	return res, err
}

// HandleMessage records a guild message. Direct messages and bots are ignored.
func (b *Bridge) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.GuildID == "" || m.Author == nil || m.Author.Bot {
		return
	}
	at := m.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := b.core.RecordMessage(ctx, m.GuildID, m.Author.ID, m.Content, at); err != nil {
		logging.L(logging.WithLogger(ctx, b.logger)).Warn("failed to record message",
			"guild_id", m.GuildID, "identity_id", m.Author.ID, "error", err)
	}
}

// ErrNoUser is returned for member payloads without a user.
var ErrNoUser = errors.New("discord: member has no user")

// RequestFromMember builds an admission request. Discord exposes no device
// or network signal to bots, so those stay empty and score as absent.
func RequestFromMember(m *discordgo.Member) (admission.Request, error) {
	if m == nil || m.User == nil {
		return admission.Request{}, ErrNoUser
	}
	created, err := discordgo.SnowflakeTimestamp(m.User.ID)
	if err != nil {
		return admission.Request{}, fmt.Errorf("discord: bad user id %q: %w", m.User.ID, err)
	}
	return admission.Request{
		IdentityID:       m.User.ID,
		GuildID:          m.GuildID,
		AccountCreatedAt: created.UTC(),
		DisplayName:      displayName(m),
		HasAvatar:        m.User.Avatar != "" || m.Avatar != "",
		PlatformVerified: m.User.Verified,
	}, nil
}

func displayName(m *discordgo.Member) string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}
