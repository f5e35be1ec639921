package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/decision"
)

// RoleAPI is the subset of *discordgo.Session used to apply decisions.
type RoleAPI interface {
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Roles maps admission actions to Discord roles. Empty IDs are skipped.
type Roles struct {
	Approved     string `mapstructure:"approved_role"`
	Review       string `mapstructure:"review_role"`
	Challenge    string `mapstructure:"challenge_role"`
	AlertChannel string `mapstructure:"alert_channel"`
}

// RoleGranter applies admission decisions to guild members. It implements
// admission.Notifier.
type RoleGranter struct {
	api   RoleAPI
	roles Roles
}

// NewRoleGranter creates a granter.
func NewRoleGranter(api RoleAPI, roles Roles) *RoleGranter {
	return &RoleGranter{api: api, roles: roles}
}

func (g *RoleGranter) Name() string { return "discord" }

// Notify grants the roles for the result's action and posts an alert for
// anything a moderator should look at. Denied members get no role; removing
// them is left to moderators.
func (g *RoleGranter) Notify(ctx context.Context, r *admission.Result) error {
	var errs []error
	for _, role := range g.rolesFor(r.Action) {
		if err := g.api.GuildMemberRoleAdd(r.GuildID, r.IdentityID, role, discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("grant role %s: %w", role, err))
		}
	}
	if g.roles.AlertChannel != "" && !r.Replayed && needsAlert(r) {
		if _, err := g.api.ChannelMessageSend(g.roles.AlertChannel, alertText(r), discordgo.WithContext(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("post alert: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (g *RoleGranter) rolesFor(a decision.Action) []string {
	var ids []string
	add := func(id string) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	switch a {
	case decision.ActionApprove:
		add(g.roles.Approved)
	case decision.ActionApproveReview:
		add(g.roles.Approved)
		add(g.roles.Review)
	case decision.ActionChallengeLight, decision.ActionChallengeStrong:
		add(g.roles.Challenge)
	}
	return ids
}

func needsAlert(r *admission.Result) bool {
	return r.Decision != decision.Approved || r.RequiresManualReview || r.Lockdown
}

func alertText(r *admission.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Admission **%s** for <@%s>: score %d", r.Action, r.IdentityID, r.RiskScore)
	if len(r.Flags) > 0 {
		fmt.Fprintf(&sb, ", flags: %s", strings.Join(r.Flags.Strings(), ", "))
	}
	if len(r.AltMatches) > 0 {
		fmt.Fprintf(&sb, ", %d possible alt(s)", len(r.AltMatches))
	}
	if r.RequiresManualReview {
		sb.WriteString(" (manual review)")
	}
	if r.Reason != "" {
		fmt.Fprintf(&sb, "\n%s", r.Reason)
	}
	return sb.String()
}
