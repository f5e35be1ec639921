// guildgate Discord bridge - feeds joins and messages from a Discord bot to a
// guildgate API and applies the decisions as roles.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/guildgate/internal/apiclient"
	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/discord"
	"github.com/mbd888/guildgate/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DiscordToken == "" {
		logger.Error("DISCORD_TOKEN is required")
		os.Exit(1)
	}
	if cfg.APIKey == "" {
		logger.Error("GUILDGATE_API_KEY is required")
		os.Exit(1)
	}

	session, err := discord.NewSession(cfg.DiscordToken)
	if err != nil {
		logger.Error("failed to create discord session", "error", err)
		os.Exit(1)
	}

	granter := discord.NewRoleGranter(session, discord.Roles{
		Approved:     cfg.DiscordApprovedRole,
		Review:       cfg.DiscordReviewRole,
		Challenge:    cfg.DiscordChallengeRole,
		AlertChannel: cfg.DiscordAlertChannel,
	})
	bridge := discord.New(session, apiclient.New(apiclient.Config{APIURL: cfg.APIURL, APIKey: cfg.APIKey}),
		discord.WithLogger(logger),
		discord.WithRoleGranter(granter),
		discord.WithEventTimeout(time.Duration(cfg.DiscordEventTimeoutMS)*time.Millisecond),
	)

	if err := bridge.Start(); err != nil {
		logger.Error("failed to start discord bridge", "error", err)
		os.Exit(1)
	}
	logger.Info("discord bridge running", "api", cfg.APIURL)

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	<-sc

	logger.Info("shutting down discord bridge")
	if err := bridge.Close(); err != nil {
		logger.Error("failed to close discord session", "error", err)
	}
}
