// guildgate - admission and alt-account detection for community guilds
//
// Usage:
//
//	guildgate                  # serve the API
//	guildgate -check-policy    # validate POLICY_FILE and print the effective policy
//	guildgate -version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build info and exit")
	checkPolicy := flag.Bool("check-policy", false, "validate the scoring policy and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("guildgate %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}
	if Version != "dev" {
		server.Version = Version
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Policy errors are operator typos; surface them before touching storage.
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Error("invalid policy", "file", cfg.PolicyFile, "error", err)
		os.Exit(1)
	}
	if *checkPolicy {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(policy); err != nil {
			logger.Error("failed to print policy", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting guildgate",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"discord", cfg.DiscordToken != "",
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithPolicy(policy))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
