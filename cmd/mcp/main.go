// guildgate MCP Server - exposes moderator tools (identity lookup, alt links,
// bans, raid status, audit) to LLM clients over stdio.
//
// Stdout carries the protocol, so every log line goes to stderr.
package main

import (
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/guildgate/internal/apiclient"
	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/logging"
	"github.com/mbd888/guildgate/internal/mcpserver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewWithWriter(os.Stderr, "info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, "text")

	if cfg.APIKey == "" {
		logger.Error("GUILDGATE_API_KEY is required (moderator tools need the admin secret)")
		os.Exit(1)
	}
	logger.Info("mcp server starting", "api", cfg.APIURL)

	s := mcpserver.NewMCPServer(apiclient.Config{APIURL: cfg.APIURL, APIKey: cfg.APIKey})
	errLog := slog.NewLogLogger(logger.Handler(), slog.LevelError)
	if err := server.ServeStdio(s, server.WithErrorLogger(errLog)); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
