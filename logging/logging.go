// Package logging builds the zap logger shared by RuneAI components.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/becomeliminal/runeai/config"
)

// Category names the component a log line came from.
type Category string

const (
	CategoryEmbedder  Category = "embedder"
	CategoryRetrieval Category = "retrieval"
	CategoryEnrich    Category = "enrich"
	CategoryFetch     Category = "fetch"
	CategoryChat      Category = "chat"
	CategoryMemory    Category = "memory"
	CategoryChangelog Category = "changelog"
	CategoryJobs      Category = "jobs"
	CategoryStore     Category = "store"
	CategoryHTTP      Category = "http"
	CategoryMCP       Category = "mcp"
)

// New builds a root logger from cfg.
func New(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil && cfg.Level != "" {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	if cfg.Level != "" {
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// For returns a logger named after category. A nil parent yields a no-op logger.
func For(parent *zap.Logger, category Category) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(string(category))
}

// Truncate shortens s for use in a log field.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
