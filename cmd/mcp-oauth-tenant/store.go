package main

import (
	"fmt"
	"log/slog"

	"github.com/giantswarm/mcp-oauth-tenant/storage"
	"github.com/giantswarm/mcp-oauth-tenant/storage/memory"
	"github.com/giantswarm/mcp-oauth-tenant/storage/valkey"
)

// openStore connects to Valkey when url is set and falls back to the
// in-memory store otherwise. The returned func releases the store.
func openStore(url, prefix string, logger *slog.Logger) (storage.CorrelationStore, func(), error) {
	if url == "" {
		logger.Warn("No storage URL configured, using in-memory store; bindings are lost on restart")
		s := memory.New()
		s.SetLogger(logger)
		return s, s.Stop, nil
	}

	cfg, err := valkey.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	cfg.KeyPrefix = prefix
	cfg.Logger = logger

	s, err := valkey.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return s, s.Close, nil
}
