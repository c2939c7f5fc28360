// Package tools provides the builtin tool set registered with the agent
// runtime: a zone-aware clock plus workspace-scoped file access. Read-only
// tools run automatically; write_file requires a confirmation decision.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parleyhq/parley/internal/agent"
)

// Config controls which builtin tools are registered and how the
// filesystem tools are scoped.
type Config struct {
	// Workspace roots the filesystem tools. When empty, no file tools are
	// registered.
	Workspace string

	// MaxReadBytes caps a single read_file result. Zero means the default
	// of 200000 bytes.
	MaxReadBytes int

	// Disabled lists builtin tool names to skip during registration.
	Disabled []string
}

// Register installs the builtin tools into the registry. File tools are
// only installed when a workspace is configured.
func Register(registry *agent.Registry, cfg Config, logger *slog.Logger) error {
	if registry == nil {
		return errors.New("registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[strings.TrimSpace(name)] = true
	}

	defs := []agent.Definition{currentTimeTool()}
	if strings.TrimSpace(cfg.Workspace) != "" {
		defs = append(defs, readFileTool(cfg), listDirTool(cfg), writeFileTool(cfg))
	}

	registered := make([]string, 0, len(defs))
	for _, def := range defs {
		if disabled[def.Name] {
			continue
		}
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
		registered = append(registered, def.Name)
	}

	logger.Info("builtin tools registered", "tools", registered, "workspace", cfg.Workspace)
	return nil
}

// marshalSchema encodes a hand-built schema map, falling back to a
// permissive object schema if encoding fails.
func marshalSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
