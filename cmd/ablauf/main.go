// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command ablauf is a minimal demo CLI over pkg/ablauf: start instances
// of a couple of example workflow definitions, inspect their status,
// and deliver events — enough to drive the engine end to end without
// embedding it in a larger service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/ablauf/internal/config"
	"github.com/tombee/ablauf/internal/log"
	"github.com/tombee/ablauf/internal/tracing"
	"github.com/tombee/ablauf/pkg/ablauf"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ablauf",
		Short:         "ablauf is a durable workflow engine demo CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: built-in defaults)")

	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newEventCommand())
	cmd.AddCommand(newPauseCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newTerminateCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("ablauf %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func openEngine(ctx context.Context) (*ablauf.Engine, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logCfg := log.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = log.Format(cfg.Log.Format)
	logger := log.WithComponent(log.New(logCfg), "ablauf")

	registry := demoRegistry()
	engine := ablauf.New(ablauf.Config{
		DataDir:    cfg.Engine.DataDir,
		ShardCount: cfg.Engine.ShardCount,
		Logger:     logger,
		Tracing:    tracing.DefaultConfig(),
	})
	for _, def := range registry {
		if err := def(engine); err != nil {
			return nil, nil, fmt.Errorf("register demo workflows: %w", err)
		}
	}
	return engine, logger, nil
}

func newStartCommand() *cobra.Command {
	var typ, id, payload string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, logger, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Shutdown(ctx) }()

			var decoded any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}
			h, err := engine.Start(ctx, typ, id, decoded)
			if err != nil {
				return err
			}
			logger.Info("workflow started", log.String("workflow_type", typ), log.String(log.InstanceIDKey, id))
			return printStatus(h, ctx)
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "registered workflow type")
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newStatusCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a workflow instance's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Shutdown(ctx) }()

			h, err := engine.Handle(ctx, id)
			if err != nil {
				return err
			}
			return printStatus(h, ctx)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newEventCommand() *cobra.Command {
	var id, event, payload string
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Deliver an event to a workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Shutdown(ctx) }()

			var decoded any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}
			h, err := engine.Handle(ctx, id)
			if err != nil {
				return err
			}
			if err := h.DeliverEvent(ctx, event, decoded); err != nil {
				return err
			}
			return printStatus(h, ctx)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	cmd.Flags().StringVar(&event, "event", "", "event name")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newPauseCommand() *cobra.Command  { return instanceOnlyCommand("pause", "Pause a workflow instance", (*ablauf.Handle).Pause) }
func newResumeCommand() *cobra.Command { return instanceOnlyCommand("resume", "Resume a paused workflow instance", (*ablauf.Handle).Resume) }
func newTerminateCommand() *cobra.Command {
	return instanceOnlyCommand("terminate", "Terminate a workflow instance", (*ablauf.Handle).Terminate)
}

func instanceOnlyCommand(use, short string, action func(*ablauf.Handle, context.Context) error) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, _, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = engine.Shutdown(ctx) }()

			h, err := engine.Handle(ctx, id)
			if err != nil {
				return err
			}
			if err := action(h, ctx); err != nil {
				return err
			}
			return printStatus(h, ctx)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "instance id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func printStatus(h *ablauf.Handle, ctx context.Context) error {
	status, err := h.Status(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
