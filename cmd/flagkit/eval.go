package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	flagkit "github.com/matt-riley/flagkit/clients/go"
	"github.com/matt-riley/flagkit/internal/config"
	"github.com/matt-riley/flagkit/internal/logging"
)

type evalOutput struct {
	UserID      string            `json:"user_id" yaml:"user_id"`
	FlagKey     string            `json:"flag_key" yaml:"flag_key"`
	Value       any               `json:"value" yaml:"value"`
	Reason      flagkit.Reason    `json:"reason" yaml:"reason"`
	DefaultUsed bool              `json:"default_used" yaml:"default_used"`
	FlagFound   bool              `json:"flag_found" yaml:"flag_found"`
	FlagType    flagkit.ValueType `json:"flag_type,omitempty" yaml:"flag_type,omitempty"`
}

func newEvalCmd(envFile *string) *cobra.Command {
	var (
		def      string
		segments []string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "eval <user-id> <flag-key>",
		Short: "Evaluate one flag for one user",
		Long: `Fetch flags once and evaluate a single flag.

Segment values are read as YAML scalars, so plan=premium is a string,
age=42 an integer and beta=true a boolean.

Examples:
  flagkit eval user-42 new_checkout
  flagkit eval user-42 max_items --default 10 --segment plan=premium`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			segs, err := parseSegments(segments)
			if err != nil {
				return err
			}
			var defVal any
			if cmd.Flags().Changed("default") {
				defVal = parseScalar(def)
			}

			s, err := loadSettings(*envFile)
			if err != nil {
				return err
			}
			client, err := newOneShotClient(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer client.Close()

			ev, err := client.Evaluate(args[0], args[1], defVal, segs)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), OutputFormat(format), evalOutput{
				UserID:      args[0],
				FlagKey:     args[1],
				Value:       ev.Value,
				Reason:      ev.Reason,
				DefaultUsed: ev.DefaultUsed,
				FlagFound:   ev.FlagFound,
				FlagType:    ev.FlagType,
			})
		},
	}
	cmd.Flags().StringVar(&def, "default", "", "value returned when the flag is missing or not served")
	cmd.Flags().StringArrayVar(&segments, "segment", nil, "user segment as key=value (repeatable)")
	cmd.Flags().StringVar(&format, "format", string(FormatJSON), "output format (json, yaml)")
	return cmd
}

func newFlagsCmd(envFile *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List the flags served to this environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(*envFile)
			if err != nil {
				return err
			}
			client, err := newOneShotClient(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer client.Close()

			return printFlags(cmd.OutOrStdout(), OutputFormat(format), client.AllFlags())
		},
	}
	cmd.Flags().StringVar(&format, "format", string(FormatTable), "output format (table, json, yaml)")
	return cmd
}

// newOneShotClient builds a client that logs to stderr and never uploads
// analytics, for commands that exit right after one read.
func newOneShotClient(ctx context.Context, s config.Settings) (*flagkit.Client, error) {
	cfg := flagkit.ConfigFromSettings(s)
	cfg.DisableTelemetry = true

	level := s.LogLevel
	if !s.Debug && logging.ParseLevel(level) < logging.ParseLevel("warn") {
		level = "warn"
	}
	client, err := flagkit.New(ctx, cfg, flagkit.WithLogger(logging.NewWithWriter(level, os.Stderr)))
	if err != nil {
		return nil, fmt.Errorf("init client: %w", err)
	}
	return client, nil
}

func parseSegments(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	segments := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("segment %q must be key=value", pair)
		}
		segments[key] = parseScalar(raw)
	}
	return segments, nil
}

// parseScalar reads raw as a YAML value. Anything that is not a plain
// scalar, list or mapping is kept as the raw text.
func parseScalar(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case string, bool, int, float64, map[string]any, []any:
		return v
	default:
		return raw
	}
}
