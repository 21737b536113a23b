package server

import (
	"context"

	flagkit "github.com/matt-riley/flagkit/clients/go"
)

// Client is the part of the flagkit client the sidecar serves.
type Client interface {
	Evaluate(userID, flagKey string, def any, segments map[string]any) (flagkit.Evaluation, error)
	AllFlags() []flagkit.FlagSummary
	RefreshFlags(ctx context.Context) error
	HealthCheck() flagkit.Health
}

var _ Client = (*flagkit.Client)(nil)
