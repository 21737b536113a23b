// Package flagkit is an in-process feature flag client.
//
// A Client keeps a local cache of flag definitions that a background worker
// refreshes from the flag service, evaluates flags against that cache without
// any network I/O, and batches access logs that a second worker uploads on its
// own schedule. Both workers share one circuit breaker.
//
//	client, err := flagkit.New(ctx, flagkit.Config{
//		ClientID:     os.Getenv("FLAGKIT_CLIENT_ID"),
//		ClientSecret: os.Getenv("FLAGKIT_CLIENT_SECRET"),
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	enabled, err := client.GetBool("user-123", "new_checkout", false, nil)
package flagkit

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/flagkit/internal/breaker"
	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/filesource"
	"github.com/matt-riley/flagkit/internal/logging"
	"github.com/matt-riley/flagkit/internal/metrics"
	"github.com/matt-riley/flagkit/internal/ratelimit"
	"github.com/matt-riley/flagkit/internal/stats"
	"github.com/matt-riley/flagkit/internal/store"
	"github.com/matt-riley/flagkit/internal/syncer"
	"github.com/matt-riley/flagkit/internal/telemetry"
	"github.com/matt-riley/flagkit/internal/transport"
	"github.com/matt-riley/flagkit/internal/validation"
)

// Version is reported in request headers and access logs.
const Version = "1.0.0"

type (
	Flag      = core.Flag
	Segment   = core.Segment
	Rollout   = core.Rollout
	ValueType = core.ValueType
	Reason    = core.Reason
	// EvaluationDetails records how an evaluation reached its value.
	EvaluationDetails = core.Details
)

const (
	TypeBool   = core.TypeBool
	TypeInt    = core.TypeInt
	TypeFloat  = core.TypeFloat
	TypeJSON   = core.TypeJSON
	TypeString = core.TypeString
)

const (
	ReasonFlagInactive        = core.ReasonFlagInactive
	ReasonSegmentsRequired    = core.ReasonSegmentsRequired
	ReasonSegmentsNotMatched  = core.ReasonSegmentsNotMatched
	ReasonRolloutNotQualified = core.ReasonRolloutNotQualified
	ReasonRolloutQualified    = core.ReasonRolloutQualified
	ReasonFullRollout         = core.ReasonFullRollout
	ReasonInvalidValue        = core.ReasonInvalidValue
	ReasonFlagNotFound        = core.ReasonFlagNotFound
	ReasonRateLimited         = core.ReasonRateLimited
	ReasonEvaluationError     = core.ReasonEvaluationError
)

const (
	typeUnknown       ValueType = "unknown"
	maxLoggedIDLength           = 50
	unknownEnv                  = "Unknown"
)

// SnapshotStore persists the last good flag set per environment so a new
// process can evaluate flags before its first successful fetch.
type SnapshotStore interface {
	SaveFlags(ctx context.Context, environment string, flags []Flag) error
	LoadFlags(ctx context.Context, environment string) ([]Flag, error)
}

// Option configures optional Client dependencies.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
	snapshots  SnapshotStore
	bootstrap  []Flag
	metrics    *metrics.Metrics
}

// WithLogger sets the logger. The default writes JSON to stdout.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) {
		o.httpClient = hc
	}
}

// WithPersistentStore loads flags from s at startup and saves every
// successful sync back to it.
func WithPersistentStore(s SnapshotStore) Option {
	return func(o *options) {
		o.snapshots = s
	}
}

// WithBootstrapFlags seeds the cache before the first fetch. Invalid
// definitions are skipped.
func WithBootstrapFlags(flags ...Flag) Option {
	return func(o *options) {
		o.bootstrap = append(o.bootstrap, flags...)
	}
}

// WithMetrics records into m instead of a private registry, so an embedding
// server can expose its own collectors alongside the client's.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Evaluation is the outcome of one flag evaluation.
type Evaluation struct {
	Value       any
	Reason      Reason
	DefaultUsed bool
	FlagFound   bool
	FlagType    ValueType
	Details     EvaluationDetails
}

// Client evaluates flags from a local cache. It is safe for concurrent use.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string

	flags    *store.Store
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	stats    *stats.Recorder
	metrics  *metrics.Metrics
	queue    *telemetry.Queue

	sys       SystemInfo
	startedAt time.Time

	// nil in offline mode
	transport *transport.Client
	syncer    *syncer.Syncer
	// nil in offline mode or with telemetry disabled
	uploader *telemetry.Uploader

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a client, loads bootstrap flags, performs the first fetch and
// starts the background workers. A failed first fetch is logged and the
// client starts with whatever flags it has. Only configuration problems are
// returned, as *ConfigError.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	baseURL, err := validation.BaseURL(cfg.BaseURL)
	if err != nil {
		return nil, &ConfigError{Field: "base_url", Message: err.Error(), Err: err}
	}
	cfg.BaseURL = baseURL

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	base := o.logger
	if base == nil {
		level := "info"
		if cfg.Debug {
			level = "debug"
		}
		base = logging.New(level)
	}

	c := &Client{
		cfg:       cfg,
		logger:    base.With("component", "client"),
		sessionID: uuid.NewString(),
		flags:     store.New(),
		limiter:   ratelimit.New(ratelimit.WithLimit(cfg.RateLimit)),
		stats:     stats.New(stats.DefaultMaxUsers, stats.DefaultMaxFlags),
		metrics:   o.metrics,
		queue:     telemetry.NewQueue(cfg.QueueCapacity),
		sys:       collectSystemInfo(),
		startedAt: time.Now().UTC(),
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	c.breaker = breaker.New(breaker.WithStateChangeHook(c.breakerChanged))

	for _, warning := range cfg.Warnings() {
		c.logger.Warn("configuration warning", "warning", warning)
	}

	if err := c.bootstrap(o.bootstrap); err != nil {
		return nil, err
	}

	if cfg.Offline {
		c.loadSnapshotOffline(ctx, o.snapshots)
	} else {
		c.buildNetworkWorkers(base, o)
	}
	c.metrics.SetCacheSize(c.flags.Len())

	if c.syncer != nil {
		if n, err := c.syncer.WarmStart(ctx); err != nil {
			c.logger.Warn("loading flag snapshot failed", "error", err)
		} else if n > 0 {
			c.logger.Info("loaded flag snapshot", "flags", n)
		}
		if err := c.syncer.Initial(ctx); err != nil {
			c.logger.Warn("initial flag fetch failed; serving cached flags", "error", err, "flags", c.flags.Len())
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	if c.syncer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.syncer.Run(runCtx)
		}()
	}
	if c.uploader != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.uploader.Run(runCtx)
		}()
	}

	c.logger.Info("flagkit client started",
		"session_id", c.sessionID,
		"environment", cfg.Environment,
		"offline", cfg.Offline,
		"flags", c.flags.Len(),
	)
	return c, nil
}

// Get evaluates flagKey for userID. It returns def when the flag is missing,
// when the evaluation falls back to a default and def is non-nil, when the
// user is rate limited, or when evaluation fails unexpectedly. The error is
// non-nil only for a rejected user id or flag key, and is a *ValidationError.
func (c *Client) Get(userID, flagKey string, def any, segments map[string]any) (any, error) {
	ev, err := c.Evaluate(userID, flagKey, def, segments)
	return ev.Value, err
}

// Evaluate is Get with the full evaluation outcome.
func (c *Client) Evaluate(userID, flagKey string, def any, segments map[string]any) (Evaluation, error) {
	start := time.Now()
	uid, key, err := c.validate(userID, flagKey)
	if err != nil {
		return Evaluation{Value: def, DefaultUsed: true}, err
	}
	clean := validation.Segments(segments)

	if !c.limiter.Allow(uid) {
		c.stats.RecordRateLimited()
		c.metrics.IncRateLimited()
		c.logger.Warn("rate limit exceeded", "user_id", truncateID(uid), "flag", key)
		return Evaluation{Value: def, Reason: ReasonRateLimited, DefaultUsed: true}, nil
	}
	return c.evaluate(uid, key, def, clean, start), nil
}

// RefreshFlags fetches the flag set now and merges it into the cache. Errors
// are classified as *AuthError, *TimeoutError, *NetworkError or
// ErrCircuitOpen.
func (c *Client) RefreshFlags(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.syncer == nil {
		return ErrOffline
	}
	changes, err := c.syncer.SyncOnce(ctx)
	if err != nil {
		return classify(err)
	}
	c.logger.Debug("flags refreshed", "changes", len(changes), "flags", c.flags.Len())
	return nil
}

// FlushLogs uploads one batch of pending access logs now.
func (c *Client) FlushLogs(ctx context.Context) error {
	switch {
	case c.closed.Load():
		return ErrClosed
	case c.cfg.Offline:
		return ErrOffline
	case c.uploader == nil:
		return ErrTelemetryDisabled
	}
	return classify(c.uploader.Flush(ctx))
}

// Close stops the background workers, waiting at most ShutdownTimeout, then
// makes one final attempt to upload pending access logs. Flags can still be
// evaluated after Close; they are no longer refreshed. Close is idempotent
// and always returns nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(c.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("background workers did not stop in time", "timeout", c.cfg.ShutdownTimeout)
		}

		if c.uploader != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			defer cancel()
			if err := c.uploader.FlushAll(ctx); err != nil {
				c.logger.Warn("final telemetry flush failed", "error", err, "pending", c.queue.Len())
			}
		}
		if c.transport != nil {
			c.transport.CloseIdleConnections()
		}
		c.logger.Info("flagkit client closed", "session_id", c.sessionID)
	})
	return nil
}

// SessionID identifies this client instance in requests and access logs.
func (c *Client) SessionID() string {
	return c.sessionID
}

// MetricsHandler serves this client's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// -- helpers ---

func (c *Client) bootstrap(seed []Flag) error {
	flags := make([]Flag, 0, len(seed))
	for _, flag := range seed {
		if err := flag.Validate(); err != nil {
			c.logger.Warn("skipping invalid bootstrap flag", "error", err)
			continue
		}
		flags = append(flags, flag)
	}
	if c.cfg.BootstrapFile != "" {
		fromFile, err := filesource.Load(c.cfg.BootstrapFile)
		if err != nil {
			return &ConfigError{Field: "bootstrap_file", Message: err.Error(), Err: err}
		}
		flags = append(flags, fromFile...)
	}
	if len(flags) > 0 {
		c.flags.ReplaceAll(flags)
		c.logger.Info("loaded bootstrap flags", "flags", c.flags.Len())
	}
	return nil
}

func (c *Client) loadSnapshotOffline(ctx context.Context, snapshots SnapshotStore) {
	if snapshots == nil || c.flags.Len() > 0 {
		return
	}
	flags, err := snapshots.LoadFlags(ctx, c.cfg.Environment)
	if err != nil {
		c.logger.Warn("loading flag snapshot failed", "error", err)
		return
	}
	if len(flags) > 0 {
		c.flags.ReplaceAll(flags)
	}
}

func (c *Client) buildNetworkWorkers(base *slog.Logger, o options) {
	headers, rejected := validation.Headers(c.cfg.Headers)
	if rejected > 0 {
		c.stats.RecordMalicious()
		c.logger.Warn("dropped unsafe custom headers", "count", rejected)
	}

	c.transport = transport.New(transport.Config{
		BaseURL:           c.cfg.BaseURL,
		ClientID:          c.cfg.ClientID,
		ClientSecret:      c.cfg.ClientSecret,
		Environment:       c.cfg.Environment,
		SessionID:         c.sessionID,
		SDKVersion:        Version,
		Headers:           headers,
		Timeout:           c.cfg.Timeout,
		MaxRetries:        c.cfg.MaxRetries,
		Backoff:           c.cfg.RetryBackoff,
		RequestsPerSecond: c.cfg.RequestsPerSecond,
		HTTPClient:        o.httpClient,
		Logger:            base,
	})

	syncOpts := []syncer.Option{
		syncer.WithInterval(c.cfg.PollingInterval),
		syncer.WithLogger(base.With("component", "syncer")),
		syncer.WithSyncHook(c.observeSync),
	}
	if c.cfg.OnFlagChange != nil {
		syncOpts = append(syncOpts, syncer.WithChangeHandler(c.flagChanged))
	}
	if o.snapshots != nil {
		syncOpts = append(syncOpts, syncer.WithSnapshotter(o.snapshots, c.cfg.Environment))
	}
	c.syncer = syncer.New(c.flags, c.transport, c.breaker, syncOpts...)

	if c.cfg.DisableTelemetry {
		return
	}
	c.uploader = telemetry.NewUploader(c.queue, c.transport, c.breaker,
		telemetry.WithBatchSize(c.cfg.LogBatchSize),
		telemetry.WithInterval(c.cfg.LogUploadInterval),
		telemetry.WithLogger(base.With("component", "uploader")),
		telemetry.WithSessionMetadata(c.sessionMetadata),
		telemetry.WithUploadHook(c.observeUpload),
	)
}

func (c *Client) validate(userID, flagKey string) (string, string, error) {
	uid, suspicious, err := validation.UserID(userID)
	if err != nil {
		return "", "", c.rejectInput(err, userID)
	}
	if suspicious {
		c.stats.RecordSuspicious()
		c.logger.Warn("suspicious user id", "user_id", truncateID(uid))
	}
	key, err := validation.FlagKey(flagKey)
	if err != nil {
		return "", "", c.rejectInput(err, uid)
	}
	return uid, key, nil
}

func (c *Client) rejectInput(err error, userID string) error {
	verr := validationError(err)
	if verr.Malicious {
		c.stats.RecordMalicious()
	} else {
		c.stats.RecordInvalidInput()
	}
	c.metrics.IncValidationFailure(verr.Field)
	c.logger.Warn("rejected flag request",
		"field", verr.Field,
		"reason", verr.Reason,
		"malicious", verr.Malicious,
		"user_id", truncateID(userID),
	)
	return verr
}

// evaluate runs steps that must never fail the caller: lookup, evaluation
// and bookkeeping. A panic anywhere in them yields def.
func (c *Client) evaluate(userID, flagKey string, def any, segments map[string]any, start time.Time) (ev Evaluation) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("flag evaluation failed", "error", &EvaluationError{FlagKey: flagKey, Cause: r})
			ev = Evaluation{Value: def, Reason: ReasonEvaluationError, DefaultUsed: true}
		}
	}()

	flag, ok := c.flags.Get(flagKey)
	if !ok {
		ev = Evaluation{
			Value:       def,
			Reason:      ReasonFlagNotFound,
			DefaultUsed: true,
			FlagType:    typeUnknown,
			Details: EvaluationDetails{
				SegmentsEvaluated: []string{},
				SegmentsMatched:   []string{},
				DefaultUsed:       true,
				Reason:            ReasonFlagNotFound,
			},
		}
		c.record(userID, flagKey, segments, ev, start)
		return ev
	}

	res := core.Evaluate(flag, userID, segments)
	ev = Evaluation{
		Value:       res.Value,
		Reason:      res.Details.Reason,
		DefaultUsed: res.Details.DefaultUsed,
		FlagFound:   true,
		FlagType:    flag.Type,
		Details:     res.Details,
	}
	if ev.DefaultUsed && def != nil {
		ev.Value = def
	}
	c.record(userID, flagKey, segments, ev, start)
	return ev
}

func (c *Client) record(userID, flagKey string, segments map[string]any, ev Evaluation, start time.Time) {
	evalMS := durationMS(ev.Details.Duration)
	if c.uploader != nil {
		entry := telemetry.NewEntry(userID, flagKey, ev.Value, ev.FlagType, segments, telemetry.EvaluationContext{
			Details:          ev.Details,
			FlagFound:        ev.FlagFound,
			EvaluationTimeMS: evalMS,
			TotalSDKTimeMS:   durationMS(time.Since(start)),
			Provider:         telemetry.Provider,
		}, c.sessionID, Version)
		entry.Metadata = map[string]any{
			"environment": c.environmentName(),
			"provider":    telemetry.Provider,
		}
		if c.queue.Enqueue(entry) {
			c.logger.Debug("telemetry queue full; dropped oldest entry", "dropped", c.queue.Dropped())
		}
		c.metrics.SetQueue(c.queue.Len(), c.queue.Dropped())
	}

	rollout := ev.Reason == ReasonRolloutQualified || ev.Reason == ReasonRolloutNotQualified
	c.stats.RecordAccess(userID, flagKey, evalMS, len(ev.Details.SegmentsMatched) > 0, rollout)
	c.metrics.RecordEvaluation(string(ev.Reason), time.Since(start))
}

func (c *Client) observeSync(changes int, err error) {
	c.metrics.SetCacheSize(c.flags.Len())
	switch {
	case err == nil:
		c.stats.RecordAPISuccess()
		c.stats.SetLastSync(time.Now().UTC())
	case errors.Is(err, syncer.ErrCircuitOpen):
	default:
		c.stats.RecordAPIFailure(errorKind(err))
	}
	c.metrics.RecordSync(changes, err)
}

func (c *Client) observeUpload(_ int, err error) {
	c.metrics.RecordUpload(err)
	c.metrics.SetQueue(c.queue.Len(), c.queue.Dropped())
	if errors.Is(err, telemetry.ErrEncode) {
		return
	}
	if err != nil {
		c.stats.RecordAPIFailure(errorKind(err))
		return
	}
	c.stats.RecordAPISuccess()
	c.stats.SetLastUpload(time.Now().UTC())
}

func (c *Client) flagChanged(change store.ChangeEvent) {
	c.cfg.OnFlagChange(FlagChange{
		Name:     change.Name,
		OldValue: change.OldValue,
		NewValue: change.NewValue,
		Added:    change.Added,
	})
}

func (c *Client) breakerChanged(from, to breaker.State) {
	c.metrics.SetBreakerState(int(to))
	c.logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
}

func (c *Client) environmentInfo() map[string]any {
	if c.syncer == nil {
		return nil
	}
	return c.syncer.Environment()
}

func (c *Client) environmentName() string {
	if name, ok := c.environmentInfo()["name"].(string); ok && name != "" {
		return name
	}
	return unknownEnv
}

func truncateID(id string) string {
	runes := []rune(id)
	if len(runes) <= maxLoggedIDLength {
		return id
	}
	return string(runes[:maxLoggedIDLength])
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
