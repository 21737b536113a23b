package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/flagkit/internal/tracing"
)

const (
	DefaultBatchSize = 100
	DefaultInterval  = 2 * time.Minute
)

var (
	// ErrCircuitOpen is returned by Flush when the gate refuses the upload.
	ErrCircuitOpen = errors.New("telemetry: circuit breaker open")
	// ErrEncode marks a batch that could not be serialized locally.
	ErrEncode = errors.New("telemetry: encode batch")
)

// Sender delivers one serialized batch to the flag service.
type Sender interface {
	UploadLogs(ctx context.Context, payload []byte) error
}

// Gate decides whether an outbound call may proceed and learns its outcome.
type Gate interface {
	Allow() bool
	RecordSuccess()
	RecordFailure()
}

// UploaderOption configures an Uploader.
type UploaderOption func(*Uploader)

func WithBatchSize(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		if d > 0 {
			u.interval = d
		}
	}
}

func WithLogger(logger *slog.Logger) UploaderOption {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithSessionMetadata sets the function that builds each batch's
// session_metadata object.
func WithSessionMetadata(fn func() any) UploaderOption {
	return func(u *Uploader) {
		u.metadata = fn
	}
}

// WithUploadHook registers fn to observe every attempted upload.
func WithUploadHook(fn func(sent int, err error)) UploaderOption {
	return func(u *Uploader) {
		u.onUpload = fn
	}
}

// Uploader drains the queue on a fixed schedule and ships batches through
// the Sender. A failed batch is requeued, so delivery is at least once.
type Uploader struct {
	queue     *Queue
	sender    Sender
	gate      Gate
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	metadata  func() any
	onUpload  func(sent int, err error)

	flushMu    sync.Mutex
	mu         sync.Mutex
	lastUpload time.Time
}

func NewUploader(queue *Queue, sender Sender, gate Gate, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		queue:     queue,
		sender:    sender,
		gate:      gate,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run uploads one batch per interval until ctx is done.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

func (u *Uploader) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("telemetry upload panicked", "panic", r)
		}
	}()
	if err := u.Flush(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) && !errors.Is(err, ErrEncode) {
		u.logger.Warn("telemetry upload failed", "error", err, "queued", u.queue.Len())
	}
}

// Flush uploads at most one batch immediately. It returns nil when the queue
// is empty. Entries that cannot be encoded are dropped from the batch; when
// none of them can be, Flush returns an error wrapping ErrEncode and the gate
// is not consulted.
func (u *Uploader) Flush(ctx context.Context) error {
	u.flushMu.Lock()
	defer u.flushMu.Unlock()

	if u.queue.Len() == 0 {
		return nil
	}

	batch := u.queue.DrainBatch(u.batchSize)
	if len(batch) == 0 {
		return nil
	}
	kept, payload, err := u.encode(batch)
	if err != nil {
		u.observe(0, err)
		return err
	}

	if u.gate != nil && !u.gate.Allow() {
		u.queue.Requeue(kept)
		return ErrCircuitOpen
	}
	return u.upload(ctx, kept, payload)
}

// encode serializes batch entry by entry so one unencodable entry only
// costs itself. The returned entries are the ones present in payload.
func (u *Uploader) encode(batch []Entry) ([]Entry, []byte, error) {
	body := wireBatch{Logs: make([]json.RawMessage, 0, len(batch))}
	kept := batch[:0:0]
	for _, e := range batch {
		raw, err := json.Marshal(e)
		if err != nil {
			u.logger.Error("dropping unencodable access log",
				"flag_key", e.FlagKey, "request_id", e.RequestID, "error", err)
			continue
		}
		body.Logs = append(body.Logs, raw)
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return nil, nil, fmt.Errorf("%w: all %d entries dropped", ErrEncode, len(batch))
	}

	if u.metadata != nil {
		raw, err := json.Marshal(u.metadata())
		if err != nil {
			u.logger.Warn("omitting unencodable session metadata", "error", err)
		} else {
			body.SessionMetadata = raw
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		u.queue.Requeue(kept)
		return nil, nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return kept, payload, nil
}

// upload runs after the gate admitted the call, so every path reports an
// outcome to it.
func (u *Uploader) upload(ctx context.Context, batch []Entry, payload []byte) (err error) {
	ctx, span := tracing.Start(ctx, "flagkit.upload", attribute.Int("flagkit.entries", len(batch)))
	defer func() { tracing.End(span, err) }()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload %d entries: panic: %v", len(batch), r)
			if u.gate != nil {
				u.gate.RecordFailure()
			}
			u.queue.Requeue(batch)
			u.observe(0, err)
		}
	}()

	if err := u.sender.UploadLogs(ctx, payload); err != nil {
		if u.gate != nil {
			u.gate.RecordFailure()
		}
		u.queue.Requeue(batch)
		u.observe(0, err)
		return fmt.Errorf("upload %d entries: %w", len(batch), err)
	}

	if u.gate != nil {
		u.gate.RecordSuccess()
	}
	u.mu.Lock()
	u.lastUpload = time.Now().UTC()
	u.mu.Unlock()
	u.observe(len(batch), nil)
	u.logger.Debug("uploaded telemetry batch", "entries", len(batch))
	return nil
}

// FlushAll repeats Flush until the queue is empty or an upload fails.
func (u *Uploader) FlushAll(ctx context.Context) error {
	for u.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// LastUpload returns the time of the last successful upload.
func (u *Uploader) LastUpload() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastUpload
}

func (u *Uploader) observe(sent int, err error) {
	if u.onUpload != nil {
		u.onUpload(sent, err)
	}
}
