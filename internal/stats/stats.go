// Package stats keeps the running usage counters reported by the client.
package stats

import (
	"math"
	"slices"
	"sync"
	"time"
)

const (
	DefaultMaxUsers = 10000
	DefaultMaxFlags = 1000
)

// ErrorKind classifies a failed upstream call.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindConfig
	KindOther
)

type Timing struct {
	TotalMS float64 `json:"total_ms"`
	Count   int64   `json:"count"`
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type APICalls struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

type Errors struct {
	Network int64 `json:"network_errors"`
	Auth    int64 `json:"auth_errors"`
	Config  int64 `json:"config_errors"`
	Other   int64 `json:"other_errors"`
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	TotalUserAccesses  int64     `json:"total_user_accesses"`
	UniqueUsers        int       `json:"unique_users_count"`
	UniqueFlags        int       `json:"unique_flags_count"`
	SegmentMatches     int64     `json:"segment_matches"`
	RolloutEvaluations int64     `json:"rollout_evaluations"`
	EvaluationTimes    Timing    `json:"evaluation_times"`
	APICalls           APICalls  `json:"api_calls"`
	Errors             Errors    `json:"errors"`
	LastSync           time.Time `json:"last_sync,omitzero"`
	LastLogUpload      time.Time `json:"last_log_upload,omitzero"`
}

// Security counts rejected or unusual input.
type Security struct {
	BlockedMalicious   int64 `json:"blocked_malicious_requests"`
	Suspicious         int64 `json:"suspicious_activity_detected"`
	InvalidInput       int64 `json:"invalid_input_attempts"`
	RateLimitedRequest int64 `json:"rate_limited_requests"`
}

// Recorder is safe for concurrent use. Distinct users and flags are tracked
// up to a cap; past it the least recently seen identities are evicted.
type Recorder struct {
	mu sync.Mutex

	maxUsers int
	maxFlags int
	seq      uint64
	users    map[string]uint64
	flags    map[string]uint64

	snap     Snapshot
	security Security
}

func New(maxUsers, maxFlags int) *Recorder {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	if maxFlags <= 0 {
		maxFlags = DefaultMaxFlags
	}
	return &Recorder{
		maxUsers: maxUsers,
		maxFlags: maxFlags,
		users:    make(map[string]uint64),
		flags:    make(map[string]uint64),
		snap:     Snapshot{EvaluationTimes: Timing{MinMS: math.Inf(1)}},
	}
}

// RecordAccess counts one evaluation.
func (r *Recorder) RecordAccess(userID, flagKey string, evaluationMS float64, segmentMatched, rolloutEvaluated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.snap.TotalUserAccesses++
	r.users[userID] = r.seq
	r.flags[flagKey] = r.seq
	trimOldest(r.users, r.maxUsers)
	trimOldest(r.flags, r.maxFlags)

	if evaluationMS > 0 {
		t := &r.snap.EvaluationTimes
		t.TotalMS += evaluationMS
		t.Count++
		t.MinMS = min(t.MinMS, evaluationMS)
		t.MaxMS = max(t.MaxMS, evaluationMS)
		t.AvgMS = t.TotalMS / float64(t.Count)
	}
	if segmentMatched {
		r.snap.SegmentMatches++
	}
	if rolloutEvaluated {
		r.snap.RolloutEvaluations++
	}
}

// RecordAPISuccess counts a successful upstream call.
func (r *Recorder) RecordAPISuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.APICalls.Successful++
	r.snap.APICalls.Total++
}

// RecordAPIFailure counts a failed upstream call under kind.
func (r *Recorder) RecordAPIFailure(kind ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.APICalls.Failed++
	r.snap.APICalls.Total++
	switch kind {
	case KindNetwork:
		r.snap.Errors.Network++
	case KindAuth:
		r.snap.Errors.Auth++
	case KindConfig:
		r.snap.Errors.Config++
	default:
		r.snap.Errors.Other++
	}
}

func (r *Recorder) SetLastSync(t time.Time) {
	r.mu.Lock()
	r.snap.LastSync = t
	r.mu.Unlock()
}

func (r *Recorder) SetLastUpload(t time.Time) {
	r.mu.Lock()
	r.snap.LastLogUpload = t
	r.mu.Unlock()
}

func (r *Recorder) RecordMalicious() {
	r.mu.Lock()
	r.security.BlockedMalicious++
	r.mu.Unlock()
}

func (r *Recorder) RecordSuspicious() {
	r.mu.Lock()
	r.security.Suspicious++
	r.mu.Unlock()
}

func (r *Recorder) RecordInvalidInput() {
	r.mu.Lock()
	r.security.InvalidInput++
	r.mu.Unlock()
}

func (r *Recorder) RecordRateLimited() {
	r.mu.Lock()
	r.security.RateLimitedRequest++
	r.mu.Unlock()
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.snap
	out.UniqueUsers = len(r.users)
	out.UniqueFlags = len(r.flags)
	if out.EvaluationTimes.Count == 0 {
		out.EvaluationTimes.MinMS = 0
		out.EvaluationTimes.AvgMS = 0
	}
	return out
}

func (r *Recorder) Security() Security {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.security
}

// trimOldest evicts the least recently seen tenth of seen once it exceeds
// limit, so the sort runs once per batch of new identities.
func trimOldest(seen map[string]uint64, limit int) {
	if len(seen) <= limit {
		return
	}
	keep := limit - limit/10
	order := make([]uint64, 0, len(seen))
	for _, seq := range seen {
		order = append(order, seq)
	}
	slices.Sort(order)
	cutoff := order[len(order)-keep]
	for key, seq := range seen {
		if seq < cutoff {
			delete(seen, key)
		}
	}
}
