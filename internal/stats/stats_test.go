package stats

import (
	"fmt"
	"testing"
)

func TestRecordAccessTiming(t *testing.T) {
	r := New(0, 0)
	if got := r.Snapshot().EvaluationTimes; got.MinMS != 0 || got.AvgMS != 0 {
		t.Fatalf("empty timing = %+v, want zeros", got)
	}

	r.RecordAccess("u1", "f1", 2, true, true)
	r.RecordAccess("u1", "f2", 4, false, true)
	r.RecordAccess("u2", "f1", 0, false, false)

	snap := r.Snapshot()
	if snap.TotalUserAccesses != 3 || snap.UniqueUsers != 2 || snap.UniqueFlags != 2 {
		t.Fatalf("counts = %+v", snap)
	}
	if snap.SegmentMatches != 1 || snap.RolloutEvaluations != 2 {
		t.Fatalf("segment/rollout counts = %d/%d, want 1/2", snap.SegmentMatches, snap.RolloutEvaluations)
	}
	timing := snap.EvaluationTimes
	if timing.Count != 2 || timing.MinMS != 2 || timing.MaxMS != 4 || timing.AvgMS != 3 {
		t.Fatalf("timing = %+v", timing)
	}
}

func TestUniqueUsersAreBounded(t *testing.T) {
	r := New(100, 10)
	for i := 0; i < 1000; i++ {
		r.RecordAccess(fmt.Sprintf("user-%d", i), fmt.Sprintf("flag-%d", i%50), 1, false, false)
	}

	snap := r.Snapshot()
	if snap.UniqueUsers > 100 || snap.UniqueFlags > 10 {
		t.Fatalf("tracked %d users and %d flags, want at most 100 and 10", snap.UniqueUsers, snap.UniqueFlags)
	}

	r.mu.Lock()
	_, newest := r.users["user-999"]
	_, oldest := r.users["user-0"]
	r.mu.Unlock()
	if !newest || oldest {
		t.Fatalf("eviction kept oldest=%v newest=%v, want false/true", oldest, newest)
	}
}

func TestRecordAPIFailureByKind(t *testing.T) {
	r := New(0, 0)
	r.RecordAPISuccess()
	r.RecordAPIFailure(KindNetwork)
	r.RecordAPIFailure(KindAuth)
	r.RecordAPIFailure(ErrorKind(99))

	snap := r.Snapshot()
	want := APICalls{Successful: 1, Failed: 3, Total: 4}
	if snap.APICalls != want {
		t.Fatalf("APICalls = %+v, want %+v", snap.APICalls, want)
	}
	if snap.Errors != (Errors{Network: 1, Auth: 1, Other: 1}) {
		t.Fatalf("Errors = %+v", snap.Errors)
	}
}

func TestSecurityCounters(t *testing.T) {
	r := New(0, 0)
	r.RecordMalicious()
	r.RecordSuspicious()
	r.RecordSuspicious()
	r.RecordInvalidInput()
	r.RecordRateLimited()

	want := Security{BlockedMalicious: 1, Suspicious: 2, InvalidInput: 1, RateLimitedRequest: 1}
	if got := r.Security(); got != want {
		t.Fatalf("Security() = %+v, want %+v", got, want)
	}
}
