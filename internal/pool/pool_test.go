package pool

import (
	"context"
	"testing"
	"time"

	"github.com/mcpobridge/mcpobridge/internal/subprocess"
)

// fakeSpawn ignores the spec's command and always starts a real `cat`
// subprocess in the spec's directory, giving tests a long-lived child
// that echoes its input.
func fakeSpawn(spec subprocess.Spec) (*subprocess.Child, error) {
	return subprocess.Spawn(subprocess.Spec{
		Command: "cat",
		Dir:     spec.Dir,
		JobID:   spec.JobID,
	}, nil)
}

func TestPool_GetOrCreate_ReusesEntry(t *testing.T) {
	p := New(0, 0, fakeSpawn, nil)

	e1, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.2.3.4", time.Minute, 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	e2, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j2"}, "tag-a", "sess-1", "1.2.3.4", time.Minute, 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected the same pooled entry for the same (tag, session key)")
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}

	p.Shutdown(time.Second, time.Second)
}

func TestPool_DifferentSessionsGetDifferentEntries(t *testing.T) {
	p := New(0, 0, fakeSpawn, nil)

	e1, _ := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.1.1.1", time.Minute, 0)
	e2, _ := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j2"}, "tag-a", "sess-2", "2.2.2.2", time.Minute, 0)

	if e1 == e2 {
		t.Fatalf("distinct session keys must not share an entry")
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2", p.Len())
	}

	p.Shutdown(time.Second, time.Second)
}

func TestPool_CapacityExceeded(t *testing.T) {
	p := New(1, 0, fakeSpawn, nil)

	if _, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.1.1.1", time.Minute, 0); err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	if _, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j2"}, "tag-b", "sess-2", "2.2.2.2", time.Minute, 0); err != ErrCapacityExceeded {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}

	p.Shutdown(time.Second, time.Second)
}

func TestPool_PerTagMaxPerIPIsIndependentOfOtherTags(t *testing.T) {
	p := New(0, 0, fakeSpawn, nil)

	// tag-a and tag-b each cap at 1 per IP, counted per tag — a second
	// session for tag-a from the same IP must be rejected while tag-b's
	// first session from that IP is still admitted.
	if _, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "9.9.9.9", time.Minute, 1); err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	if _, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j2"}, "tag-a", "sess-2", "9.9.9.9", time.Minute, 1); err != ErrCapacityExceeded {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if _, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j3"}, "tag-b", "sess-3", "9.9.9.9", time.Minute, 1); err != nil {
		t.Fatalf("tag-b GetOrCreate should not be capped by tag-a's usage: %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (tag-a sess-1 and tag-b sess-3)", p.Len())
	}

	p.Shutdown(time.Second, time.Second)
}

func TestPool_ReapIdle(t *testing.T) {
	p := New(0, 0, fakeSpawn, nil)

	e, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.1.1.1", time.Millisecond, 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	_ = e

	time.Sleep(5 * time.Millisecond)
	p.ReapIdle(time.Second, time.Second)

	if p.Len() != 0 {
		t.Errorf("Len() = %d after reap, want 0", p.Len())
	}
}

func TestPool_GetOrCreate_EvictsUnhealthyEntry(t *testing.T) {
	var spawnCount int
	spawn := func(spec subprocess.Spec) (*subprocess.Child, error) {
		spawnCount++
		// Survives Spawn's startup-observation window, then exits on
		// its own shortly after, to exercise the unhealthy-eviction
		// path distinct from a startup failure.
		return subprocess.Spawn(subprocess.Spec{Command: "sh", Args: []string{"-c", "sleep 0.2"}, Dir: spec.Dir, JobID: spec.JobID}, nil)
	}
	p := New(0, 0, spawn, nil)

	e1, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.1.1.1", time.Minute, 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	e2, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j2"}, "tag-a", "sess-1", "1.1.1.1", time.Minute, 0)
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if e1 == e2 {
		t.Errorf("expected a fresh entry after the first child exited")
	}
	if spawnCount != 2 {
		t.Errorf("spawnCount = %d, want 2 (one replacement spawn)", spawnCount)
	}

	p.Shutdown(time.Second, time.Second)
}

func TestEntry_ExchangeCountsRequests(t *testing.T) {
	p := New(0, 0, fakeSpawn, nil)
	e, err := p.GetOrCreate(subprocess.Spec{Dir: t.TempDir(), JobID: "j1"}, "tag-a", "sess-1", "1.1.1.1", time.Minute, 0)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer p.Shutdown(time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// cat echoes back whatever line it is given, including a trailing
	// newline we wrote ourselves, so we write raw notification lines
	// (no "id") to avoid racing a real JSON-RPC response parser here.
	if _, err := e.Exchange(ctx, []byte(`{"jsonrpc":"2.0","method":"notify"}`)); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if got := e.RequestCount(); got != 1 {
		t.Errorf("RequestCount() = %d, want 1", got)
	}
}
