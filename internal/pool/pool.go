// Package pool manages session-pinned (persistent) tool-program
// children: one child per (server tag, session key) pair, reused across
// requests from the same session until it goes idle or the pool is torn
// down.
//
// Locking discipline (see design note on pool lock scope): the pool's
// own mutex guards only the map of entries — lookup, insertion,
// removal. It is never held while a request is being exchanged with a
// child. Each entry carries its own mutex, acquired for the duration of
// one exchange, so concurrent requests against different sessions never
// block each other on the pool lock, and concurrent requests against
// the same session are serialized by that session's own child.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpobridge/mcpobridge/internal/subprocess"
)

// ErrCapacityExceeded is returned when creating a new pooled child would
// exceed the per-(server tag, client IP) cap or the global process cap.
var ErrCapacityExceeded = errors.New("pool: process capacity exceeded")

// Entry is one pooled child, keyed by (server tag, session key).
type Entry struct {
	ServerTag  string
	SessionKey string
	ClientIP   string
	Child      *subprocess.Child

	mu           sync.Mutex // request lock: held for one exchange
	createdAt    time.Time
	lastAccess   time.Time
	requestCount int64
	idleTimeout  time.Duration

	// JobDir is the directory the child was spawned in
	// (effective_job_dir) — stateful responses resolve downloadable
	// file paths against this directory, not the per-request job's own.
	JobDir string
	JobID  string
}

// RequestCount returns the number of exchanges this entry has served.
func (e *Entry) RequestCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requestCount
}

// SpawnFunc creates a new child process for a pool entry.
type SpawnFunc func(spec subprocess.Spec) (*subprocess.Child, error)

// Pool manages persistent tool-program children.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*Entry

	maxTotal int
	maxPerIP int // default per-tag, per-client-IP cap, used when a server spec doesn't set its own
	spawn    SpawnFunc
	log      *slog.Logger
}

// New returns an empty Pool. maxPerIP is the process-wide default cap on
// concurrent pooled children sharing one (server tag, client IP) pair;
// GetOrCreate callers normally override it per call with the server
// spec's own configured cap.
func New(maxTotal, maxPerIP int, spawn SpawnFunc, log *slog.Logger) *Pool {
	return &Pool{
		entries:  make(map[string]*Entry),
		maxTotal: maxTotal,
		maxPerIP: maxPerIP,
		spawn:    spawn,
		log:      log,
	}
}

func key(serverTag, sessionKey string) string {
	return serverTag + "\x00" + sessionKey
}

// GetOrCreate returns the existing entry for (serverTag, sessionKey), or
// spawns and registers a new one. Capacity checks and the map mutation
// happen under the pool lock; the expensive part (subprocess.Spawn) also
// runs under the lock for a new entry. That blocks other pool operations
// (GetOrCreate, Evict, ReapIdle, Len) for the spawn's duration, but not
// an exchange already running against some other session, since
// exchanges take only their entry's own lock — the case the corrected
// locking discipline protects.
//
// maxPerIP is the server spec's own configured cap on concurrent pooled
// children for this tag sharing clientIP (mcp-servers.json's
// max_processes_per_ip); a value <= 0 falls back to the pool-wide
// default passed to New. This lets two tags in the same registry run
// with independent per-IP caps instead of sharing one pool-wide value.
func (p *Pool) GetOrCreate(spec subprocess.Spec, serverTag, sessionKey, clientIP string, idleTimeout time.Duration, maxPerIP int) (*Entry, error) {
	k := key(serverTag, sessionKey)

	p.mu.Lock()
	if e, ok := p.entries[k]; ok {
		if e.Child.Healthy() {
			p.mu.Unlock()
			return e, nil
		}
		// Unhealthy: evict under the pool lock (cheap bookkeeping),
		// terminate outside it (§4.4 health/remove contract, I3).
		delete(p.entries, k)
		p.mu.Unlock()
		if p.log != nil {
			p.log.Warn("evicting unhealthy pooled child", "server_tag", serverTag, "session_key", sessionKey, "pid", e.Child.Pid())
		}
		e.Child.Terminate(5*time.Second, 5*time.Second)
		p.mu.Lock()
	}

	if p.maxTotal > 0 && len(p.entries) >= p.maxTotal {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	effectiveMaxPerIP := maxPerIP
	if effectiveMaxPerIP <= 0 {
		effectiveMaxPerIP = p.maxPerIP
	}
	if effectiveMaxPerIP > 0 && p.countByTagAndIPLocked(serverTag, clientIP) >= effectiveMaxPerIP {
		p.mu.Unlock()
		return nil, ErrCapacityExceeded
	}

	child, err := p.spawn(spec)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("spawn pooled child: %w", err)
	}

	e := &Entry{
		ServerTag:   serverTag,
		SessionKey:  sessionKey,
		ClientIP:    clientIP,
		Child:       child,
		createdAt:   time.Now(),
		lastAccess:  time.Now(),
		idleTimeout: idleTimeout,
		JobDir:      spec.Dir,
		JobID:       spec.JobID,
	}
	p.entries[k] = e
	p.mu.Unlock()

	if p.log != nil {
		p.log.Info("pooled child created", "server_tag", serverTag, "session_key", sessionKey, "pid", child.Pid())
	}
	return e, nil
}

// countByTagAndIPLocked counts pooled children for serverTag sharing
// clientIP, across every distinct session key — the quantity
// max_processes_per_ip caps, since a single client IP can carry several
// session keys (e.g. forwarded-user-info mode) each pinned to its own
// child.
func (p *Pool) countByTagAndIPLocked(serverTag, clientIP string) int {
	n := 0
	for _, e := range p.entries {
		if e.ServerTag == serverTag && e.ClientIP == clientIP {
			n++
		}
	}
	return n
}

// Exchange runs one request against the entry's child, serialized by
// the entry's own lock. No pool-wide lock is held here.
func (e *Entry) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	resp, err := e.Child.Exchange(ctx, request)
	e.lastAccess = time.Now()
	e.requestCount++
	return resp, err
}

// Evict removes entry from the pool, if it's still the entry registered
// under its key, and terminates its child. Called after an
// exchange-level failure: a child that just errored out mid-conversation
// can't be trusted to keep serving that session's later requests.
func (p *Pool) Evict(e *Entry) {
	k := key(e.ServerTag, e.SessionKey)
	p.mu.Lock()
	if p.entries[k] == e {
		delete(p.entries, k)
	}
	p.mu.Unlock()

	if p.log != nil {
		p.log.Warn("evicting pooled child after exchange error", "server_tag", e.ServerTag, "session_key", e.SessionKey, "pid", e.Child.Pid())
	}
	e.Child.Terminate(5*time.Second, 5*time.Second)
}

// IdleSince reports how long the entry has been idle.
func (e *Entry) IdleSince(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastAccess)
}

// ReapIdle terminates and removes every entry that has been idle longer
// than its configured timeout. It snapshots the map under the pool lock,
// then checks and removes each candidate without holding that lock
// across the (potentially slow) subprocess termination.
func (p *Pool) ReapIdle(gracePeriod, killGrace time.Duration) {
	now := time.Now()

	p.mu.Lock()
	snapshot := make([]struct {
		key string
		e   *Entry
	}, 0, len(p.entries))
	for k, e := range p.entries {
		snapshot = append(snapshot, struct {
			key string
			e   *Entry
		}{k, e})
	}
	p.mu.Unlock()

	for _, s := range snapshot {
		if s.e.IdleSince(now) < s.e.idleTimeout {
			continue
		}

		p.mu.Lock()
		if p.entries[s.key] == s.e {
			delete(p.entries, s.key)
		} else {
			p.mu.Unlock()
			continue // already replaced/removed by another reap/shutdown
		}
		p.mu.Unlock()

		if p.log != nil {
			p.log.Info("pooled child idle timeout", "server_tag", s.e.ServerTag, "session_key", s.e.SessionKey)
		}
		s.e.Child.Terminate(gracePeriod, killGrace)
	}
}

// Shutdown terminates every pooled child.
func (p *Pool) Shutdown(gracePeriod, killGrace time.Duration) {
	p.mu.Lock()
	all := make([]*Entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}
	p.entries = make(map[string]*Entry)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range all {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			e.Child.Terminate(gracePeriod, killGrace)
		}(e)
	}
	wg.Wait()
}

// Len returns the number of pooled children, for health reporting.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
