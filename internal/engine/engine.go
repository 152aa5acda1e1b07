// Package engine is the execution engine: it ties the config registry,
// job store, session pool and subprocess driver together to carry out
// one bridged JSON-RPC request, then hands the result to the response
// rewriter before it goes back to the HTTP caller.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mcpobridge/mcpobridge/internal/config"
	"github.com/mcpobridge/mcpobridge/internal/jobstore"
	"github.com/mcpobridge/mcpobridge/internal/pool"
	"github.com/mcpobridge/mcpobridge/internal/rewriter"
	"github.com/mcpobridge/mcpobridge/internal/subprocess"
)

const (
	terminateGrace     = 10 * time.Second
	terminateKillGrace = 5 * time.Second
)

// Engine executes bridged requests.
type Engine struct {
	settings config.Settings
	registry *config.Registry
	jobs     *jobstore.Store
	pool     *pool.Pool
	sem      *semaphore.Weighted
	log      *slog.Logger

	// spawn is overridable in tests.
	spawn func(subprocess.Spec) (*subprocess.Child, error)
}

// New builds an Engine. pooled is nil when stateful mode is disabled.
func New(settings config.Settings, registry *config.Registry, jobs *jobstore.Store, pooled *pool.Pool, log *slog.Logger) *Engine {
	return &Engine{
		settings: settings,
		registry: registry,
		jobs:     jobs,
		pool:     pooled,
		sem:      semaphore.NewWeighted(int64(settings.MaxConcurrent)),
		log:      log,
		spawn:    func(s subprocess.Spec) (*subprocess.Child, error) { return subprocess.Spawn(s, log) },
	}
}

// Result is what HandleRequest returns to the HTTP layer on success.
type Result struct {
	Response json.RawMessage
	JobID    string
}

// HandleRequest runs the full per-request lifecycle for serverTag.
func (e *Engine) HandleRequest(ctx context.Context, serverTag, sessionKey, clientIP string, requestBody json.RawMessage) (*Result, *Error) {
	spec, ok := e.registry.Lookup(serverTag)
	if !ok {
		return nil, errUnknownServerType(serverTag)
	}

	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(requestBody, &probe); err != nil {
		return nil, errBadRequest(err)
	}

	useSessionKey := ""
	if e.settings.StatefulEnabled && spec.IsPersistent() {
		useSessionKey = sessionKey
	}

	job, err := e.jobs.Create(serverTag, useSessionKey, clientIP)
	if err != nil {
		return nil, errInternal(err)
	}
	if e.log != nil {
		e.log.Info("request received", "server_tag", serverTag, "session_key", useSessionKey, "job_id", job.JobID, "client_ip", clientIP)
	}

	if err := e.jobs.SaveRequest(job, requestBody); err != nil {
		return nil, errInternal(err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.settings.Timeout)
	defer cancel()

	var (
		rawResp      []byte
		exitCode     int
		execErr      error
		actualJobID  = job.JobID
		actualJobDir = job.Dir
	)

	if useSessionKey != "" {
		rawResp, exitCode, execErr, actualJobID, actualJobDir = e.executePersistent(ctx, spec, useSessionKey, clientIP, job, requestBody)
	} else {
		rawResp, exitCode, execErr = e.executeEphemeral(ctx, spec, job, requestBody)
	}

	if execErr != nil {
		return e.fail(job, execErr)
	}
	if rawResp == nil {
		// notification: nothing to report back, but still a completed job.
		_ = e.jobs.UpdateStatus(job, jobstore.StatusCompleted, "")
		return &Result{Response: json.RawMessage(`{}`), JobID: job.JobID}, nil
	}

	rawResp = injectUsageGuide(serverTag, requestBody, rawResp, spec.UsageGuide)

	// A parse-error or no-response envelope we synthesized ourselves
	// (the child replied with garbage or nothing at all) still reports
	// HTTP 200, but the job only counts as completed if the child's
	// exit code was clean; any nonzero exit marks it failed.
	status := jobstore.StatusCompleted
	if isSynthesizedTransportError(rawResp) && exitCode != 0 {
		status = jobstore.StatusFailed
	}

	if err := e.jobs.SaveResponse(job, rawResp); err != nil {
		return nil, errInternal(err)
	}
	if err := e.jobs.UpdateStatus(job, status, ""); err != nil {
		return nil, errInternal(err)
	}

	rewritten, files, err := rewriter.ApplyToResponse(rawResp, e.jobs.Root(), actualJobID, e.settings.BaseURL, spec.FilePathFields)
	if err != nil {
		// A response that isn't a rewritable JSON object is still a
		// valid response; pass it through unmodified.
		rewritten = rawResp
	}
	if len(files) > 0 && e.log != nil {
		e.log.Debug("rewrote file references", "job_id", job.JobID, "effective_job_dir", actualJobDir, "count", len(files))
	}

	return &Result{Response: rewritten, JobID: job.JobID}, nil
}

func (e *Engine) fail(job *jobstore.Job, cause error) (*Result, *Error) {
	var eerr *Error
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		eerr = errTimeout(cause)
	case errors.Is(cause, pool.ErrCapacityExceeded):
		eerr = errCapacity(cause)
	default:
		eerr = errInternal(cause)
	}
	_ = e.jobs.UpdateStatus(job, jobstore.StatusFailed, eerr.Message)
	if e.log != nil {
		e.log.Error("request failed", "job_id", job.JobID, "error", cause)
	}
	return nil, eerr
}

// executeEphemeral spawns a one-shot child under the global admission
// semaphore, matching I5: admission control applies only to this path.
// It returns the child's exit code alongside the response so the
// caller can tell a clean reply from one produced by a child that was
// already dying when it answered.
func (e *Engine) executeEphemeral(ctx context.Context, spec config.ServerSpec, job *jobstore.Job, request json.RawMessage) ([]byte, int, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer e.sem.Release(1)

	child, err := e.spawn(subprocess.Spec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Dir:     job.Dir,
		JobID:   job.JobID,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("spawn tool program: %w", err)
	}
	defer child.Terminate(terminateGrace, terminateKillGrace)

	resp, err := child.Exchange(ctx, request)
	return resp, child.ExitCode(), err
}

// executePersistent dispatches against the session pool, never touching
// the admission semaphore (I5) and never holding the pool lock across
// the exchange (design note on lock scope). Any exchange-level error
// evicts the entry: a child that just failed mid-conversation can't be
// trusted to keep serving this session's later requests.
func (e *Engine) executePersistent(ctx context.Context, spec config.ServerSpec, sessionKey, clientIP string, job *jobstore.Job, request json.RawMessage) (resp []byte, exitCode int, err error, actualJobID, actualJobDir string) {
	entry, perr := e.pool.GetOrCreate(subprocess.Spec{
		Command: spec.Command,
		Args:    spec.Args,
		Env:     spec.Env,
		Dir:     job.Dir,
		JobID:   job.JobID,
	}, spec.Tag, sessionKey, clientIP, spec.IdleTimeout, spec.MaxProcessesPerIP)
	if perr != nil {
		return nil, 0, perr, job.JobID, job.Dir
	}

	resp, err = entry.Exchange(ctx, request)
	if err != nil {
		e.pool.Evict(entry)
	}
	return resp, entry.Child.ExitCode(), err, entry.JobID, entry.JobDir
}

// isSynthesizedTransportError reports whether resp is a JSON-RPC error
// envelope carrying one of the codes the subprocess driver synthesizes
// for a child response that couldn't be parsed or never arrived.
func isSynthesizedTransportError(resp []byte) bool {
	var envelope struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil || envelope.Error == nil {
		return false
	}
	return envelope.Error.Code == -32700 || envelope.Error.Code == -32603
}

// usageInstructionsToolName is the fixed marker name for the synthetic
// tool entry the engine splices into a tools/list response.
const usageInstructionsToolName = "📖_usage_instructions"

// injectUsageGuide splices a synthetic first tool entry carrying a
// server's configured usage guide into a tools/list response. This is
// the corrected call signature: it takes the request alongside the
// response so it can key off the JSON-RPC method instead of guessing
// from response shape alone (an earlier revision called this helper
// with the wrong arity and keyed off response shape, which misfired on
// any result object that merely happened to contain a "tools" array).
func injectUsageGuide(serverTag string, request, response []byte, guide string) []byte {
	if guide == "" {
		return response
	}
	var req struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(request, &req); err != nil || req.Method != "tools/list" {
		return response
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(response, &envelope); err != nil {
		return response
	}
	result, ok := envelope["result"].(map[string]interface{})
	if !ok {
		return response
	}
	tools, _ := result["tools"].([]interface{})

	guideTool := map[string]interface{}{
		"name":        usageInstructionsToolName,
		"description": guide,
		"inputSchema": map[string]interface{}{"type": "object"},
	}
	result["tools"] = append([]interface{}{guideTool}, tools...)

	out, err := json.Marshal(envelope)
	if err != nil {
		return response
	}
	return out
}

// EnsureJobsDirExists is a thin startup helper kept here so the
// lifecycle supervisor doesn't need to know jobstore internals beyond
// its constructor.
func EnsureJobsDirExists(path string) error {
	return os.MkdirAll(filepath.Clean(path), 0o700)
}
