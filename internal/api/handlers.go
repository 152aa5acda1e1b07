package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcpobridge/mcpobridge/internal/engine"
	"github.com/mcpobridge/mcpobridge/internal/openapi"
	"github.com/mcpobridge/mcpobridge/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statefulCount := 0
	if s.pooled != nil {
		statefulCount = s.pooled.Len()
	}

	status := "ok"
	if s.settings.StatefulMaxTotalProcesses > 0 {
		threshold := int(float64(s.settings.StatefulMaxTotalProcesses) * 0.9)
		if statefulCount >= threshold {
			status = "degraded"
		}
	}

	body := map[string]interface{}{
		"status":             status,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"version":            version.Version(),
		"uptime_seconds":     int(time.Since(s.started).Seconds()),
		"stateful_processes": statefulCount,
	}

	if s.index != nil {
		if counts, err := s.index.StatusCounts(); err != nil {
			if s.log != nil {
				s.log.Warn("health: job index status counts failed", "error", err)
			}
		} else {
			body["jobs_by_status"] = counts
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRawRPC(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if rewritten, ok := rewriteLegacyToolCall(body); ok {
		body = rewritten
	}

	s.dispatch(w, r, tag, body)
}

// rewriteLegacyToolCall recognizes the legacy tool-call form, a plain
// arguments object carrying "_tool_name", and wraps it into a
// tools/call envelope. It returns ok=false when body isn't that form,
// leaving raw JSON-RPC passthrough untouched.
func rewriteLegacyToolCall(body []byte) ([]byte, bool) {
	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, false
	}
	toolName, ok := probe["_tool_name"].(string)
	if !ok || toolName == "" {
		return nil, false
	}
	delete(probe, "_tool_name")

	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      toolName,
			"arguments": probe,
		},
	}
	rewritten, err := json.Marshal(envelope)
	if err != nil {
		return nil, false
	}
	return rewritten, true
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	tool := r.PathValue("tool")

	var args interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON in request body")
			return
		}
	}

	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      tool,
			"arguments": args,
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build tool call")
		return
	}
	s.dispatch(w, r, tag, body)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, tag string, body []byte) {
	ip := clientIP(r)
	key := sessionKey(r, s.settings.EnableForwardUserInfoHeader, ip)

	result, eerr := s.engine.HandleRequest(r.Context(), tag, key, ip, body)
	if eerr != nil {
		s.writeEngineError(w, eerr)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(result.Response))
}

func (s *Server) writeEngineError(w http.ResponseWriter, eerr *engine.Error) {
	w.Header().Set("Content-Type", "application/json")
	if eerr.Status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	w.WriteHeader(eerr.Status)
	json.NewEncoder(w).Encode(map[string]string{"error": eerr.Message})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	tag := r.PathValue("tag")
	if _, ok := s.registry.Lookup(tag); !ok {
		writeError(w, http.StatusNotFound, "unknown server type: "+tag)
		return
	}

	listReq, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/list",
	})

	ip := clientIP(r)
	key := sessionKey(r, s.settings.EnableForwardUserInfoHeader, ip)
	result, eerr := s.engine.HandleRequest(r.Context(), tag, key, ip, listReq)
	if eerr != nil {
		s.writeEngineError(w, eerr)
		return
	}

	doc, err := openapi.Synthesize(tag, s.settings.BaseURL, result.Response)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("synthesize openapi document: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	name := r.PathValue("name")

	dir := filepath.Join(s.jobs.Root(), jobID)
	resolvedRoot, err := filepath.EvalSymlinks(s.jobs.Root())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "jobs root unavailable")
		return
	}
	path := filepath.Join(dir, name)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "resolve path failed")
		return
	}
	if !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		writeError(w, http.StatusForbidden, "path escapes jobs root")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(resolved)))
	http.ServeFile(w, r, resolved)
}
