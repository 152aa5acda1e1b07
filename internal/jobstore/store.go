package jobstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mcpobridge/mcpobridge/internal/jobindex"
)

// Store manages job directories under a single jobs root.
type Store struct {
	jobsRoot string
	log      *slog.Logger
	index    *jobindex.DB // optional accelerator, mirrored on every mutation
}

// New returns a Store rooted at jobsRoot. jobsRoot is created if absent.
func New(jobsRoot string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(jobsRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create jobs root: %w", err)
	}
	return &Store{jobsRoot: jobsRoot, log: log}, nil
}

// SetIndex attaches the job index so every metadata write mirrors into
// it. Safe to call with nil to run without an index (e.g. it failed to
// open); index write failures are logged, never fatal, since the
// filesystem remains the source of truth.
func (s *Store) SetIndex(index *jobindex.DB) {
	s.index = index
}

// Root returns the jobs root directory.
func (s *Store) Root() string { return s.jobsRoot }

// Create allocates a new job directory and its initial metadata record.
func (s *Store) Create(serverTag, sessionKey, clientIP string) (*Job, error) {
	id := uuid.New().String()
	dir := filepath.Join(s.jobsRoot, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	job := &Job{
		JobID:      id,
		ServerTag:  serverTag,
		CreatedAt:  time.Now().UTC(),
		Status:     StatusProcessing,
		SessionKey: sessionKey,
		ClientIP:   clientIP,
		Dir:        dir,
	}
	if err := s.saveMetadata(job); err != nil {
		return nil, err
	}
	return job, nil
}

// SaveRequest writes request.json and updates the job's metadata copy.
func (s *Store) SaveRequest(job *Job, request json.RawMessage) error {
	job.Request = request
	if err := writeFileAtomic(filepath.Join(job.Dir, "request.json"), request); err != nil {
		return err
	}
	return s.saveMetadata(job)
}

// SaveResponse writes response.json and updates the job's metadata copy.
func (s *Store) SaveResponse(job *Job, response json.RawMessage) error {
	job.Response = response
	if err := writeFileAtomic(filepath.Join(job.Dir, "response.json"), response); err != nil {
		return err
	}
	return s.saveMetadata(job)
}

// UpdateStatus sets the job's terminal status and, for failures, the
// error message, then rewrites metadata.json.
func (s *Store) UpdateStatus(job *Job, status Status, errMsg string) error {
	job.Status = status
	job.Error = errMsg
	return s.saveMetadata(job)
}

// LoadMetadata reads metadata.json for a job directory. A missing or
// malformed file is not an error: it returns (nil, nil) so callers
// (primarily the garbage collector) can fall back to directory mtime.
func (s *Store) LoadMetadata(jobID string) (*Job, error) {
	dir := filepath.Join(s.jobsRoot, jobID)
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		if s.log != nil {
			s.log.Warn("corrupt job metadata", "job_id", jobID, "error", err)
		}
		return nil, nil
	}
	job.Dir = dir
	return &job, nil
}

func (s *Store) saveMetadata(job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(job.Dir, "metadata.json"), data); err != nil {
		return err
	}
	s.upsertIndex(job)
	return nil
}

// upsertIndex mirrors a job's current state into the accelerator index.
// Called on every metadata write (job creation, request/response save,
// status update) so the index never lags the filesystem.
func (s *Store) upsertIndex(job *Job) {
	if s.index == nil {
		return
	}
	if err := s.index.Upsert(job.JobID, job.ServerTag, job.SessionKey, string(job.Status), job.ClientIP, job.CreatedAt); err != nil {
		if s.log != nil {
			s.log.Warn("job index upsert failed", "job_id", job.JobID, "error", err)
		}
	}
}

// writeFileAtomic writes to a temp file in the same directory then
// renames over the destination, so a reader (the garbage collector, an
// operator tailing the directory) never observes a half-written file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
