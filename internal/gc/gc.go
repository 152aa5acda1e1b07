// Package gc periodically removes job directories older than the
// configured file expiry. It lists the jobs directory itself, takes each
// job's creation time from the job index when it has a row (falling back
// to metadata.json, then the directory mtime), and runs symlink and
// containment checks against the filesystem before deleting.
package gc

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mcpobridge/mcpobridge/internal/jobindex"
	"github.com/mcpobridge/mcpobridge/internal/jobstore"
)

// Collector removes expired job directories.
type Collector struct {
	jobsRoot   string
	fileExpiry time.Duration
	jobs       *jobstore.Store
	index      *jobindex.DB // optional
	log        *slog.Logger
}

// New returns a Collector. index may be nil.
func New(jobsRoot string, fileExpiry time.Duration, jobs *jobstore.Store, index *jobindex.DB, log *slog.Logger) *Collector {
	return &Collector{jobsRoot: jobsRoot, fileExpiry: fileExpiry, jobs: jobs, index: index, log: log}
}

// Run performs one sweep of the jobs directory, deleting every job
// directory older than the configured expiry.
func (c *Collector) Run() {
	entries, err := os.ReadDir(c.jobsRoot)
	if err != nil {
		if c.log != nil {
			c.log.Error("gc: read jobs root failed", "error", err)
		}
		return
	}

	cutoff := time.Now().Add(-c.fileExpiry)

	// Consult the index first for candidate created_at values: one
	// query instead of opening and parsing metadata.json per job
	// directory. Rows missing here (no index, or a job it never saw)
	// fall back to the filesystem in ageOf.
	indexed := map[string]time.Time{}
	if c.index != nil {
		rows, err := c.index.OlderThan(time.Now())
		if err != nil {
			if c.log != nil {
				c.log.Warn("gc: index query failed, falling back to metadata/mtime", "error", err)
			}
		} else {
			for _, row := range rows {
				indexed[row.JobID] = row.CreatedAt
			}
		}
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobID := entry.Name()
		age, ok := c.ageOf(jobID, entry, indexed)
		if !ok || !age.Before(cutoff) {
			continue
		}
		if c.safeDelete(jobID) {
			removed++
		}
	}
	if c.log != nil && removed > 0 {
		c.log.Info("gc: swept jobs", "removed", removed)
	}
}

// ageOf returns the job's creation time: the index first (if it has a
// row for this job), then metadata.json, then the directory's mtime as
// a last resort when both are missing or corrupt.
func (c *Collector) ageOf(jobID string, entry os.DirEntry, indexed map[string]time.Time) (time.Time, bool) {
	if createdAt, ok := indexed[jobID]; ok {
		return createdAt, true
	}
	if job, err := c.jobs.LoadMetadata(jobID); err == nil && job != nil {
		return job.CreatedAt, true
	}
	info, err := entry.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// safeDelete removes a job directory after checking it resolves inside
// the jobs root and is not a symlink — defense against a crafted job
// directory name or a race that replaced it with a symlink.
func (c *Collector) safeDelete(jobID string) bool {
	dir := filepath.Join(c.jobsRoot, jobID)

	fi, err := os.Lstat(dir)
	if err != nil {
		return false
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		if c.log != nil {
			c.log.Warn("gc: refusing to delete symlinked job directory", "job_id", jobID)
		}
		return false
	}

	resolvedRoot, err := filepath.EvalSymlinks(c.jobsRoot)
	if err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return false
	}
	if !strings.HasPrefix(resolved, resolvedRoot+string(os.PathSeparator)) {
		if c.log != nil {
			c.log.Warn("gc: job directory escapes jobs root, refusing to delete", "job_id", jobID)
		}
		return false
	}

	if err := os.RemoveAll(dir); err != nil {
		if c.log != nil {
			c.log.Error("gc: remove failed", "job_id", jobID, "error", err)
		}
		return false
	}
	if c.index != nil {
		if err := c.index.Delete(jobID); err != nil && c.log != nil {
			c.log.Warn("gc: index delete failed", "job_id", jobID, "error", err)
		}
	}
	return true
}

// Loop runs Run once immediately, then once per interval until stop is
// closed.
func (c *Collector) Loop(interval time.Duration, stop <-chan struct{}) {
	c.Run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Run()
		case <-stop:
			return
		}
	}
}
