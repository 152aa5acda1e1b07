package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Mode selects how a tool program's processes are managed.
type Mode string

const (
	ModeEphemeral  Mode = "ephemeral"
	ModePersistent Mode = "stateful"
)

// ServerSpec is the immutable, loaded-once description of one configured
// tool program, keyed by its server tag in mcp-servers.json.
type ServerSpec struct {
	Tag               string
	Command           string
	Args              []string
	Env               map[string]string
	Mode              Mode
	IdleTimeout       time.Duration
	MaxProcessesPerIP int
	FilePathFields    map[string]struct{}
	UsageGuide        string
}

// IsPersistent reports whether the spec's children are session-pinned.
func (s ServerSpec) IsPersistent() bool {
	return s.Mode == ModePersistent
}

// rawServerConfig mirrors the on-disk JSON shape of one mcpServers entry.
type rawServerConfig struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args"`
	Env            map[string]string `json:"env"`
	Mode           string            `json:"mode"`
	IdleTimeoutSec int               `json:"idle_timeout"`
	MaxProcPerIP   int               `json:"max_processes_per_ip"`
	FilePathFields []string          `json:"file_path_fields"`
	UsageGuide     string            `json:"usage_guide"`
}

type rawConfigFile struct {
	MCPServers map[string]rawServerConfig `json:"mcpServers"`
}

// Registry is the read-only, loaded-once set of configured tool programs.
type Registry struct {
	specs map[string]ServerSpec
	tags  []string
}

// LoadRegistry reads and validates the mcp-servers.json config file.
// It is fatal for the server to start without a valid config file, so
// callers should treat a non-nil error as unrecoverable.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw rawConfigFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if len(raw.MCPServers) == 0 {
		return nil, fmt.Errorf("config file %s: mcpServers is empty or missing", path)
	}

	r := &Registry{specs: make(map[string]ServerSpec, len(raw.MCPServers))}
	for tag, rc := range raw.MCPServers {
		if rc.Command == "" {
			return nil, fmt.Errorf("config file %s: server %q missing command", path, tag)
		}

		mode := ModeEphemeral
		if rc.Mode == string(ModePersistent) {
			mode = ModePersistent
		}

		idle := time.Duration(rc.IdleTimeoutSec) * time.Second
		if idle <= 0 {
			idle = 30 * time.Minute
		}

		maxPerIP := rc.MaxProcPerIP
		if maxPerIP <= 0 {
			maxPerIP = 1
		}

		fields := map[string]struct{}{"file_path": {}}
		if len(rc.FilePathFields) > 0 {
			fields = make(map[string]struct{}, len(rc.FilePathFields))
			for _, f := range rc.FilePathFields {
				fields[f] = struct{}{}
			}
		}

		r.specs[tag] = ServerSpec{
			Tag:               tag,
			Command:           rc.Command,
			Args:              rc.Args,
			Env:               rc.Env,
			Mode:              mode,
			IdleTimeout:       idle,
			MaxProcessesPerIP: maxPerIP,
			FilePathFields:    fields,
			UsageGuide:        rc.UsageGuide,
		}
		r.tags = append(r.tags, tag)
	}

	return r, nil
}

// Lookup returns the spec for a server tag.
func (r *Registry) Lookup(tag string) (ServerSpec, bool) {
	s, ok := r.specs[tag]
	return s, ok
}

// Tags returns the configured server tags.
func (r *Registry) Tags() []string {
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}
