// Package config defines the agent's configuration surface
// and the environment-variable scan used to discover external-repository
// definitions, whose key set is open-ended and so cannot be expressed as a
// fixed set of flags the way the rest of the surface is.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RepoDef names one external source repository to keep in sync before a
// container job runs.
type RepoDef struct {
	Name string
	URL  string
	Ref  string
}

// Config is loaded once at startup and is immutable for the process
// lifetime.
type Config struct {
	// Queue identity and credential.
	APIToken       string
	AccountID      string
	JobsQueueID    string
	ResultsQueueID string
	BaseURL        string

	// Lease Loop tuning.
	VisibilityTimeoutMs int
	PollIntervalSeconds float64
	RetryDelaySeconds   int
	MaxRetryAttempts    int

	// Heartbeat Emitter.
	HeartbeatIntervalSeconds int

	// Filesystem layout.
	ResultsDir         string
	ReloadSentinelPath string

	// Container invocation.
	ContainerBin        string
	ContainerImage      string
	ContainerCmd        string
	ContainerExtraBind  []string
	ContainerRefreshCmd string // external image-refresh collaborator

	// External repository sync.
	ExternalReposRoot string
	Repos             []RepoDef

	// Observability and logging.
	MetricsAddr string
	LogLevel    string
}

// Defaults applied when a setting is not configured.
const (
	DefaultVisibilityTimeoutMs      = 120_000
	DefaultPollIntervalSeconds      = 2.0
	DefaultRetryDelaySeconds        = 30
	DefaultMaxRetryAttempts         = 5
	DefaultHeartbeatIntervalSeconds = 600

	// MinHeartbeatIntervalSeconds is the floor the configured heartbeat
	// cadence is clamped to.
	MinHeartbeatIntervalSeconds = 1
)

// Validate checks the fields required for the agent to start. Missing
// credentials are a fatal startup error — the agent
// must abort before the Lease Loop is started.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("config: api_token is required")
	}
	if c.JobsQueueID == "" {
		return fmt.Errorf("config: jobs_queue_id is required")
	}
	if c.ResultsQueueID == "" {
		return fmt.Errorf("config: results_queue_id is required")
	}
	if c.ResultsDir == "" {
		return fmt.Errorf("config: results_dir is required")
	}
	if c.HeartbeatIntervalSeconds < MinHeartbeatIntervalSeconds {
		c.HeartbeatIntervalSeconds = MinHeartbeatIntervalSeconds
	}
	return nil
}

// PollInterval returns PollIntervalSeconds as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// HeartbeatInterval returns HeartbeatIntervalSeconds as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// RetryDelay returns RetryDelaySeconds as a time.Duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// repoEnvSuffixURL and repoEnvSuffixRef are the recognized suffixes for the
// "<name>_repo_url" / "<name>_repo_ref" environment convention.
const (
	repoEnvSuffixURL = "_REPO_URL"
	repoEnvSuffixRef = "_REPO_REF"
)

// LoadRepoDefs scans environ (as returned by os.Environ()) for the
// "<NAME>_REPO_URL" / "<NAME>_REPO_REF" pairing and returns one RepoDef per
// distinct <NAME> found with a non-empty URL. A missing *_REPO_REF defaults
// to "HEAD".
//
// The name set is open-ended by design (an operator can configure any
// number of external repos), so it cannot be expressed as a static flag —
// this is the one part of the configuration surface that is discovered
// rather than declared.
func LoadRepoDefs(environ []string) []RepoDef {
	urls := make(map[string]string)
	refs := make(map[string]string)
	order := make([]string, 0)

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case strings.HasSuffix(k, repoEnvSuffixURL):
			name := strings.TrimSuffix(k, repoEnvSuffixURL)
			if _, seen := urls[name]; !seen {
				order = append(order, name)
			}
			urls[name] = v
		case strings.HasSuffix(k, repoEnvSuffixRef):
			refs[strings.TrimSuffix(k, repoEnvSuffixRef)] = v
		}
	}

	defs := make([]RepoDef, 0, len(order))
	for _, name := range order {
		url := urls[name]
		if url == "" {
			continue
		}
		ref := refs[name]
		if ref == "" {
			ref = "HEAD"
		}
		defs = append(defs, RepoDef{
			Name: strings.ToLower(name),
			URL:  url,
			Ref:  ref,
		})
	}
	return defs
}

// ParseExtraBinds splits a comma-separated "host:container[:ro]" list as
// configured via container_extra_bind.
func ParseExtraBinds(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseIntDefault parses s as an int, returning def on empty input or error.
func ParseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// ParseFloatDefault parses s as a float64, returning def on empty input or error.
func ParseFloatDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}
