package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		APIToken:                 "token",
		JobsQueueID:              "jobs",
		ResultsQueueID:           "results",
		ResultsDir:               "/tmp/results",
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api token", func(c *Config) { c.APIToken = "" }},
		{"missing jobs queue", func(c *Config) { c.JobsQueueID = "" }},
		{"missing results queue", func(c *Config) { c.ResultsQueueID = "" }},
		{"missing results dir", func(c *Config) { c.ResultsDir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	require.NoError(t, validConfig().Validate())
}

func TestValidate_ClampsHeartbeatInterval(t *testing.T) {
	cfg := validConfig()
	cfg.HeartbeatIntervalSeconds = 0

	require.NoError(t, cfg.Validate())
	assert.Equal(t, MinHeartbeatIntervalSeconds, cfg.HeartbeatIntervalSeconds)
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		PollIntervalSeconds:      2.5,
		RetryDelaySeconds:        30,
		HeartbeatIntervalSeconds: 600,
	}

	assert.Equal(t, 2500*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.RetryDelay())
	assert.Equal(t, 600*time.Second, cfg.HeartbeatInterval())
}

func TestLoadRepoDefs(t *testing.T) {
	environ := []string{
		"PATH=/usr/bin",
		"GENOMICS_REPO_URL=https://example.com/genomics.git",
		"GENOMICS_REPO_REF=v2.1",
		"TOOLS_REPO_URL=https://example.com/tools.git",
		"ORPHAN_REPO_REF=main",
		"EMPTY_REPO_URL=",
	}

	defs := LoadRepoDefs(environ)
	require.Len(t, defs, 2)

	assert.Equal(t, RepoDef{Name: "genomics", URL: "https://example.com/genomics.git", Ref: "v2.1"}, defs[0])
	assert.Equal(t, RepoDef{Name: "tools", URL: "https://example.com/tools.git", Ref: "HEAD"}, defs[1],
		"a missing *_REPO_REF defaults to HEAD")
}

func TestLoadRepoDefs_EmptyEnviron(t *testing.T) {
	assert.Empty(t, LoadRepoDefs(nil))
	assert.Empty(t, LoadRepoDefs([]string{"HOME=/root", "no-equals-entry"}))
}

func TestParseExtraBinds(t *testing.T) {
	assert.Nil(t, ParseExtraBinds(""))
	assert.Equal(t, []string{"/a:/b", "/c:/d:ro"}, ParseExtraBinds("/a:/b, /c:/d:ro"))
	assert.Equal(t, []string{"/a:/b"}, ParseExtraBinds("/a:/b,,"))
}

func TestParseIntDefault(t *testing.T) {
	assert.Equal(t, 7, ParseIntDefault("7", 5))
	assert.Equal(t, 5, ParseIntDefault("", 5))
	assert.Equal(t, 5, ParseIntDefault("not-a-number", 5))
}

func TestParseFloatDefault(t *testing.T) {
	assert.Equal(t, 1.5, ParseFloatDefault("1.5", 2.0))
	assert.Equal(t, 2.0, ParseFloatDefault("", 2.0))
	assert.Equal(t, 2.0, ParseFloatDefault("x", 2.0))
}
