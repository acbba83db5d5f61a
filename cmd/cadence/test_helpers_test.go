package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cadence/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	mediaPath  string
	cacheRoot  string
}

type cliConfig struct {
	cacheDisabled bool
	extra         string
}

type cliOption func(*cliConfig)

func withCacheDisabled() cliOption {
	return func(c *cliConfig) { c.cacheDisabled = true }
}

// withExtraConfig appends raw TOML to the generated config file.
func withExtraConfig(toml string) cliOption {
	return func(c *cliConfig) { c.extra = toml }
}

func setupCLITestEnv(t *testing.T, opts ...cliOption) *cliTestEnv {
	t.Helper()

	var cc cliConfig
	for _, opt := range opts {
		opt(&cc)
	}

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))

	configPath := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
output_root = %q
cache_root = %q
log_dir = %q
ledger_path = %q

[cache]
enabled = %t
lock_timeout_seconds = 5

[logging]
level = "error"

[stages.asr]
model = "tiny"

[stages.translation]
model = "tiny"
`,
		filepath.Join(base, "jobs"),
		filepath.Join(base, "cache"),
		filepath.Join(base, "logs"),
		filepath.Join(base, "ledger.db"),
		!cc.cacheDisabled,
	)
	if err := os.WriteFile(configPath, []byte(content+cc.extra), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &cliTestEnv{
		baseDir:    base,
		configPath: configPath,
		mediaPath:  testsupport.WriteMedia(t, filepath.Join(base, "media"), "episode.mkv", "cli"),
		cacheRoot:  filepath.Join(base, "cache"),
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// prepareJob runs `prepare --json` and returns the new job id.
func prepareJob(t *testing.T, env *cliTestEnv, args ...string) string {
	t.Helper()
	full := append([]string{"prepare", env.mediaPath, "--source", "ja", "--json"}, args...)
	out, stderr, err := runCLI(t, full, env.configPath)
	if err != nil {
		t.Fatalf("prepare: %v (stderr %s)", err, stderr)
	}
	var job struct {
		ID string `json:"job_id"`
	}
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("decode prepare output %q: %v", out, err)
	}
	if job.ID == "" {
		t.Fatalf("prepare returned no job id: %s", out)
	}
	return job.ID
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireNotContains(t *testing.T, output, substr string) {
	t.Helper()
	if strings.Contains(output, substr) {
		t.Fatalf("expected %q not to contain %q", output, substr)
	}
}
