package main

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCacheCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	id := prepareJob(t, env)
	if _, _, err := runCLI(t, []string{"run", id}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := runCLI(t, []string{"cache", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, out, "Entries: 1")

	out, _, err = runCLI(t, []string{"cache", "list", "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("cache list: %v", err)
	}
	var entries []struct {
		MediaID     string   `json:"media_id"`
		SourceJobID string   `json:"source_job_id"`
		Stages      []string `json:"stages"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode cache list: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].SourceJobID != id || len(entries[0].Stages) == 0 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	mediaID := entries[0].MediaID

	out, _, err = runCLI(t, []string{"cache", "verify", env.mediaPath}, env.configPath)
	if err != nil {
		t.Fatalf("cache verify: %v", err)
	}
	requireContains(t, out, "Media "+mediaID)
	requireContains(t, out, "[OK]")
	requireNotContains(t, out, "[ERROR]")

	if _, _, err := runCLI(t, []string{"cache", "verify", "not-a-file-or-id"}, env.configPath); err == nil {
		t.Fatal("expected verify of garbage to fail")
	}

	out, _, err = runCLI(t, []string{"cache", "clear-expired", "--ttl", "30d"}, env.configPath)
	if err != nil {
		t.Fatalf("clear-expired: %v", err)
	}
	requireContains(t, out, "No expired cache entries")

	out, _, err = runCLI(t, []string{"cache", "invalidate", mediaID}, env.configPath)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	requireContains(t, out, "Removed cache entry "+mediaID)

	out, _, err = runCLI(t, []string{"cache", "invalidate", mediaID}, env.configPath)
	if err != nil {
		t.Fatalf("second invalidate: %v", err)
	}
	requireContains(t, out, "No cache entry")
}

func TestCachePruneEvictsToLimit(t *testing.T) {
	env := setupCLITestEnv(t)
	id := prepareJob(t, env)
	if _, _, err := runCLI(t, []string{"run", id}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, _, err := runCLI(t, []string{"cache", "prune", "--max-gib", "0"}, env.configPath)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	requireContains(t, out, "Pruned 1 entry")

	out, _, err = runCLI(t, []string{"cache", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	requireContains(t, out, "Entries: 0")
}

func TestCacheCommandsWhenDisabled(t *testing.T) {
	env := setupCLITestEnv(t, withCacheDisabled())

	out, _, err := runCLI(t, []string{"cache", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("cache stats: %v", err)
	}
	requireContains(t, out, "Baseline cache is disabled")
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 7 * 24 * time.Hour},
		{in: "30d", want: 30 * 24 * time.Hour},
		{in: "90m", want: 90 * time.Minute},
		{in: "xd", wantErr: true},
		{in: "-1h", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range tests {
		got, err := parseTTL(tc.in, 7)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseTTL(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseTTL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseTTL(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRunScheduledRejectsBadExpression(t *testing.T) {
	if err := runScheduled(t.Context(), "not a cron", nil, nil); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}
