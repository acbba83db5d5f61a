package main

import (
	"context"
	"encoding/json"
	"testing"

	"cadence/internal/mediaid"
)

func TestPrepareRunAndReuseCache(t *testing.T) {
	env := setupCLITestEnv(t)

	first := prepareJob(t, env)
	out, stderr, err := runCLI(t, []string{"run", first}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v (stderr %s)", err, stderr)
	}
	requireContains(t, out, "job "+first+" completed")
	requireContains(t, out, "asr")
	requireNotContains(t, out, "from cache")

	second := prepareJob(t, env)
	out, stderr, err = runCLI(t, []string{"run", second}, env.configPath)
	if err != nil {
		t.Fatalf("second run: %v (stderr %s)", err, stderr)
	}
	requireContains(t, out, "[OK] cached")
	requireContains(t, out, "from cache")

	out, _, err = runCLI(t, []string{"run", second, "--no-cache"}, env.configPath)
	if err != nil {
		t.Fatalf("no-cache run: %v", err)
	}
	requireNotContains(t, out, "from cache")
}

func TestRunJSONAndResume(t *testing.T) {
	env := setupCLITestEnv(t)
	id := prepareJob(t, env, "--workflow", "translate", "--target", "en")

	out, _, err := runCLI(t, []string{"run", id, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var jm struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		Stages []struct {
			Stage  string `json:"stage"`
			Status string `json:"status"`
		} `json:"stages"`
	}
	if err := json.Unmarshal([]byte(out), &jm); err != nil {
		t.Fatalf("decode manifest: %v\n%s", err, out)
	}
	if jm.JobID != id || jm.Status != "completed" {
		t.Fatalf("unexpected manifest %+v", jm)
	}
	found := false
	for _, s := range jm.Stages {
		if s.Stage == "translation" {
			found = true
		}
	}
	if !found {
		t.Fatalf("translation stage missing from %+v", jm.Stages)
	}

	out, _, err = runCLI(t, []string{"resume", id}, env.configPath)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "[OK] resumed")
	requireContains(t, out, "(resumed)")
}

func TestPrepareRejectsInvalidInput(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"prepare", env.mediaPath, "--workflow", "translate", "--source", "ja"}, env.configPath)
	if err == nil {
		t.Fatal("expected translate without targets to fail")
	}
	if code := exitCode(err); code != 2 {
		t.Fatalf("exit code = %d, want 2 (%v)", code, err)
	}

	_, _, err = runCLI(t, []string{"prepare", env.mediaPath, "--input", env.mediaPath}, env.configPath)
	if err == nil {
		t.Fatal("expected duplicate input to fail")
	}

	_, _, err = runCLI(t, []string{"prepare", env.mediaPath, "--source", "ja", "--set", "bogus"}, env.configPath)
	if err == nil {
		t.Fatal("expected malformed --set to fail")
	}
}

func TestRunUnknownJob(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := runCLI(t, []string{"run", "does-not-exist"}, env.configPath); err == nil {
		t.Fatal("expected unknown job to fail")
	}
}

func TestJobsListAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	id := prepareJob(t, env)

	out, _, err := runCLI(t, []string{"jobs", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, id)
	requireContains(t, out, "prepared")

	out, _, err = runCLI(t, []string{"jobs", "show", id}, env.configPath)
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	requireContains(t, out, "Not run yet")

	if _, _, err := runCLI(t, []string{"run", id}, env.configPath); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, _, err = runCLI(t, []string{"jobs", "list", "--status", "completed"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list completed: %v", err)
	}
	requireContains(t, out, id)

	out, _, err = runCLI(t, []string{"jobs", "show", id}, env.configPath)
	if err != nil {
		t.Fatalf("jobs show after run: %v", err)
	}
	requireContains(t, out, "completed")

	media, err := mediaid.Compute(context.Background(), env.mediaPath)
	if err != nil {
		t.Fatalf("mediaid.Compute: %v", err)
	}
	out, _, err = runCLI(t, []string{"jobs", "list", "--media", media}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list --media: %v", err)
	}
	requireContains(t, out, id)
	out, _, err = runCLI(t, []string{"jobs", "list", "--media", "0000"}, env.configPath)
	if err != nil {
		t.Fatalf("jobs list --media other: %v", err)
	}
	requireContains(t, out, "No jobs found")

	if _, _, err := runCLI(t, []string{"jobs", "list", "--status", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}
