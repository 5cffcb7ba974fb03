package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/obd2ingest/internal/catalog"
	"github.com/JonMunkholm/obd2ingest/internal/core"
	"github.com/JonMunkholm/obd2ingest/internal/queue"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	queuePath  string
	spoolDir   string
}

// setupCLITestEnv writes a config that keeps the queue, spool and lock
// inside a temp dir and clears env vars that would override it.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	env := &cliTestEnv{
		baseDir:    base,
		configPath: filepath.Join(base, "obd2.toml"),
		queuePath:  filepath.Join(base, "queue.db"),
		spoolDir:   filepath.Join(base, "spool"),
	}
	for _, key := range []string{"OBD2_CONFIG", "DATABASE_URL", "DB_URL", "CATALOG_SOURCE", "CATALOG_FILE",
		"QUEUE_PATH", "QUEUE_SPOOL_DIR", "QUEUE_LOCK_FILE", "INGEST_MAX_FILE_SIZE"} {
		t.Setenv(key, "")
	}

	content := fmt.Sprintf("[queue]\npath = %q\nspool_dir = %q\nlock_file = %q\n\n[logging]\nlevel = \"error\"\n",
		env.queuePath, env.spoolDir, filepath.Join(base, "worker.lock"))
	if err := os.WriteFile(env.configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", env.configPath}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

var logStart = time.Date(2024, 10, 24, 10, 30, 0, 0, time.UTC)

// writeTorqueLog writes a catalyst-ready log with n rows.
func writeTorqueLog(t *testing.T, dir, name string, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("GPS Time,Device Time,Engine RPM(rpm),O2 Bank 1 Sensor 1 Voltage(V),O2 Bank 1 Sensor 2 Voltage(V)\n")
	for i := range n {
		ts := logStart.Add(time.Duration(i) * time.Second)
		up, down := "0.2", "0.45"
		if i%2 == 1 {
			up, down = "0.8", "0.47"
		}
		fmt.Fprintf(&b, "%s,%s,%d,%s,%s\n",
			ts.Format(core.DefaultGPSLayout), ts.Format("02-Jan.-2006 15:04:05.000"), 800+i, up, down)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeTorqueLog(t, env.baseDir, "trackLog.csv", 10)

	out, _, err := runCLI(t, env, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	requireContains(t, out, "trackLog.csv: header valid")
	requireContains(t, out, "Mapping Rate")
}

func TestValidateCommandRejectsMissingTimestamp(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.baseDir, "bad.csv")
	if err := os.WriteFile(path, []byte("Engine RPM(rpm),Foo\n800,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, env, "validate", path)
	if err != errInvalidHeader {
		t.Fatalf("expected errInvalidHeader, got %v", err)
	}
	requireContains(t, out, "header INVALID")
	requireContains(t, out, "Foo")
}

func TestValidateCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeTorqueLog(t, env.baseDir, "trackLog.csv", 5)

	out, _, err := runCLI(t, env, "validate", "--json", path)
	if err != nil {
		t.Fatalf("validate --json: %v", err)
	}
	var payload struct {
		File   string `json:"file"`
		Header struct {
			Valid bool `json:"valid"`
		} `json:"header"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if payload.File != "trackLog.csv" || !payload.Header.Valid {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestFeasibilityCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeTorqueLog(t, env.baseDir, "trackLog.csv", 120)

	out, _, err := runCLI(t, env, "feasibility", "--columns", path)
	if err != nil {
		t.Fatalf("feasibility: %v", err)
	}
	requireContains(t, out, "catalyst")
	requireContains(t, out, "Completeness")
	requireContains(t, out, "engine_rpm")
}

func TestFeasibilityCommandMissingFile(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, env, "feasibility", filepath.Join(env.baseDir, "nope.csv"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	requireContains(t, err.Error(), "inspect file")
}

func TestCatalogListCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	cat := catalog.MustDefault()

	out, _, err := runCLI(t, env, "catalog", "list")
	if err != nil {
		t.Fatalf("catalog list: %v", err)
	}
	requireContains(t, out, "engine_rpm")
	requireContains(t, out, fmt.Sprintf("%d columns, %d variants", cat.Len(), cat.VariantCount()))

	if _, _, err := runCLI(t, env, "catalog", "list", "--category", "no_such_category"); err == nil {
		t.Fatal("expected error for unknown category")
	}
}

func TestCatalogVariantsCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env, "catalog", "variants", "engine_rpm")
	if err != nil {
		t.Fatalf("catalog variants: %v", err)
	}
	requireContains(t, out, "Engine RPM(rpm)")

	if _, _, err := runCLI(t, env, "catalog", "variants", "flux_capacitor"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestCatalogExportCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	dest := filepath.Join(env.baseDir, "catalog.toml")

	if _, _, err := runCLI(t, env, "catalog", "export", "-o", dest); err != nil {
		t.Fatalf("catalog export: %v", err)
	}
	exported, err := catalog.LoadFile(dest)
	if err != nil {
		t.Fatalf("reload exported catalog: %v", err)
	}
	if got, want := exported.Len(), catalog.MustDefault().Len(); got != want {
		t.Fatalf("exported %d columns, want %d", got, want)
	}
}

func TestEnqueueAndQueueCommands(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeTorqueLog(t, env.baseDir, "trackLog.csv", 10)

	out, _, err := runCLI(t, env, "enqueue", path)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	requireContains(t, out, "queued trackLog.csv as job 1")

	// Same checksum while pending.
	_, stderr, err := runCLI(t, env, "enqueue", path)
	if err == nil {
		t.Fatal("expected duplicate enqueue to fail")
	}
	requireContains(t, stderr, "already queued")

	entries, err := os.ReadDir(env.spoolDir)
	if err != nil {
		t.Fatalf("read spool: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one spooled file, got %d", len(entries))
	}

	out, _, err = runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "trackLog.csv")
	requireContains(t, out, "Pending")

	out, _, err = runCLI(t, env, "queue", "status", "--json")
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal([]byte(out), &counts); err != nil {
		t.Fatalf("decode counts: %v", err)
	}
	if counts["pending"] != 1 || counts["failed"] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	if _, _, err := runCLI(t, env, "queue", "list", "--status", "bogus"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if _, _, err := runCLI(t, env, "queue", "retry", "1", path); err == nil {
		t.Fatal("expected retry of a pending job to fail")
	}
}

func TestQueueRetryRespoolsFailedJob(t *testing.T) {
	env := setupCLITestEnv(t)
	path := writeTorqueLog(t, env.baseDir, "trackLog.csv", 10)
	other := writeTorqueLog(t, env.baseDir, "otherLog.csv", 12)

	if _, _, err := runCLI(t, env, "enqueue", path); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Fail the job the way the worker does: mark it and drop its spool file.
	ctx := context.Background()
	qs, err := queue.Open(env.queuePath)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	job, err := qs.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := qs.Fail(ctx, job.ID, "", errors.New("LOAD001: copy failed")); err != nil {
		t.Fatalf("fail: %v", err)
	}
	qs.Close()
	if err := os.Remove(job.Path); err != nil {
		t.Fatalf("remove spool: %v", err)
	}

	if _, _, err := runCLI(t, env, "queue", "retry", "1", other); err == nil {
		t.Fatal("expected retry with a different file to fail")
	}

	out, _, err := runCLI(t, env, "queue", "retry", "1", path)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "job 1 requeued")

	qs, err = queue.Open(env.queuePath)
	if err != nil {
		t.Fatalf("reopen queue: %v", err)
	}
	defer qs.Close()
	got, err := qs.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.Path == job.Path {
		t.Fatal("expected a new spool path")
	}
	if _, err := os.Stat(got.Path); err != nil {
		t.Fatalf("respooled file: %v", err)
	}
}

func TestEnqueueRejectsUnsupportedFiles(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.baseDir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, stderr, err := runCLI(t, env, "enqueue", path)
	if err == nil {
		t.Fatal("expected enqueue of .txt to fail")
	}
	requireContains(t, stderr, "unsupported file type")
	if _, statErr := os.Stat(env.spoolDir); !os.IsNotExist(statErr) {
		t.Fatalf("spool dir should not be created, stat err = %v", statErr)
	}
}

func TestDatabaseCommandsNeedURL(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, env, "trip", "list")
	if err == nil {
		t.Fatal("expected trip list without DATABASE_URL to fail")
	}
	requireContains(t, err.Error(), "DATABASE_URL")
}

func TestTripCommandsRejectBadIDs(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, env, "trip", "show", "not-a-uuid")
	if err == nil {
		t.Fatal("expected invalid id error")
	}
	requireContains(t, err.Error(), "invalid trip id")
}

func TestLabel(t *testing.T) {
	cases := map[string]string{
		"":                  "-",
		"pending":           "Pending",
		"insufficient_data": "Insufficient Data",
	}
	for in, want := range cases {
		if got := label(in); got != want {
			t.Errorf("label(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRenderTablePlainWhenPiped(t *testing.T) {
	var buf bytes.Buffer
	out := renderTable(&buf, []string{"Name", "Count"}, [][]string{{"rpm", "3"}, {"short"}}, []columnAlignment{alignLeft, alignRight})
	requireContains(t, out, "+")
	requireContains(t, out, "rpm")
	if strings.Contains(out, "╭") {
		t.Fatalf("expected ASCII table for non-terminal output:\n%s", out)
	}
	if renderTable(&buf, nil, nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:           "512 B",
		2048:          "2.0 KiB",
		5 * (1 << 20): "5.0 MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
