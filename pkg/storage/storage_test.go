package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trackflow/trackflow/internal/model"
)

func openTestDir(t *testing.T, baseDir, experiment, runName string) *RunDir {
	t.Helper()
	dir, err := Open(baseDir, experiment, runName)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestOpen_CreatesLayout(t *testing.T) {
	base := t.TempDir()
	dir := openTestDir(t, base, "exp", "run1")

	for _, sub := range []string{"metrics", "artifacts"} {
		if _, err := os.Stat(filepath.Join(dir.Path(), sub)); err != nil {
			t.Errorf("missing %s dir: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir.Path(), "run.log")); err != nil {
		t.Errorf("run.log not created: %v", err)
	}
	if dir.Name() != "run1" || dir.Experiment() != "exp" {
		t.Errorf("identity = %s/%s", dir.Experiment(), dir.Name())
	}
}

func TestOpen_ExplicitNameCollision(t *testing.T) {
	base := t.TempDir()
	openTestDir(t, base, "exp", "baseline")

	_, err := Open(base, "exp", "baseline")
	if !errors.Is(err, ErrNameCollision) {
		t.Errorf("err = %v, want ErrNameCollision", err)
	}
}

func TestOpen_AutoNameDisambiguates(t *testing.T) {
	base := t.TempDir()
	// Two auto-named runs within the same second must both succeed.
	first := openTestDir(t, base, "exp", "")
	second := openTestDir(t, base, "exp", "")

	if first.Name() == second.Name() {
		t.Errorf("auto-named runs collided: %s", first.Name())
	}
	if !strings.HasPrefix(second.Name(), first.Name()[:8]) {
		t.Errorf("suffixed id %s should keep the timestamp prefix", second.Name())
	}
}

func TestWriteParams_MergesAcrossWrites(t *testing.T) {
	dir := openTestDir(t, t.TempDir(), "exp", "run1")

	if err := dir.WriteParams(model.ParamSet{"lr": model.Float(0.001), "opt": model.String("adam")}); err != nil {
		t.Fatalf("WriteParams: %v", err)
	}
	if err := dir.WriteParams(model.ParamSet{"lr": model.Float(0.01)}); err != nil {
		t.Fatalf("WriteParams: %v", err)
	}

	params, err := LoadParams(dir.Path())
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if v, _ := params["lr"].AsFloat(); v != 0.01 {
		t.Errorf("lr = %v, want last write to win", v)
	}
	if v, _ := params["opt"].AsString(); v != "adam" {
		t.Errorf("opt = %q, want unrelated key preserved", v)
	}
}

func TestWriteRunMetadata_RoundTrip(t *testing.T) {
	dir := openTestDir(t, t.TempDir(), "exp", "run1")

	started := time.Now().UTC().Truncate(time.Second)
	meta := model.RunMetadata{
		Name:       "run1",
		Experiment: "exp",
		Status:     model.StatusRunning,
		StartedAt:  started,
		Env:        model.RunEnv{Hostname: "worker-3"},
	}
	if err := dir.WriteRunMetadata(meta); err != nil {
		t.Fatalf("WriteRunMetadata: %v", err)
	}

	loaded, err := LoadRunMetadata(dir.Path())
	if err != nil {
		t.Fatalf("LoadRunMetadata: %v", err)
	}
	if loaded.Status != model.StatusRunning || loaded.Name != "run1" {
		t.Errorf("loaded = %+v", loaded)
	}
	if !loaded.StartedAt.Equal(started) {
		t.Errorf("started_at = %v, want %v", loaded.StartedAt, started)
	}
	if loaded.Env.Hostname != "worker-3" {
		t.Errorf("env.hostname = %q", loaded.Env.Hostname)
	}
}

func TestWriteYAMLAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := openTestDir(t, t.TempDir(), "exp", "run1")

	for i := 0; i < 3; i++ {
		if err := dir.WriteParams(model.ParamSet{"i": model.Int(int64(i))}); err != nil {
			t.Fatalf("WriteParams: %v", err)
		}
	}

	entries, err := os.ReadDir(dir.Path())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestAppendLog_Format(t *testing.T) {
	dir := openTestDir(t, t.TempDir(), "exp", "run1")

	ts := time.Date(2026, 8, 25, 14, 30, 0, 123e6, time.UTC)
	if err := dir.AppendLog(model.LevelError, "cuda out of memory", ts); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	data, err := ReadLog(dir.Path())
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	want := "[2026-08-25T14:30:00.123Z] [ERROR] cuda out of memory\n"
	if string(data) != want {
		t.Errorf("log line = %q, want %q", data, want)
	}
}

func TestCopyArtifact_DefaultAndExplicitNames(t *testing.T) {
	src := filepath.Join(t.TempDir(), "weights.bin")
	if err := os.WriteFile(src, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := openTestDir(t, t.TempDir(), "exp", "run1")

	if err := dir.CopyArtifact(model.ArtifactRef{SourcePath: src}); err != nil {
		t.Fatalf("CopyArtifact: %v", err)
	}
	if err := dir.CopyArtifact(model.ArtifactRef{SourcePath: src, DestName: "nested/final.bin"}); err != nil {
		t.Fatalf("CopyArtifact: %v", err)
	}

	arts, err := ListArtifacts(dir.Path())
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	names := make(map[string]int64)
	for _, a := range arts {
		names[a.Path] = a.Size
	}
	if names["weights.bin"] != 3 {
		t.Errorf("default-named artifact missing or wrong size: %v", names)
	}
	if names[filepath.Join("nested", "final.bin")] != 3 {
		t.Errorf("explicit-named artifact missing: %v", names)
	}
}

func TestEnsureExperiment_NeverOverwrites(t *testing.T) {
	base := t.TempDir()
	first := model.ExperimentMetadata{DisplayName: "First", Description: "original"}
	if err := EnsureExperiment(base, "exp", first); err != nil {
		t.Fatalf("EnsureExperiment: %v", err)
	}
	if err := EnsureExperiment(base, "exp", model.ExperimentMetadata{DisplayName: "Second"}); err != nil {
		t.Fatalf("EnsureExperiment: %v", err)
	}

	meta, err := LoadExperimentMetadata(base, "exp")
	if err != nil {
		t.Fatalf("LoadExperimentMetadata: %v", err)
	}
	if meta.DisplayName != "First" {
		t.Errorf("display name = %q, second ensure must not overwrite", meta.DisplayName)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"20260101_000000", "20260301_000000", "20260201_000000"} {
		openTestDir(t, base, "exp", name)
	}

	runs, err := ListRuns(base, "exp")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	want := []string{"20260301_000000", "20260201_000000", "20260101_000000"}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v", runs)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Errorf("runs[%d] = %s, want %s", i, runs[i], want[i])
		}
	}
}

func TestListExperiments_MissingBaseDir(t *testing.T) {
	names, err := ListExperiments(filepath.Join(t.TempDir(), "nope"))
	if err != nil || names != nil {
		t.Errorf("missing base dir = %v, %v; want nil, nil", names, err)
	}
}
