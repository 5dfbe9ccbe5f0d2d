// Package storage owns all file state for experiment runs: YAML
// metadata, the append-only run log, the columnar metrics store, and
// copied artifacts. A RunDir is single-writer: it is owned by exactly
// one run actor for the lifetime of the run and is not safe for
// concurrent use.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/trackflow/trackflow/internal/model"
)

// ErrNameCollision is returned when an explicitly named run already
// exists under the experiment.
var ErrNameCollision = errors.New("storage: run name already exists")

const (
	experimentFile = "experiment.yaml"
	runFile        = "run.yaml"
	paramsFile     = "config.yaml"
	logFile        = "run.log"
	metricsDir     = "metrics"
	metricsFile    = "metrics.parquet"
	artifactsDir   = "artifacts"
)

// runIDFormat is the sortable timestamp layout for auto-generated run ids.
const runIDFormat = "20060102_150405"

// RunDir is the storage writer for one run directory.
type RunDir struct {
	path       string
	experiment string
	name       string

	logf    *os.File
	metrics *metricsWriter
}

// Open allocates a run directory under <base>/<experiment> and opens
// its file handles. An empty runName selects a timestamp-derived id
// (suffixed on collision); an explicit runName that already exists
// fails with ErrNameCollision.
func Open(baseDir, experiment, runName string) (*RunDir, error) {
	expDir := filepath.Join(baseDir, experiment)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return nil, fmt.Errorf("create experiment dir: %w", err)
	}

	explicit := runName != ""
	if !explicit {
		runName = time.Now().Format(runIDFormat)
	}
	runPath := filepath.Join(expDir, runName)
	if _, err := os.Stat(runPath); err == nil {
		if explicit {
			return nil, fmt.Errorf("%w: %s/%s", ErrNameCollision, experiment, runName)
		}
		// Two runs opened within the same second: keep the id sortable
		// and disambiguate with a short random suffix.
		runName = fmt.Sprintf("%s_%s", runName, uuid.NewString()[:8])
		runPath = filepath.Join(expDir, runName)
	}

	for _, dir := range []string{runPath, filepath.Join(runPath, metricsDir), filepath.Join(runPath, artifactsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}

	logf, err := os.OpenFile(filepath.Join(runPath, logFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}

	return &RunDir{
		path:       runPath,
		experiment: experiment,
		name:       runName,
		logf:       logf,
		metrics:    newMetricsWriter(filepath.Join(runPath, metricsDir)),
	}, nil
}

// Path returns the run directory path.
func (r *RunDir) Path() string { return r.path }

// Name returns the allocated run id.
func (r *RunDir) Name() string { return r.name }

// Experiment returns the owning experiment name.
func (r *RunDir) Experiment() string { return r.experiment }

// WriteRunMetadata replaces run.yaml atomically, so concurrent readers
// never observe a partial file.
func (r *RunDir) WriteRunMetadata(meta model.RunMetadata) error {
	return writeYAMLAtomic(filepath.Join(r.path, runFile), meta)
}

// WriteParams merges the given params into config.yaml and replaces it
// atomically. Existing keys are overwritten, other keys survive.
func (r *RunDir) WriteParams(params model.ParamSet) error {
	path := filepath.Join(r.path, paramsFile)
	existing, err := LoadParams(r.path)
	if err != nil {
		existing = model.ParamSet{}
	}
	for k, v := range params {
		existing[k] = v
	}
	return writeYAMLAtomic(path, existing)
}

// AppendLog writes one line to run.log and flushes it immediately.
func (r *RunDir) AppendLog(level model.LogLevel, text string, ts time.Time) error {
	line := fmt.Sprintf("[%s] [%s] %s\n", ts.UTC().Format("2006-01-02T15:04:05.000Z"), level, text)
	if _, err := r.logf.WriteString(line); err != nil {
		return fmt.Errorf("append run log: %w", err)
	}
	return nil
}

// AppendMetrics persists rows as one new self-contained append unit of
// the columnar store. After it returns the rows are durably readable;
// previously written units are never rewritten.
func (r *RunDir) AppendMetrics(rows []model.MetricRow) error {
	return r.metrics.appendPart(rows)
}

// CopyArtifact copies a file into the run's artifact area.
func (r *RunDir) CopyArtifact(ref model.ArtifactRef) error {
	dest := ref.DestName
	if dest == "" {
		dest = filepath.Base(ref.SourcePath)
	}
	destPath := filepath.Join(r.path, artifactsDir, dest)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return copyFile(ref.SourcePath, destPath)
}

// Close releases the run's file handles. It does not finalize
// metadata; that is the actor's job.
func (r *RunDir) Close() error {
	return r.logf.Close()
}

// EnsureExperiment writes experiment.yaml if it does not exist yet.
// It never overwrites an existing file; an explicit description change
// goes through WriteExperimentMetadata.
func EnsureExperiment(baseDir, experiment string, meta model.ExperimentMetadata) error {
	expDir := filepath.Join(baseDir, experiment)
	if err := os.MkdirAll(expDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(expDir, experimentFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeYAMLAtomic(path, meta)
}

// WriteExperimentMetadata replaces experiment.yaml atomically.
func WriteExperimentMetadata(baseDir, experiment string, meta model.ExperimentMetadata) error {
	return writeYAMLAtomic(filepath.Join(baseDir, experiment, experimentFile), meta)
}

// LoadExperimentMetadata reads experiment.yaml; a missing file yields
// the zero metadata.
func LoadExperimentMetadata(baseDir, experiment string) (model.ExperimentMetadata, error) {
	var meta model.ExperimentMetadata
	err := loadYAML(filepath.Join(baseDir, experiment, experimentFile), &meta)
	if os.IsNotExist(err) {
		return meta, nil
	}
	return meta, err
}

// RunPath returns the directory of one run.
func RunPath(baseDir, experiment, run string) string {
	return filepath.Join(baseDir, experiment, run)
}

// ReadLog returns the raw contents of a run's log file.
func ReadLog(runPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(runPath, logFile))
}

// LoadRunMetadata reads run.yaml from a run directory.
func LoadRunMetadata(runPath string) (model.RunMetadata, error) {
	var meta model.RunMetadata
	err := loadYAML(filepath.Join(runPath, runFile), &meta)
	return meta, err
}

// LoadParams reads config.yaml; a missing file yields an empty set.
func LoadParams(runPath string) (model.ParamSet, error) {
	params := model.ParamSet{}
	err := loadYAML(filepath.Join(runPath, paramsFile), &params)
	if os.IsNotExist(err) {
		return params, nil
	}
	return params, err
}

// ListExperiments returns experiment names under baseDir, sorted.
func ListExperiments(baseDir string) ([]string, error) {
	entries, err := os.ReadDir(baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListRuns returns run ids under an experiment, newest first. The
// timestamp-derived ids make lexical order chronological.
func ListRuns(baseDir, experiment string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(baseDir, experiment))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// CompactedPath returns where a run's compacted metrics file lives.
func CompactedPath(runPath string) string {
	return filepath.Join(runPath, metricsFile)
}

// PartFiles returns the run's live part files in append order.
func PartFiles(runPath string) ([]string, error) {
	parts, err := filepath.Glob(filepath.Join(runPath, metricsDir, "part-*.parquet"))
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	return parts, nil
}

// MetricsFiles returns the run's parquet files in logical row order:
// the compacted file first if present, then the live part files.
func MetricsFiles(runPath string) ([]string, error) {
	var files []string
	compacted := filepath.Join(runPath, metricsFile)
	if _, err := os.Stat(compacted); err == nil {
		files = append(files, compacted)
	}
	parts, err := PartFiles(runPath)
	if err != nil {
		return nil, err
	}
	return append(files, parts...), nil
}

func writeYAMLAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func loadYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}
