package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/sherdmark/internal/pipeline"
	"github.com/ivlev/sherdmark/internal/sherd"
)

const (
	AnnotatedFile = "annotated.jpg"
	SummaryYAML   = "summary.yaml"
	SummaryJSON   = "summary.json"
)

// Summary is the human-editable record of one run stored next to the annotated photo.
type Summary struct {
	RunID       string         `yaml:"run_id"`
	Source      string         `yaml:"source"`
	CreatedAt   time.Time      `yaml:"created_at"`
	TotalWeight float64        `yaml:"total_weight"`
	Sherds      []sherd.Record `yaml:"sherds"`
}

// Run ties a pipeline result to a stable identifier.
type Run struct {
	ID        string
	CreatedAt time.Time
	Result    *pipeline.Result
}

// NewRun assigns a fresh identifier to res.
func NewRun(res *pipeline.Result) *Run {
	return &Run{ID: uuid.NewString(), CreatedAt: time.Now(), Result: res}
}

// RunDirName builds a timestamped directory name for a run.
func RunDirName(run *Run) string {
	base := filepath.Base(run.Result.Source)
	stem := base[:len(base)-len(filepath.Ext(base))]
	return fmt.Sprintf("%s_%s_%s", stem, run.CreatedAt.Format("2006-01-02_15-04-05"), run.ID[:8])
}

// Write stores the annotated JPEG and both summaries under a new directory in root
// and returns that directory.
func Write(root string, run *Run) (string, error) {
	dir := filepath.Join(root, RunDirName(run))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, AnnotatedFile), run.Result.JPEG, 0o644); err != nil {
		return "", fmt.Errorf("write annotated image: %w", err)
	}

	summary := Summary{
		RunID:       run.ID,
		Source:      run.Result.Source,
		CreatedAt:   run.CreatedAt,
		TotalWeight: run.Result.TotalWeight,
		Sherds:      run.Result.Sherds,
	}
	if err := WriteSummary(filepath.Join(dir, SummaryYAML), &summary); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(run.Result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryJSON), data, 0o644); err != nil {
		return "", fmt.Errorf("write result json: %w", err)
	}

	return dir, nil
}

// WriteSummary writes a summary to a YAML file
func WriteSummary(path string, s *Summary) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSummary reads a summary from a YAML file
func ReadSummary(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Summary
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode summary %s: %w", path, err)
	}
	return &s, nil
}

// FindLatest returns the most recently modified run directory under root that holds a summary.
func FindLatest(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	var latest string
	var latestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(root, e.Name(), SummaryYAML))
		if err != nil {
			continue
		}
		if info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latest = filepath.Join(root, e.Name())
		}
	}

	if latest == "" {
		return "", fmt.Errorf("no runs found in %s", root)
	}
	return latest, nil
}

// LoadLatest reads the summary of the most recent run under root.
func LoadLatest(root string) (string, *Summary, error) {
	dir, err := FindLatest(root)
	if err != nil {
		return "", nil, err
	}
	s, err := ReadSummary(filepath.Join(dir, SummaryYAML))
	if err != nil {
		return "", nil, err
	}
	return dir, s, nil
}
