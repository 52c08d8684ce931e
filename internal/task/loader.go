// Package task owns the Task Store (spec §2, §4 ownership table):
// loading and validating task definitions, and persisting execution
// records plus their append-only audit log under a per-task directory
// (spec §6 "Persisted state layout").
package task

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
	"github.com/taskflow/taskflow/internal/types"
)

var validate = validator.New()

// rawTask mirrors the on-disk schema exactly (spec §6): unknown fields
// must fail the whole load, which yaml.Decoder.KnownFields(true)
// enforces against this struct's tags.
type rawTask struct {
	ID                string   `yaml:"id"`
	Title             string   `yaml:"title"`
	Owner             string   `yaml:"owner"`
	DependsOn         []string `yaml:"depends_on"`
	State             string   `yaml:"state"`
	Priority          string   `yaml:"priority"`
	ContextTopics     []string `yaml:"context_topics"`
	RiskTier          string   `yaml:"risk_tier"`
	EstimatedEffort   string   `yaml:"estimated_effort"`
	ExpectedArtifacts []string `yaml:"expected_artifacts"`
	IndependentOnFail bool     `yaml:"independent_on_failure"`
}

// LoadDir loads every *.yaml / *.yml task definition file in dir. All
// schema violations across all files are aggregated into one error
// (spec §4.2, §6: "any violation fails the entire run load").
func LoadDir(dir string) ([]*types.Task, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read task directory %s", dir)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)

	var tasks []*types.Task
	var errs []error
	for _, path := range files {
		t, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks = append(tasks, t)
	}
	if len(errs) > 0 {
		return nil, taskflowerrors.Chain(errs...)
	}
	return tasks, nil
}

// LoadFile parses and validates a single task definition file.
func LoadFile(path string) (*types.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "read %s", path)
	}
	return parse(data, path)
}

func parse(data []byte, source string) (*types.Task, error) {
	var raw rawTask
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "parse %s", source)
	}

	effort, err := parseEffort(raw.EstimatedEffort)
	if err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "%s: estimated_effort", source)
	}

	state := types.State(raw.State)
	if state == "" {
		state = types.StateDeclared
	}

	t := &types.Task{
		ID:                raw.ID,
		Title:             raw.Title,
		Owner:             types.Role(raw.Owner),
		DependsOn:         raw.DependsOn,
		Priority:          types.Priority(raw.Priority),
		ContextTopics:     raw.ContextTopics,
		EstimatedEffort:   effort,
		RiskTier:          types.RiskTier(raw.RiskTier),
		ExpectedArtifacts: raw.ExpectedArtifacts,
		IndependentOnFail: raw.IndependentOnFail,
		State:             state,
	}

	if err := validate.Struct(t); err != nil {
		return nil, taskflowerrors.Wrapf(err, taskflowerrors.ErrorTypeValidation, "%s: schema violation", source)
	}
	return t, nil
}

func parseEffort(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
