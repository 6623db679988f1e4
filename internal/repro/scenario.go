package repro

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"botprobe/internal/logging"
)

// Scenario is a user-supplied action sequence that replaces the built-in
// one. Steps run verbatim in file order with no templating or chaining.
type Scenario struct {
	Name  string         `yaml:"name"`
	Steps []ScenarioStep `yaml:"steps"`
}

// ScenarioStep is one action in a scenario file.
type ScenarioStep struct {
	Action  string         `yaml:"action"`
	Params  map[string]any `yaml:"params,omitempty"`
	Timeout string         `yaml:"timeout,omitempty"`
}

func (s ScenarioStep) timeout(fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(s.Timeout)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// LoadScenario reads and validates a YAML scenario file. A missing name
// defaults to the file's base name.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var scn Scenario
	if err := yaml.Unmarshal(data, &scn); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", filepath.Base(path), err)
	}
	if err := scn.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(scn.Name) == "" {
		scn.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &scn, nil
}

// Validate checks the scenario is runnable.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return errors.New("scenario has no steps")
	}
	for i, step := range s.Steps {
		if strings.TrimSpace(step.Action) == "" {
			return fmt.Errorf("step %d: action is required", i+1)
		}
		if raw := strings.TrimSpace(step.Timeout); raw != "" {
			if _, err := time.ParseDuration(raw); err != nil {
				return fmt.Errorf("step %d: invalid timeout %q", i+1, step.Timeout)
			}
		}
	}
	return nil
}

// RunScenario executes the scenario steps in order, fail-fast, recording a
// StepResult per action like the built-in sequence does.
func RunScenario(ctx context.Context, sender Sender, scn *Scenario, opts Options) (*Report, error) {
	logger := logging.OrNop(opts.Logger)
	r := newRunner(sender, logger)

	logger.Info("repro: running scenario %q (%d steps)", scn.Name, len(scn.Steps))
	for _, step := range scn.Steps {
		var params any
		if len(step.Params) > 0 {
			params = step.Params
		}
		if _, err := r.step(ctx, step.Action, params, step.timeout(opts.Timeout)); err != nil {
			return r.report, err
		}
	}
	return r.report, nil
}
