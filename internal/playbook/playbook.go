// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package playbook defines the declarative workflow document: an ordered
// list of typed steps with guarded transitions, optional reusable
// workbook tasks, and workload defaults. Documents are immutable once
// registered in the catalog.
package playbook

import "strings"

// Tool kinds a step may declare. start and end are structural and never
// reach the queue; playbook starts a child execution; iterator expands a
// collection into sub-jobs.
const (
	ToolStart     = "start"
	ToolEnd       = "end"
	ToolHTTP      = "http"
	ToolSQL       = "sql"
	ToolDuckDB    = "duckdb"
	ToolPython    = "python"
	ToolShell     = "shell"
	ToolContainer = "container"
	ToolPlaybook  = "playbook"
	ToolNoop      = "noop"
	ToolSave      = "save"
	ToolIterator  = "iterator"
	ToolWorkbook  = "workbook"
)

// Reserved step ids.
const (
	StepStart = "start"
	StepEnd   = "end"
)

// KindPlaybook is the only document kind the catalog accepts.
const KindPlaybook = "Playbook"

// Loop scheduling modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModeChunked    = "chunked"
)

// Loop failure policies.
const (
	FailFast      = "fail_fast"
	CollectErrors = "collect_errors"
)

// Playbook is the parsed authoring document.
type Playbook struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Metadata   Metadata       `yaml:"metadata"`
	Workload   map[string]any `yaml:"workload,omitempty"`
	Workflow   []Step         `yaml:"workflow"`
	Workbook   []Task         `yaml:"workbook,omitempty"`
}

// Metadata identifies the document in the catalog.
type Metadata struct {
	Name    string `yaml:"name"`
	Path    string `yaml:"path,omitempty"`
	Version string `yaml:"version,omitempty"`
}

// Step is one unit of work. Tool-specific fields (endpoint, code,
// statement, path, ...) land in Config via the inline map.
type Step struct {
	Step    string         `yaml:"step"`
	Tool    string         `yaml:"tool"`
	Desc    string         `yaml:"desc,omitempty"`
	Task    string         `yaml:"task,omitempty"` // workbook task reference
	Data    map[string]any `yaml:"data,omitempty"`
	Assert  *Assert        `yaml:"assert,omitempty"`
	Retry   *Retry         `yaml:"retry,omitempty"`
	Save    *Save          `yaml:"save,omitempty"`
	Sink    *Save          `yaml:"sink,omitempty"` // alias for save, normalized at parse
	Timeout string         `yaml:"timeout,omitempty"`
	Loop    *Loop          `yaml:"loop,omitempty"`
	Next    []Transition   `yaml:"next,omitempty"`
	Config  map[string]any `yaml:",inline"`
}

// Task is a reusable unit: a workbook entry referenced by name, or the
// per-item body of an iterator loop.
type Task struct {
	Name   string         `yaml:"name,omitempty"`
	Tool   string         `yaml:"tool"`
	Data   map[string]any `yaml:"data,omitempty"`
	Assert *Assert        `yaml:"assert,omitempty"`
	Retry  *Retry         `yaml:"retry,omitempty"`
	Save   *Save          `yaml:"save,omitempty"`
	Config map[string]any `yaml:",inline"`
}

// Transition is a guarded edge to a successor step. A transition with
// neither When nor Else is unconditional; Else fires only when no When
// guard in the list matched.
type Transition struct {
	Step string         `yaml:"step"`
	When string         `yaml:"when,omitempty"`
	Else bool           `yaml:"else,omitempty"`
	Data map[string]any `yaml:"data,omitempty"`
}

// Loop declares iterator expansion for a step.
type Loop struct {
	Collection    any    `yaml:"collection"`               // expression string or literal list
	Element       string `yaml:"element,omitempty"`        // binding name, defaults to "item"
	Mode          string `yaml:"mode,omitempty"`           // sequential | parallel | chunked
	Concurrency   int    `yaml:"concurrency,omitempty"`    // parallel cap / chunk size
	FailurePolicy string `yaml:"failure_policy,omitempty"` // fail_fast (default) | collect_errors
	Task          *Task  `yaml:"task,omitempty"`           // per-item body
}

// Assert declares post-conditions and result shaping. It rides along in
// queue payloads, hence the json tags.
type Assert struct {
	Expects []string       `yaml:"expects,omitempty" json:"expects,omitempty"` // expressions over the result; any falsy fails the execution
	Returns map[string]any `yaml:"returns,omitempty" json:"returns,omitempty"` // template replacing the published result
}

// Retry is the step-level retry policy.
type Retry struct {
	MaxAttempts       int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      string  `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	MaxDelay          string  `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	RetryWhen         string  `yaml:"retry_when,omitempty" json:"retry_when,omitempty"` // truthy result triggers a retry
	StopWhen          string  `yaml:"stop_when,omitempty" json:"stop_when,omitempty"`   // truthy result stops retrying
}

// Save routes a step result to a sink in addition to the event log.
type Save struct {
	Storage string         `yaml:"storage" json:"storage"`                   // event | postgres | redis
	Target  string         `yaml:"target,omitempty" json:"target,omitempty"` // table name or key prefix
	Data    map[string]any `yaml:"data,omitempty" json:"data,omitempty"`     // template; defaults to the step result
}

// StepByID returns the step with the given id.
func (p *Playbook) StepByID(id string) (*Step, bool) {
	for i := range p.Workflow {
		if p.Workflow[i].Step == id {
			return &p.Workflow[i], true
		}
	}
	return nil, false
}

// TaskByName returns the workbook task with the given name.
func (p *Playbook) TaskByName(name string) (*Task, bool) {
	for i := range p.Workbook {
		if p.Workbook[i].Name == name {
			return &p.Workbook[i], true
		}
	}
	return nil, false
}

// Start returns the start step.
func (p *Playbook) Start() (*Step, bool) {
	return p.StepByID(StepStart)
}

// Path returns the catalog path, falling back to the document name.
func (p *Playbook) Path() string {
	if p.Metadata.Path != "" {
		return p.Metadata.Path
	}
	return p.Metadata.Name
}

// IsStructural reports whether the step runs inside the broker and never
// reaches the queue.
func (s *Step) IsStructural() bool {
	return s.Tool == ToolStart || s.Tool == ToolEnd
}

// EffectiveMode normalizes the loop mode; sequential is the default.
func (l *Loop) EffectiveMode() string {
	switch strings.ToLower(l.Mode) {
	case ModeParallel:
		return ModeParallel
	case ModeChunked:
		return ModeChunked
	default:
		return ModeSequential
	}
}

// ElementVar returns the iterator binding name.
func (l *Loop) ElementVar() string {
	if l.Element == "" {
		return "item"
	}
	return l.Element
}

// ContinueOnError reports whether the loop continues past item failures.
func (l *Loop) ContinueOnError() bool {
	return strings.EqualFold(l.FailurePolicy, CollectErrors)
}
