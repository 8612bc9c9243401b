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

package playbook

import (
	"fmt"
	"strings"

	"noetl/pkg/errors"
)

var knownTools = map[string]bool{
	ToolStart:     true,
	ToolEnd:       true,
	ToolHTTP:      true,
	ToolSQL:       true,
	ToolDuckDB:    true,
	ToolPython:    true,
	ToolShell:     true,
	ToolContainer: true,
	ToolPlaybook:  true,
	ToolNoop:      true,
	ToolSave:      true,
	ToolIterator:  true,
	ToolWorkbook:  true,
}

var knownSaveStorage = map[string]bool{
	"event":    true,
	"postgres": true,
	"redis":    true,
}

// Validate checks a playbook for structural problems that would make the
// broker misbehave at runtime. Rendering errors are out of scope here;
// templates are opaque strings until an execution context exists.
func Validate(p *Playbook) error {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Kind != KindPlaybook {
		bad("kind must be %q, got %q", KindPlaybook, p.Kind)
	}
	if p.Metadata.Name == "" {
		bad("metadata.name is required")
	}
	if len(p.Workflow) == 0 {
		bad("workflow must declare at least one step")
	}

	tasks := map[string]*Task{}
	for i := range p.Workbook {
		t := &p.Workbook[i]
		if t.Name == "" {
			bad("workbook[%d]: task name is required", i)
			continue
		}
		if _, dup := tasks[t.Name]; dup {
			bad("workbook task %q declared twice", t.Name)
		}
		tasks[t.Name] = t
		if t.Tool == "" {
			bad("workbook task %q: tool is required", t.Name)
		} else if !knownTools[t.Tool] {
			bad("workbook task %q: unknown tool %q", t.Name, t.Tool)
		}
	}

	steps := map[string]*Step{}
	for i := range p.Workflow {
		s := &p.Workflow[i]
		if s.Step == "" {
			bad("workflow[%d]: step id is required", i)
			continue
		}
		if _, dup := steps[s.Step]; dup {
			bad("step %q declared twice", s.Step)
			continue
		}
		steps[s.Step] = s
	}

	if _, ok := steps[StepStart]; !ok {
		bad("workflow must declare a %q step", StepStart)
	}

	for _, s := range steps {
		validateStep(s, tasks, bad)
	}

	// Transitions must land on declared steps. "end" is always a legal
	// target even when no explicit end step exists.
	for _, s := range steps {
		for i, tr := range s.Next {
			if tr.Step == "" {
				bad("step %q: next[%d] is missing a target", s.Step, i)
				continue
			}
			if tr.Step == StepEnd {
				continue
			}
			if _, ok := steps[tr.Step]; !ok {
				bad("step %q: next[%d] targets unknown step %q", s.Step, i, tr.Step)
			}
			if tr.When != "" && tr.Else {
				bad("step %q: next[%d] sets both when and else", s.Step, i)
			}
		}
		if countElse(s.Next) > 1 {
			bad("step %q: at most one else transition is allowed", s.Step)
		}
	}

	if cycle := findCycle(steps); len(cycle) > 0 {
		bad("workflow contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return errors.New(errors.KindInvalidResource, "invalid playbook %q: %s",
			p.Metadata.Name, strings.Join(problems, "; "))
	}
	return nil
}

func validateStep(s *Step, tasks map[string]*Task, bad func(string, ...any)) {
	switch {
	case s.Step == StepStart:
		if s.Tool != ToolStart {
			bad("step %q must use the start tool", s.Step)
		}
	case s.Step == StepEnd:
		if s.Tool != ToolEnd {
			bad("step %q must use the end tool", s.Step)
		}
	case s.Loop != nil:
		validateLoop(s, tasks, bad)
	case s.Task != "":
		if _, ok := tasks[s.Task]; !ok {
			bad("step %q references unknown workbook task %q", s.Step, s.Task)
		}
		if s.Tool != "" && s.Tool != ToolWorkbook {
			bad("step %q: task reference cannot also set tool %q", s.Step, s.Tool)
		}
	default:
		if s.Tool == "" {
			bad("step %q: tool is required", s.Step)
		} else if !knownTools[s.Tool] {
			bad("step %q: unknown tool %q", s.Step, s.Tool)
		}
	}

	if s.Retry != nil {
		if s.Retry.MaxAttempts < 1 {
			bad("step %q: retry.max_attempts must be at least 1", s.Step)
		}
		if s.Retry.BackoffMultiplier < 0 {
			bad("step %q: retry.backoff_multiplier must not be negative", s.Step)
		}
	}
	if s.Save != nil && !knownSaveStorage[s.Save.Storage] {
		bad("step %q: unknown save storage %q", s.Step, s.Save.Storage)
	}
}

func validateLoop(s *Step, tasks map[string]*Task, bad func(string, ...any)) {
	l := s.Loop
	if l.Collection == nil {
		bad("step %q: loop.collection is required", s.Step)
	}
	switch l.EffectiveMode() {
	case ModeSequential, ModeParallel, ModeChunked:
	default:
		bad("step %q: unknown loop mode %q", s.Step, l.Mode)
	}
	if l.Mode == ModeParallel || l.Mode == ModeChunked {
		if l.Concurrency < 0 {
			bad("step %q: loop.concurrency must not be negative", s.Step)
		}
	}
	switch l.FailurePolicy {
	case "", FailFast, CollectErrors:
	default:
		bad("step %q: unknown loop failure_policy %q", s.Step, l.FailurePolicy)
	}
	switch {
	case l.Task != nil:
		if l.Task.Tool == "" {
			bad("step %q: loop task tool is required", s.Step)
		} else if !knownTools[l.Task.Tool] {
			bad("step %q: loop task uses unknown tool %q", s.Step, l.Task.Tool)
		}
	case s.Task != "":
		if _, ok := tasks[s.Task]; !ok {
			bad("step %q references unknown workbook task %q", s.Step, s.Task)
		}
	default:
		bad("step %q: loop needs an inline task or a workbook task reference", s.Step)
	}
}

func countElse(next []Transition) int {
	n := 0
	for _, tr := range next {
		if tr.Else {
			n++
		}
	}
	return n
}

// findCycle walks the static transition graph and returns the first cycle
// found, as a path of step ids. Loops over collections are iteration, not
// graph cycles, so only next edges count.
func findCycle(steps map[string]*Step) []string {
	const (
		unseen = iota
		active
		done
	)
	state := map[string]int{}
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		s, ok := steps[id]
		if !ok {
			return false
		}
		state[id] = active
		path = append(path, id)
		for _, tr := range s.Next {
			switch state[tr.Step] {
			case active:
				start := 0
				for i, p := range path {
					if p == tr.Step {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), tr.Step)
				return true
			case unseen:
				if visit(tr.Step) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return false
	}

	for id := range steps {
		if state[id] == unseen {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
