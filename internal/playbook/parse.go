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
	"gopkg.in/yaml.v3"

	"noetl/pkg/errors"
)

// Parse decodes and validates a playbook document.
func Parse(doc []byte) (*Playbook, error) {
	var p Playbook
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return nil, errors.WithCause(errors.KindInvalidResource, err, "playbook yaml")
	}
	normalize(&p)
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalize applies the sink alias and structural tool defaults so the
// broker never special-cases authoring shorthand.
func normalize(p *Playbook) {
	for i := range p.Workflow {
		s := &p.Workflow[i]
		if s.Save == nil && s.Sink != nil {
			s.Save = s.Sink
		}
		s.Sink = nil
		if s.Tool == "" {
			switch {
			case s.Step == StepStart:
				s.Tool = ToolStart
			case s.Step == StepEnd:
				s.Tool = ToolEnd
			case s.Loop != nil:
				s.Tool = ToolIterator
			case s.Task != "":
				s.Tool = ToolWorkbook
			}
		}
	}
}
