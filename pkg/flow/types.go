// Package flow implements the Flow/Modifier data model, YAML loading,
// and composition algorithm (spec §3 Flow/Step/Modifier, §4.1
// FlowLoader).
package flow

import "sort"

// StepType is the tagged-sum discriminant for a Step's dispatch kind.
type StepType string

const (
	StepHandler        StepType = "handler"
	StepPythonFileCall StepType = "python_file_call"
	StepSet            StepType = "set"
	StepIf             StepType = "if"
)

// ModifierAction names how a Modifier edits a Flow.
type ModifierAction string

const (
	ActionInjectBefore ModifierAction = "inject_before"
	ActionInjectAfter  ModifierAction = "inject_after"
	ActionAppend       ModifierAction = "append"
	ActionReplace      ModifierAction = "replace"
	ActionRemove       ModifierAction = "remove"
)

// Step is one node of a composed Flow (spec §3 Step).
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Phase     string         `yaml:"phase" json:"phase"`
	Priority  int            `yaml:"priority" json:"priority"`
	Type      StepType       `yaml:"type" json:"type"`
	Input     map[string]any `yaml:"input" json:"input"`
	Output    string         `yaml:"output" json:"output"`
	OwnerPack string         `yaml:"owner_pack,omitempty" json:"owner_pack,omitempty"`
	File      string         `yaml:"file,omitempty" json:"file,omitempty"`
	Then      []Step         `yaml:"then,omitempty" json:"then,omitempty"`
	Else      []Step         `yaml:"else,omitempty" json:"else,omitempty"`
}

// Defaults holds Flow-wide execution defaults.
type Defaults struct {
	FailSoft bool `yaml:"fail_soft" json:"fail_soft"`
}

// Flow is the composition of zero-or-more source YAMLs plus
// zero-or-more Modifiers (spec §3 Flow).
type Flow struct {
	FlowID  string         `yaml:"flow_id" json:"flow_id"`
	Phases  []string       `yaml:"phases" json:"phases"`
	Steps   []Step         `yaml:"steps" json:"steps"`
	Inputs  map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs map[string]any `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Defaults Defaults      `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	// sourcePack and sourcePrecedence are loader bookkeeping, not part
	// of the YAML shape.
	sourcePack       string `yaml:"-" json:"-"`
	sourcePrecedence int    `yaml:"-" json:"-"`
}

// Requires names interfaces and/or capabilities a Modifier depends on.
type Requires struct {
	Interfaces   []string `yaml:"interfaces,omitempty" json:"interfaces,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
}

// ResolveTarget asks the loader to resolve target_flow_id through
// SharedDict before applying the Modifier.
type ResolveTarget struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	ResolveNamespace  string `yaml:"resolve_namespace,omitempty" json:"resolve_namespace,omitempty"`
}

// Modifier edits a composed Flow (spec §3 Modifier).
type Modifier struct {
	ModifierID    string         `yaml:"modifier_id" json:"modifier_id"`
	TargetFlowID  string         `yaml:"target_flow_id" json:"target_flow_id"`
	Phase         string         `yaml:"phase" json:"phase"`
	Priority      int            `yaml:"priority" json:"priority"`
	Action        ModifierAction `yaml:"action" json:"action"`
	TargetStepID  string         `yaml:"target_step_id,omitempty" json:"target_step_id,omitempty"`
	Step          *Step          `yaml:"step,omitempty" json:"step,omitempty"`
	Requires      *Requires      `yaml:"requires,omitempty" json:"requires,omitempty"`
	ResolveTarget *ResolveTarget `yaml:"resolve_target,omitempty" json:"resolve_target,omitempty"`

	sourcePack string `yaml:"-" json:"-"`
}

// InterfaceRegistry is a simple map of advertised interface names,
// consulted when evaluating a Modifier's `requires.interfaces` (spec
// §9: "a simple map of advertised interface names").
type InterfaceRegistry map[string]bool

// CapabilitySet reports enabled grants plus trusted handlers, consulted
// when evaluating `requires.capabilities`.
type CapabilitySet interface {
	HasCapability(name string) bool
}

// MapCapabilitySet is the simplest CapabilitySet: a fixed set of names.
type MapCapabilitySet map[string]bool

func (m MapCapabilitySet) HasCapability(name string) bool { return m[name] }

// OrderedSteps returns f.Steps sorted by the Flow's total order:
// (phase_index_in_phases, priority asc, id asc) — spec §4.2. A step
// whose phase isn't in f.Phases (should not happen post-validation)
// sorts last.
func OrderedSteps(f *Flow) []Step {
	phaseIndex := make(map[string]int, len(f.Phases))
	for i, p := range f.Phases {
		phaseIndex[p] = i
	}
	steps := make([]Step, len(f.Steps))
	copy(steps, f.Steps)

	indexOf := func(s Step) int {
		if idx, ok := phaseIndex[s.Phase]; ok {
			return idx
		}
		return len(f.Phases)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		pa, pb := indexOf(a), indexOf(b)
		if pa != pb {
			return pa < pb
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return steps
}
