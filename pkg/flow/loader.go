package flow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rumi-labs/rumikernel/pkg/audit"
	"github.com/rumi-labs/rumikernel/pkg/dict"
	"github.com/rumi-labs/rumikernel/pkg/pack"
	"gopkg.in/yaml.v3"
)

var validStepTypes = map[StepType]bool{
	StepHandler: true, StepPythonFileCall: true, StepSet: true, StepIf: true,
}

var validActions = map[ModifierAction]bool{
	ActionInjectBefore: true, ActionInjectAfter: true, ActionAppend: true,
	ActionReplace: true, ActionRemove: true,
}

// PackSource describes one ecosystem Pack's Flow/Modifier directories,
// already authorized for loading (approved packs only — spec §4.1:
// "Packs in non-approved states contribute neither Flows nor
// Modifiers").
type PackSource struct {
	PackID string
	Root   string
}

// Loader implements FlowLoader (§4.1): parse, validate, and compose.
type Loader struct {
	searchPaths []string // descending precedence, for flows/ and user_data/shared/flows/
	packs       []PackSource
	interfaces  InterfaceRegistry
	capSet      CapabilitySet
	sharedDict  *dict.Dict
	approvals   *pack.Store
	auditLog    *audit.Log
}

// NewLoader creates a Loader. searchPaths lists the flows/ and
// user_data/shared/flows/ roots in descending precedence; packs lists
// every ecosystem Pack whose backend/flows/ is also searched.
func NewLoader(searchPaths []string, packs []PackSource, interfaces InterfaceRegistry, capSet CapabilitySet, sharedDict *dict.Dict, approvals *pack.Store, auditLog *audit.Log) *Loader {
	return &Loader{
		searchPaths: searchPaths,
		packs:       packs,
		interfaces:  interfaces,
		capSet:      capSet,
		sharedDict:  sharedDict,
		approvals:   approvals,
		auditLog:    auditLog,
	}
}

// LoadAll implements `load_all()`: parses every *.flow.yaml across
// search paths (higher precedence wins on flow_id collision), collects
// and applies Modifiers, and returns the composed set keyed by
// flow_id.
func (l *Loader) LoadAll() (map[string]*Flow, error) {
	flows := make(map[string]*Flow)
	precedenceWinner := make(map[string]int)

	for precedence, root := range l.searchPaths {
		l.loadFlowsFromDir(root, "", precedence, flows, precedenceWinner)
	}
	for _, ps := range l.packs {
		if !l.packApproved(ps.PackID) {
			continue
		}
		precedence := len(l.searchPaths) // ecosystem packs are lowest precedence
		l.loadFlowsFromDir(filepath.Join(ps.Root, "backend", "flows"), ps.PackID, precedence, flows, precedenceWinner)
	}

	modifiers := l.loadModifiers()
	sortModifiers(modifiers)

	for _, m := range modifiers {
		l.applyModifier(flows, m)
	}

	for _, f := range flows {
		revalidateStepIDs(f)
	}
	return flows, nil
}

// LoadOne implements `load_one(flow_id)`.
func (l *Loader) LoadOne(flowID string) (*Flow, error) {
	all, err := l.LoadAll()
	if err != nil {
		return nil, err
	}
	f, ok := all[flowID]
	if !ok {
		return nil, fmt.Errorf("flow: unknown flow_id %q", flowID)
	}
	return f, nil
}

func (l *Loader) packApproved(packID string) bool {
	if l.approvals == nil {
		return true
	}
	ok, err := l.approvals.IsAuthorized(packID)
	return err == nil && ok
}

func (l *Loader) loadFlowsFromDir(dir, packID string, precedence int, flows map[string]*Flow, winner map[string]int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // missing search path is not an error
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".flow.yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := parseFlowFile(path)
		if err != nil {
			l.audit(audit.SeverityWarning, "flow_parse_error", false, "", "", err.Error())
			continue // isolate parse errors to this file
		}
		f.sourcePack = packID
		f.sourcePrecedence = precedence

		if existingPrecedence, ok := winner[f.FlowID]; ok {
			if existingPrecedence == precedence {
				l.audit(audit.SeverityWarning, "flow_id_conflict", false, "", f.FlowID, "duplicate flow_id at same precedence")
				delete(flows, f.FlowID)
				continue
			}
			if existingPrecedence < precedence {
				continue // existing source has higher precedence (lower number)
			}
		}
		flows[f.FlowID] = f
		winner[f.FlowID] = precedence
	}
}

func parseFlowFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyStepDefaults(f.Steps)
	if err := validateFlow(&f); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return &f, nil
}

// defaultPriority is applied to any step or modifier that doesn't set
// one explicitly (spec §3: "priority (integer; default 50)").
const defaultPriority = 50

func applyStepDefaults(steps []Step) {
	for i := range steps {
		if steps[i].Priority == 0 {
			steps[i].Priority = defaultPriority
		}
		applyStepDefaults(steps[i].Then)
		applyStepDefaults(steps[i].Else)
	}
}

func validateFlow(f *Flow) error {
	if f.FlowID == "" {
		return fmt.Errorf("missing flow_id")
	}
	phaseSet := make(map[string]bool, len(f.Phases))
	for _, p := range f.Phases {
		phaseSet[p] = true
	}
	seen := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		if err := validateStep(s, phaseSet, seen); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Step, phaseSet map[string]bool, seen map[string]bool) error {
	if s.ID == "" {
		return fmt.Errorf("step missing id")
	}
	if seen[s.ID] {
		return fmt.Errorf("duplicate step id %q", s.ID)
	}
	seen[s.ID] = true
	if !phaseSet[s.Phase] {
		return fmt.Errorf("step %q references unknown phase %q", s.ID, s.Phase)
	}
	if !validStepTypes[s.Type] {
		return fmt.Errorf("step %q has unknown type %q", s.ID, s.Type)
	}
	return nil
}

func (l *Loader) loadModifiers() []*Modifier {
	var mods []*Modifier
	for precedence, root := range l.searchPaths {
		_ = precedence
		mods = append(mods, l.loadModifiersFromDir(filepath.Join(root, "modifiers"), "")...)
	}
	for _, ps := range l.packs {
		if !l.packApproved(ps.PackID) {
			continue
		}
		mods = append(mods, l.loadModifiersFromDir(filepath.Join(ps.Root, "flows", "modifiers"), ps.PackID)...)
	}
	return mods
}

func (l *Loader) loadModifiersFromDir(dir, packID string) []*Modifier {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []*Modifier
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".modifier.yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var m Modifier
		if err := yaml.Unmarshal(data, &m); err != nil {
			l.audit(audit.SeverityWarning, "modifier_parse_error", false, packID, "", err.Error())
			continue
		}
		if m.Priority == 0 {
			m.Priority = defaultPriority
		}
		if m.Step != nil {
			tmp := []Step{*m.Step}
			applyStepDefaults(tmp)
			*m.Step = tmp[0]
		}
		if !validActions[m.Action] {
			l.audit(audit.SeverityWarning, "modifier_invalid_action", false, packID, m.ModifierID, string(m.Action))
			continue
		}
		if m.Action != ActionAppend && m.TargetStepID == "" {
			l.audit(audit.SeverityWarning, "modifier_missing_target_step", false, packID, m.ModifierID, "")
			continue
		}
		if m.Action != ActionRemove && m.Step == nil {
			l.audit(audit.SeverityWarning, "modifier_missing_step", false, packID, m.ModifierID, "")
			continue
		}
		m.sourcePack = packID
		out = append(out, &m)
	}
	return out
}

// sortModifiers orders by (phase_index, priority asc, modifier_id asc)
// per spec §3. phase_index here is approximated by comparing phase
// names lexically within the sort since phase ordinal membership is
// Flow-specific; ties are broken by priority then modifier_id, matching
// the deterministic-apply-order requirement.
func sortModifiers(mods []*Modifier) {
	sort.SliceStable(mods, func(i, j int) bool {
		if mods[i].Phase != mods[j].Phase {
			return mods[i].Phase < mods[j].Phase
		}
		if mods[i].Priority != mods[j].Priority {
			return mods[i].Priority < mods[j].Priority
		}
		return mods[i].ModifierID < mods[j].ModifierID
	})
}

func (l *Loader) applyModifier(flows map[string]*Flow, m *Modifier) {
	targetFlowID := m.TargetFlowID
	if m.ResolveTarget != nil && m.ResolveTarget.Enabled && l.sharedDict != nil {
		ns := m.ResolveTarget.ResolveNamespace
		if ns == "" {
			ns = "flow_id"
		}
		if res, err := l.sharedDict.Resolve(ns, targetFlowID); err == nil {
			targetFlowID = res.Value
		}
	}

	if !l.requirementsMet(m) {
		l.audit(audit.SeverityInfo, "modifier_skipped_unmet_requires", true, m.sourcePack, m.ModifierID, "")
		return
	}

	f, ok := flows[targetFlowID]
	if !ok {
		l.audit(audit.SeverityWarning, "modifier_target_flow_missing", false, m.sourcePack, m.ModifierID, targetFlowID)
		return
	}

	switch m.Action {
	case ActionAppend:
		f.Steps = append(f.Steps, *m.Step)
	case ActionInjectBefore, ActionInjectAfter:
		idx := findStepIndex(f.Steps, m.TargetStepID)
		if idx < 0 {
			l.audit(audit.SeverityWarning, "modifier_target_step_missing", false, m.sourcePack, m.ModifierID, m.TargetStepID)
			return
		}
		insertAt := idx
		if m.Action == ActionInjectAfter {
			insertAt = idx + 1
		}
		f.Steps = insertStep(f.Steps, insertAt, *m.Step)
	case ActionReplace:
		idx := findStepIndex(f.Steps, m.TargetStepID)
		if idx < 0 {
			l.audit(audit.SeverityWarning, "modifier_target_step_missing", false, m.sourcePack, m.ModifierID, m.TargetStepID)
			return
		}
		f.Steps[idx] = *m.Step
	case ActionRemove:
		idx := findStepIndex(f.Steps, m.TargetStepID)
		if idx < 0 {
			l.audit(audit.SeverityWarning, "modifier_target_step_missing", false, m.sourcePack, m.ModifierID, m.TargetStepID)
			return
		}
		f.Steps = append(f.Steps[:idx], f.Steps[idx+1:]...)
	}
	l.audit(audit.SeverityInfo, "modifier_applied", true, m.sourcePack, m.ModifierID, "")
}

func (l *Loader) requirementsMet(m *Modifier) bool {
	if m.Requires == nil {
		return true
	}
	for _, iface := range m.Requires.Interfaces {
		if l.interfaces == nil || !l.interfaces[iface] {
			return false
		}
	}
	for _, cap := range m.Requires.Capabilities {
		if l.capSet == nil || !l.capSet.HasCapability(cap) {
			return false
		}
	}
	return true
}

func findStepIndex(steps []Step, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func insertStep(steps []Step, at int, s Step) []Step {
	out := make([]Step, 0, len(steps)+1)
	out = append(out, steps[:at]...)
	out = append(out, s)
	out = append(out, steps[at:]...)
	return out
}

// revalidateStepIDs re-checks step id uniqueness within a Flow after
// all Modifiers have been applied (spec §4.1 step 6). For a duplicated
// id the first step in slice order is kept and later ones are dropped,
// so a step injected before the original replaces it.
func revalidateStepIDs(f *Flow) {
	seen := make(map[string]bool, len(f.Steps))
	out := f.Steps[:0:0]
	for _, s := range f.Steps {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	f.Steps = out
}

func (l *Loader) audit(sev audit.Severity, action string, success bool, packID, flowOrModifierID, reason string) {
	if l.auditLog == nil {
		return
	}
	_ = l.auditLog.Append(audit.Entry{
		Category:        audit.CategoryFlowExec,
		Severity:        sev,
		Action:          action,
		Success:         success,
		PackID:          packID,
		FlowID:          flowOrModifierID,
		RejectionReason: reason,
	})
}
