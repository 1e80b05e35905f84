// Package registry is the immutable catalog of workflow definitions,
// loaded once at process start. New content ships as a new catalog
// snapshot; there is no runtime mutation.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"successhub/engine/internal/template"
	"successhub/engine/pkg/models"
)

// Registry maps definition ids to immutable workflow definitions.
type Registry struct {
	defs map[string]*models.Definition
}

// Load reads every *.yaml file in dir (one definition per file), validates
// it, and returns the sealed registry.
func Load(dir string) (*Registry, error) {
	pattern := filepath.Join(dir, "*.yaml")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("scanning catalog dir: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no definitions found in %s", dir)
	}
	sort.Strings(files)

	r := &Registry{defs: make(map[string]*models.Definition)}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f, err)
		}
		def, err := parseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(f), err)
		}
		if _, exists := r.defs[def.ID]; exists {
			return nil, fmt.Errorf("duplicate definition id %q in %s", def.ID, filepath.Base(f))
		}
		r.defs[def.ID] = def
	}
	return r, nil
}

func parseDefinition(data []byte) (*models.Definition, error) {
	var def models.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}

	// Second decode keeps the raw step maps for whole-step rendering.
	var raw struct {
		Steps []map[string]any `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("definition id is required")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("definition name is required")
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("definition %q has no steps", def.ID)
	}

	seen := map[string]bool{}
	for i := range def.Steps {
		step := &def.Steps[i]
		step.Index = i
		step.Raw = raw.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			return nil, fmt.Errorf("definition %q: steps[%d] has no id", def.ID, i)
		}
		if seen[step.ID] {
			return nil, fmt.Errorf("definition %q: duplicate step id %q", def.ID, step.ID)
		}
		seen[step.ID] = true
		if err := validateDialog(def.ID, step); err != nil {
			return nil, err
		}
	}
	return &def, nil
}

func validateDialog(defID string, step *models.Step) error {
	if len(step.Dialog.Branches) == 0 {
		return fmt.Errorf("definition %q: step %q has no branches", defID, step.ID)
	}
	if _, ok := step.Dialog.Branches["default"]; !ok {
		return fmt.Errorf("definition %q: step %q is missing the default branch", defID, step.ID)
	}
	normalized := make(map[string]models.Branch, len(step.Dialog.Branches))
	for trigger, branch := range step.Dialog.Branches {
		key := trigger
		if key != "default" {
			key = NormalizeTrigger(trigger)
			if key == "" {
				return fmt.Errorf("definition %q: step %q has an empty trigger", defID, step.ID)
			}
		}
		for _, a := range branch.Actions {
			switch a.Type {
			case models.BranchAdvanceStep, models.BranchCompleteWorkflow, models.BranchNoop:
			case models.BranchSetVariable:
				if a.Key == "" {
					return fmt.Errorf("definition %q: step %q: set_variable requires a key", defID, step.ID)
				}
			default:
				return fmt.Errorf("definition %q: step %q: unsupported branch action %q", defID, step.ID, a.Type)
			}
		}
		if _, dup := normalized[key]; dup {
			return fmt.Errorf("definition %q: step %q: trigger %q collides after normalization", defID, step.ID, trigger)
		}
		normalized[key] = branch
	}
	step.Dialog.Branches = normalized
	return nil
}

// Get returns the definition for id.
func (r *Registry) Get(id string) (*models.Definition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, fmt.Errorf("unknown workflow definition %q", id)
	}
	return def, nil
}

// GetStep returns the step at index within definition id.
func (r *Registry) GetStep(id string, index int) (*models.Step, error) {
	def, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(def.Steps) {
		return nil, fmt.Errorf("definition %q has no step %d", id, index)
	}
	return &def.Steps[index], nil
}

// StepCount returns the number of steps in definition id.
func (r *Registry) StepCount(id string) (int, error) {
	def, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return len(def.Steps), nil
}

// IDs returns the catalog's definition ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveBranch dispatches a caller-supplied trigger value (a button value
// or a normalized natural-language phrase) to a branch: exact match on the
// normalized trigger, else the step's default branch. Dispatch never
// silently no-ops.
func (r *Registry) ResolveBranch(step *models.Step, trigger string) models.Branch {
	if b, ok := step.Dialog.Branches[NormalizeTrigger(trigger)]; ok {
		return b
	}
	return step.Dialog.Branches["default"]
}

// RenderStep resolves the entire step configuration against ctx in one
// pass, with the definition's per-step defaults merged in underneath.
func (r *Registry) RenderStep(defID string, index int, ctx map[string]any) (map[string]any, []template.Warning) {
	def, err := r.Get(defID)
	if err != nil {
		return nil, []template.Warning{{Expr: defID, Err: err}}
	}
	if index < 0 || index >= len(def.Steps) {
		return nil, []template.Warning{{Expr: defID, Err: fmt.Errorf("no step %d", index)}}
	}
	step := def.Steps[index]

	merged := make(map[string]any, len(ctx)+1)
	for k, v := range def.Defaults[step.ID] {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	rendered, warnings := template.ResolveObject(step.Raw, merged)
	out, _ := rendered.(map[string]any)
	return out, warnings
}

var spaceRe = regexp.MustCompile(`\s+`)

// NormalizeTrigger folds a trigger value so natural-language phrases alias
// onto their button value: lowercase, trimmed, inner whitespace collapsed,
// trailing punctuation stripped.
func NormalizeTrigger(trigger string) string {
	t := strings.ToLower(strings.TrimSpace(trigger))
	t = spaceRe.ReplaceAllString(t, " ")
	return strings.TrimRight(t, "!.?,")
}
