package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is an immutable workflow template: an ordered sequence of
// steps instantiated against a subject entity. Definitions never change
// after the registry loads them; new content ships as a new catalog
// snapshot.
type Definition struct {
	ID       string                    `yaml:"id" json:"id"`
	Name     string                    `yaml:"name" json:"name"`
	Category string                    `yaml:"category" json:"category"`
	Steps    []Step                    `yaml:"steps" json:"steps"`
	Defaults map[string]map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// StepIDs returns the ordered step ids.
func (d *Definition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Step is one ordered unit of a definition: a dialog/branch spec plus an
// optional read-only artifact.
type Step struct {
	ID       string    `yaml:"id" json:"id"`
	Label    string    `yaml:"label" json:"label"`
	Index    int       `yaml:"-" json:"index"`
	Dialog   Dialog    `yaml:"dialog" json:"dialog"`
	Artifact *Artifact `yaml:"artifact,omitempty" json:"artifact,omitempty"`

	// Raw holds the step's configuration as loaded, for whole-step
	// template rendering.
	Raw map[string]any `yaml:"-" json:"-"`
}

// Dialog pairs an initial message with a trigger-to-branch dispatch table.
// The "default" branch is mandatory so dispatch never silently no-ops.
type Dialog struct {
	Message  string            `yaml:"message" json:"message"`
	Branches map[string]Branch `yaml:"branches" json:"branches"`
}

// Branch is the outcome of one trigger value: response template text plus
// the ordered structural actions applied alongside the state transition.
type Branch struct {
	Response string         `yaml:"response" json:"response"`
	Actions  []BranchAction `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// BranchActionType enumerates the structural branch actions.
type BranchActionType string

const (
	BranchAdvanceStep      BranchActionType = "advance_step"
	BranchSetVariable      BranchActionType = "set_variable"
	BranchCompleteWorkflow BranchActionType = "complete_workflow"
	BranchNoop             BranchActionType = "noop"
)

// BranchAction is one structural action attached to a branch. Key/Value are
// only meaningful for set_variable; Value is template text resolved at
// apply time.
type BranchAction struct {
	Type  BranchActionType `yaml:"type" json:"type"`
	Key   string           `yaml:"key,omitempty" json:"key,omitempty"`
	Value string           `yaml:"value,omitempty" json:"value,omitempty"`
}

// ArtifactType discriminates the artifact tagged union.
type ArtifactType string

const (
	ArtifactDocument   ArtifactType = "document"
	ArtifactTable      ArtifactType = "table"
	ArtifactChecklist  ArtifactType = "checklist"
	ArtifactStatusGrid ArtifactType = "status_grid"
)

// Artifact is a tagged union keyed by Type; exactly one variant field is
// set, carrying only that variant's fields.
type Artifact struct {
	Type       ArtifactType        `json:"type"`
	Document   *DocumentArtifact   `json:"document,omitempty"`
	Table      *TableArtifact      `json:"table,omitempty"`
	Checklist  *ChecklistArtifact  `json:"checklist,omitempty"`
	StatusGrid *StatusGridArtifact `json:"status_grid,omitempty"`
}

// DocumentArtifact is prose content rendered read-only next to a step.
type DocumentArtifact struct {
	Title string `yaml:"title" json:"title"`
	Body  string `yaml:"body" json:"body"`
}

// TableArtifact is tabular content.
type TableArtifact struct {
	Columns []string   `yaml:"columns" json:"columns"`
	Rows    [][]string `yaml:"rows" json:"rows"`
}

// ChecklistArtifact is a list of check items.
type ChecklistArtifact struct {
	Items []ChecklistItem `yaml:"items" json:"items"`
}

// ChecklistItem is one entry of a checklist artifact.
type ChecklistItem struct {
	Label string `yaml:"label" json:"label"`
	Done  bool   `yaml:"done,omitempty" json:"done"`
}

// StatusGridArtifact is a grid of labelled status cells.
type StatusGridArtifact struct {
	Cells []StatusCell `yaml:"cells" json:"cells"`
}

// StatusCell is one cell of a status grid.
type StatusCell struct {
	Label  string `yaml:"label" json:"label"`
	Status string `yaml:"status" json:"status"`
}

// UnmarshalYAML decodes the artifact union: the variant's fields sit inline
// under the artifact node and are decoded into the struct selected by type.
func (a *Artifact) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Type ArtifactType `yaml:"type"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}
	a.Type = head.Type
	switch head.Type {
	case ArtifactDocument:
		var v DocumentArtifact
		if err := value.Decode(&v); err != nil {
			return err
		}
		a.Document = &v
	case ArtifactTable:
		var v TableArtifact
		if err := value.Decode(&v); err != nil {
			return err
		}
		a.Table = &v
	case ArtifactChecklist:
		var v ChecklistArtifact
		if err := value.Decode(&v); err != nil {
			return err
		}
		a.Checklist = &v
	case ArtifactStatusGrid:
		var v StatusGridArtifact
		if err := value.Decode(&v); err != nil {
			return err
		}
		a.StatusGrid = &v
	default:
		return fmt.Errorf("unsupported artifact type: %q", head.Type)
	}
	return nil
}
