// Package project loads and validates the per-project manifest: team
// membership, routing defaults, and workflow definitions with their
// gate sequences. Predicates are compiled at load time so the gate
// engine never parses strings on the hot path.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/task"
	"github.com/aofdev/aof/internal/util"
)

// ManifestFileName is the manifest file looked up under the project root.
const ManifestFileName = "project.yaml"

// RejectionStrategy selects where needs_review rewinds a task to.
type RejectionStrategy string

const (
	// RejectToOrigin rewinds to the first gate of the workflow.
	RejectToOrigin RejectionStrategy = "origin"
	// RejectToPrevious rewinds to the gate immediately before the
	// rejecting one.
	RejectToPrevious RejectionStrategy = "previous"
)

// GateDef is one checkpoint in a workflow.
type GateDef struct {
	ID         string        `yaml:"id"`
	Role       string        `yaml:"role"`
	CanReject  bool          `yaml:"can_reject,omitempty"`
	Timeout    util.Duration `yaml:"timeout,omitempty"`
	EscalateTo string        `yaml:"escalate_to,omitempty"`
	When       string        `yaml:"when,omitempty"`

	whenExpr Expr
}

// Applies evaluates the gate's `when` predicate against a task view.
// A gate without a predicate always applies.
func (g *GateDef) Applies(v View) bool {
	if g.whenExpr == nil {
		return true
	}
	return g.whenExpr.Eval(v)
}

// Workflow is an ordered gate sequence. The first gate is the implicit
// entry point; completing the last gate finishes the task.
type Workflow struct {
	Name              string            `yaml:"name"`
	RejectionStrategy RejectionStrategy `yaml:"rejection_strategy"`
	Gates             []GateDef         `yaml:"gates"`
}

// GateIndex returns the declaration-order index of a gate, or -1.
func (w *Workflow) GateIndex(id string) int {
	for i := range w.Gates {
		if w.Gates[i].ID == id {
			return i
		}
	}
	return -1
}

// Gate returns the gate definition by id.
func (w *Workflow) Gate(id string) (*GateDef, bool) {
	if i := w.GateIndex(id); i >= 0 {
		return &w.Gates[i], true
	}
	return nil, false
}

// First returns the entry gate.
func (w *Workflow) First() *GateDef {
	return &w.Gates[0]
}

// IsLast reports whether the gate is the final one.
func (w *Workflow) IsLast(id string) bool {
	i := w.GateIndex(id)
	return i >= 0 && i == len(w.Gates)-1
}

// Manifest is the per-project document: ownership, participants, and
// workflows.
type Manifest struct {
	ID           string       `yaml:"id"`
	Title        string       `yaml:"title"`
	Status       string       `yaml:"status,omitempty"`
	Type         string       `yaml:"type,omitempty"`
	Owner        string       `yaml:"owner,omitempty"`
	Participants []string     `yaml:"participants,omitempty"`
	Routing      task.Routing `yaml:"routing,omitempty"`
	Workflows    []Workflow   `yaml:"workflows,omitempty"`
}

// Workflow returns the named workflow definition.
func (m *Manifest) Workflow(name string) (*Workflow, bool) {
	for i := range m.Workflows {
		if m.Workflows[i].Name == name {
			return &m.Workflows[i], true
		}
	}
	return nil, false
}

// IsParticipant reports whether agent may be dispatched to. An empty
// participant list admits everyone.
func (m *Manifest) IsParticipant(agent string) bool {
	if m == nil || len(m.Participants) == 0 {
		return true
	}
	for _, p := range m.Participants {
		if p == agent {
			return true
		}
	}
	return false
}

// Load reads and validates a manifest file. Workflow predicates are
// compiled here; a bad predicate fails the load rather than a later
// tick.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, aoferrors.ErrConfigInvalid("manifest", err.Error()).WithCause(err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadDir loads the manifest from root when one exists; a missing
// manifest is not an error, projects without workflows run fine.
func LoadDir(root string) (*Manifest, error) {
	path := filepath.Join(root, ManifestFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return Load(path)
}

func (m *Manifest) validate() error {
	seen := make(map[string]bool)
	for wi := range m.Workflows {
		w := &m.Workflows[wi]
		if w.Name == "" {
			return aoferrors.ErrConfigInvalid("workflows", "workflow without a name")
		}
		if seen[w.Name] {
			return aoferrors.ErrConfigInvalid("workflows",
				fmt.Sprintf("duplicate workflow %q", w.Name))
		}
		seen[w.Name] = true

		if len(w.Gates) == 0 {
			return aoferrors.ErrConfigInvalid("workflows",
				fmt.Sprintf("workflow %q has no gates", w.Name))
		}
		switch w.RejectionStrategy {
		case RejectToOrigin, RejectToPrevious:
		case "":
			w.RejectionStrategy = RejectToOrigin
		default:
			return aoferrors.ErrConfigInvalid("workflows",
				fmt.Sprintf("workflow %q: unknown rejection strategy %q", w.Name, w.RejectionStrategy))
		}

		gateIDs := make(map[string]bool)
		for gi := range w.Gates {
			g := &w.Gates[gi]
			if g.ID == "" {
				return aoferrors.ErrConfigInvalid("workflows",
					fmt.Sprintf("workflow %q: gate %d has no id", w.Name, gi))
			}
			if gateIDs[g.ID] {
				return aoferrors.ErrConfigInvalid("workflows",
					fmt.Sprintf("workflow %q: duplicate gate %q", w.Name, g.ID))
			}
			gateIDs[g.ID] = true
			if g.Role == "" {
				return aoferrors.ErrConfigInvalid("workflows",
					fmt.Sprintf("workflow %q: gate %q has no role", w.Name, g.ID))
			}
			if g.Timeout > 0 && g.EscalateTo == "" {
				return aoferrors.ErrConfigInvalid("workflows",
					fmt.Sprintf("workflow %q: gate %q has a timeout but no escalate_to", w.Name, g.ID))
			}
			if g.When != "" {
				expr, err := ParsePredicate(g.When)
				if err != nil {
					return aoferrors.ErrConfigInvalid("workflows",
						fmt.Sprintf("workflow %q: gate %q: %v", w.Name, g.ID, err))
				}
				g.whenExpr = expr
			}
		}
	}
	return nil
}
