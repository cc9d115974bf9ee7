package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aofdev/aof/internal/task"
)

// IssueKind classifies a lint finding.
type IssueKind string

const (
	IssueParseError     IssueKind = "parse_error"
	IssueStatusMismatch IssueKind = "status_mismatch"
	IssueStrayLease     IssueKind = "stray_lease"
	IssueStrayLocation  IssueKind = "stray_location"
	IssueHashMismatch   IssueKind = "hash_mismatch"
	IssueMissingDep     IssueKind = "missing_dep"
)

// Issue is one lint finding against the on-disk corpus.
type Issue struct {
	Kind    IssueKind
	Path    string
	TaskID  string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s (%s)", i.Kind, i.Message, i.Path)
}

// Lint sweeps every record under tasks/ and reports invariant
// violations: records whose status field disagrees with their
// directory, leases outside in-progress, records in non-standard
// directories, parse failures, stale content hashes, and dependencies
// on tasks that no longer exist. Lint never mutates; repairs are the
// operator's call.
func (s *Store) Lint() ([]Issue, error) {
	fsys := os.DirFS(s.TasksDir())
	matches, err := doublestar.Glob(fsys, "**/*"+RecordExt)
	if err != nil {
		return nil, fmt.Errorf("glob task records: %w", err)
	}

	known := make(map[string]bool)
	var issues []Issue
	type parsed struct {
		t    *task.Task
		path string
	}
	var records []parsed

	for _, rel := range matches {
		abs := filepath.Join(s.TasksDir(), rel)
		parts := strings.Split(rel, "/")

		// tasks/<status>/<id>.md is the only sanctioned layout; anything
		// deeper or shallower is a stray. Companion subdirectories hold
		// artifacts, not records.
		if len(parts) != 2 {
			issues = append(issues, Issue{
				Kind:    IssueStrayLocation,
				Path:    abs,
				TaskID:  idFromPath(abs),
				Message: fmt.Sprintf("record outside a status directory: %s", rel),
			})
			continue
		}
		dirStatus := task.Status(parts[0])
		if !task.IsValidStatus(dirStatus) {
			issues = append(issues, Issue{
				Kind:    IssueStrayLocation,
				Path:    abs,
				TaskID:  idFromPath(abs),
				Message: fmt.Sprintf("%q is not a status directory", parts[0]),
			})
			continue
		}

		data, err := os.ReadFile(abs)
		if err != nil {
			issues = append(issues, Issue{
				Kind:    IssueParseError,
				Path:    abs,
				TaskID:  idFromPath(abs),
				Message: err.Error(),
			})
			continue
		}
		t, err := task.Decode(data)
		if err != nil {
			issues = append(issues, Issue{
				Kind:    IssueParseError,
				Path:    abs,
				TaskID:  idFromPath(abs),
				Message: err.Error(),
			})
			continue
		}
		known[t.ID] = true
		records = append(records, parsed{t: t, path: abs})

		if t.Status != dirStatus {
			issues = append(issues, Issue{
				Kind:   IssueStatusMismatch,
				Path:   abs,
				TaskID: t.ID,
				Message: fmt.Sprintf("record says %s but lives under %s/",
					t.Status, dirStatus),
			})
		}
		if t.Lease != nil && dirStatus != task.StatusInProgress {
			issues = append(issues, Issue{
				Kind:    IssueStrayLease,
				Path:    abs,
				TaskID:  t.ID,
				Message: fmt.Sprintf("lease held by %s on a %s task", t.Lease.Agent, dirStatus),
			})
		}
		if t.ContentHash != "" && t.ContentHash != task.HashBody(t.Body) {
			issues = append(issues, Issue{
				Kind:    IssueHashMismatch,
				Path:    abs,
				TaskID:  t.ID,
				Message: "content hash does not match body; out-of-band edit",
			})
		}
	}

	for _, r := range records {
		for _, dep := range r.t.DependsOn {
			if !known[dep] {
				issues = append(issues, Issue{
					Kind:    IssueMissingDep,
					Path:    r.path,
					TaskID:  r.t.ID,
					Message: fmt.Sprintf("depends on %s, which does not exist", dep),
				})
			}
		}
	}
	return issues, nil
}
