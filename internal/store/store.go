// Package store owns task persistence for aof. It is the sole authority
// for the on-disk task corpus: a directory-partitioned layout where each
// status is a directory and state transitions are atomic renames between
// them. The daemon is the single writer; external edits surface as
// validation events at parse time.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/task"
	"github.com/aofdev/aof/internal/util"
)

const (
	// TasksDirName is the tasks subdirectory under the project root.
	TasksDirName = "tasks"
	// RecordExt is the task record file extension.
	RecordExt = ".md"
)

// companionSubdirs are created alongside each task record.
var companionSubdirs = []string{"inputs", "work", "outputs", "subtasks"}

// Store is the task persistence layer. All mutations go through it so the
// on-disk invariants hold: one record per id, status matching the
// containing directory, lease present only in-progress, acyclic deps.
type Store struct {
	root   string
	log    *events.Log
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source (used in tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens a store rooted at the given project directory, creating the
// status directories when missing.
func Open(root string, log *events.Log, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		root:   root,
		log:    log,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, status := range task.ValidStatuses() {
		if err := os.MkdirAll(s.statusDir(status), 0755); err != nil {
			return nil, fmt.Errorf("create status directory %s: %w", status, err)
		}
	}
	return s, nil
}

// Root returns the project root directory.
func (s *Store) Root() string {
	return s.root
}

// TasksDir returns the tasks directory under the project root.
func (s *Store) TasksDir() string {
	return filepath.Join(s.root, TasksDirName)
}

// statusDir returns the partition directory for a status.
func (s *Store) statusDir(status task.Status) string {
	return filepath.Join(s.TasksDir(), string(status))
}

// recordPath returns the task record path within a status partition.
func (s *Store) recordPath(status task.Status, id string) string {
	return filepath.Join(s.statusDir(status), id+RecordExt)
}

// companionPath returns the sibling companion directory for a task.
func (s *Store) companionPath(status task.Status, id string) string {
	return filepath.Join(s.statusDir(status), id)
}

// RecordPath returns the on-disk path of a task's record, probing every
// status directory. Used by the dispatcher to hand the executor a path.
func (s *Store) RecordPath(id string) (string, error) {
	_, status, err := s.locate(id)
	if err != nil {
		return "", err
	}
	return s.recordPath(status, id), nil
}

// CreateSpec describes a task to create.
type CreateSpec struct {
	Title     string
	Body      string
	Project   string
	Routing   task.Routing
	Priority  task.Priority
	Tags      []string
	Metadata  map[string]string
	CreatedBy string
	ParentID  string
	DependsOn []string
	SLA       *task.SLA
	Resource  string
}

// Create assigns the next id for today's date, writes the record to
// backlog/, creates the companion directory tree, and emits task.created.
func (s *Store) Create(spec CreateSpec) (*task.Task, error) {
	// Every dependency must reference an existing task
	for _, dep := range spec.DependsOn {
		if _, err := s.Get(dep); err != nil {
			return nil, aoferrors.ErrInvariant(
				"dependency references nonexistent task",
				fmt.Sprintf("depends_on names %s, which does not exist", dep))
		}
	}
	if spec.ParentID != "" {
		if _, err := s.Get(spec.ParentID); err != nil {
			return nil, aoferrors.ErrInvariant(
				"parent references nonexistent task",
				fmt.Sprintf("parent_id names %s, which does not exist", spec.ParentID))
		}
	}

	now := s.now()
	id, err := s.nextID(now)
	if err != nil {
		return nil, err
	}

	t := task.New(id, spec.Title)
	t.Project = spec.Project
	t.Body = spec.Body
	t.Routing = spec.Routing
	t.Tags = spec.Tags
	t.ParentID = spec.ParentID
	t.DependsOn = spec.DependsOn
	t.SLA = spec.SLA
	t.Resource = spec.Resource
	t.CreatedAt = now
	t.UpdatedAt = now
	t.LastTransitionAt = now
	if spec.Priority != "" {
		if !task.IsValidPriority(spec.Priority) {
			return nil, aoferrors.ErrInvariant("invalid priority",
				fmt.Sprintf("%q is not a recognized priority", spec.Priority))
		}
		t.Priority = spec.Priority
	}
	for k, v := range spec.Metadata {
		t.SetMeta(k, v)
	}
	if spec.CreatedBy != "" {
		t.SetMeta(task.MetaCreatedBy, spec.CreatedBy)
	}
	t.RehashBody()

	if err := s.write(t, task.StatusBacklog); err != nil {
		return nil, err
	}
	for _, sub := range companionSubdirs {
		if err := os.MkdirAll(filepath.Join(s.companionPath(task.StatusBacklog, id), sub), 0755); err != nil {
			s.logger.Warn("create companion subdir failed", "task", id, "dir", sub, "error", err)
		}
	}

	s.emit(events.TypeTaskCreated, spec.CreatedBy, id, map[string]any{
		"title":    t.Title,
		"priority": string(t.GetPriority()),
		"agent":    t.Routing.Agent,
		"workflow": t.Routing.Workflow,
	})
	return t, nil
}

// Get loads a task by id, probing every status directory. Malformed
// records are skipped: the error is logged and surfaced as a
// task.validation.failed event, and the probe continues.
func (s *Store) Get(id string) (*task.Task, error) {
	t, _, err := s.locate(id)
	return t, err
}

// locate finds a task record and returns it with the status directory it
// was found under. The directory is authoritative for where the file
// lives; lint reports records whose status field disagrees.
func (s *Store) locate(id string) (*task.Task, task.Status, error) {
	for _, status := range task.ValidStatuses() {
		path := s.recordPath(status, id)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, "", fmt.Errorf("read task %s: %w", id, err)
		}
		t, err := task.Decode(data)
		if err != nil {
			s.reportParseFailure(path, err)
			continue
		}
		return t, status, nil
	}
	return nil, "", aoferrors.ErrTaskNotFound(id)
}

// GetByPrefix returns the unique task whose id starts with prefix.
// Ambiguous prefixes are an error; humans use this from the CLI.
func (s *Store) GetByPrefix(prefix string) (*task.Task, error) {
	all, err := s.List(nil)
	if err != nil {
		return nil, err
	}
	var found *task.Task
	for _, t := range all {
		if strings.HasPrefix(t.ID, prefix) {
			if found != nil {
				return nil, aoferrors.ErrInvariant("ambiguous task prefix",
					fmt.Sprintf("prefix %q matches both %s and %s", prefix, found.ID, t.ID))
			}
			found = t
		}
	}
	if found == nil {
		return nil, aoferrors.ErrTaskNotFound(prefix)
	}
	return found, nil
}

// Filter restricts a List call. Zero values match everything.
type Filter struct {
	Status task.Status
	Agent  string // lease holder
	Team   string // routing team
}

// List returns all tasks, optionally filtered. Parse failures are
// non-fatal: the affected file is excluded, logged to stderr, and
// surfaced as task.validation.failed.
func (s *Store) List(f *Filter) ([]*task.Task, error) {
	statuses := task.ValidStatuses()
	if f != nil && f.Status != "" {
		statuses = []task.Status{f.Status}
	}

	var out []*task.Task
	for _, status := range statuses {
		entries, err := os.ReadDir(s.statusDir(status))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read status directory %s: %w", status, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), RecordExt) {
				continue
			}
			path := filepath.Join(s.statusDir(status), entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				s.logger.Warn("read task record failed", "path", path, "error", err)
				continue
			}
			t, err := task.Decode(data)
			if err != nil {
				s.reportParseFailure(path, err)
				continue
			}
			if f != nil {
				if f.Agent != "" && (t.Lease == nil || t.Lease.Agent != f.Agent) {
					continue
				}
				if f.Team != "" && t.Routing.Team != f.Team {
					continue
				}
			}
			out = append(out, t)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Put persists an already-loaded task in place, without changing its
// status partition. Used by the lease manager and gate engine for
// mutations that do not move the record.
func (s *Store) Put(t *task.Task) error {
	_, status, err := s.locate(t.ID)
	if err != nil {
		return err
	}
	t.Touch(s.now())
	return s.write(t, status)
}

// write atomically serializes the task record into the given partition.
func (s *Store) write(t *task.Task, status task.Status) error {
	data, err := task.Encode(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := util.AtomicWriteFile(s.recordPath(status, t.ID), data, 0644); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// reportParseFailure logs a malformed record and emits a validation event.
func (s *Store) reportParseFailure(path string, err error) {
	s.logger.Error("task record failed validation", "path", path, "error", err)
	s.emit(events.TypeValidationFailed, "store", idFromPath(path), map[string]any{
		"path":  path,
		"error": err.Error(),
	})
}

// idFromPath derives a best-effort task id from a record path.
func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), RecordExt)
}

// emit appends an event to the log; append failures never abort the
// operation that triggered them.
func (s *Store) emit(eventType events.Type, actor, taskID string, payload map[string]any) {
	if s.log == nil {
		return
	}
	if actor == "" {
		actor = "store"
	}
	_ = s.log.Append(events.Event{
		EventID:   events.New(eventType, actor, taskID, payload).EventID,
		Type:      eventType,
		Timestamp: s.now(),
		Actor:     actor,
		TaskID:    taskID,
		Payload:   payload,
	})
}
