package store

import (
	"fmt"

	aoferrors "github.com/aofdev/aof/internal/errors"
	"github.com/aofdev/aof/internal/events"
	"github.com/aofdev/aof/internal/task"
)

// AddDep records that taskID depends on blockerID. Self-dependencies,
// references to nonexistent tasks, and edges that would close a cycle
// are refused. Adding an existing edge is a no-op.
func (s *Store) AddDep(taskID, blockerID, actor string) (*task.Task, error) {
	if taskID == blockerID {
		return nil, aoferrors.ErrInvariant("self-dependency",
			fmt.Sprintf("%s cannot depend on itself", taskID))
	}

	t, status, err := s.locate(taskID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Get(blockerID); err != nil {
		return nil, err
	}
	if t.DependsOnTask(blockerID) {
		return t, nil
	}

	// Refuse the edge when blockerID already reaches taskID through the
	// existing graph; adding it would close a circular dependency.
	if cycle, path := s.wouldCycle(taskID, blockerID); cycle {
		return nil, aoferrors.ErrInvariant("circular dependency",
			fmt.Sprintf("adding %s as a blocker of %s creates a circular dependency: %s",
				blockerID, taskID, formatCycle(path)))
	}

	t.DependsOn = append(t.DependsOn, blockerID)
	t.Touch(s.now())
	if err := s.write(t, status); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskDepAdded, actor, taskID, map[string]any{"blocker": blockerID})
	return t, nil
}

// RemoveDep removes a dependency edge. Removing an absent edge is a no-op.
func (s *Store) RemoveDep(taskID, blockerID, actor string) (*task.Task, error) {
	t, status, err := s.locate(taskID)
	if err != nil {
		return nil, err
	}
	if !t.DependsOnTask(blockerID) {
		return t, nil
	}

	deps := t.DependsOn[:0]
	for _, dep := range t.DependsOn {
		if dep != blockerID {
			deps = append(deps, dep)
		}
	}
	t.DependsOn = deps
	t.Touch(s.now())
	if err := s.write(t, status); err != nil {
		return nil, err
	}
	s.emit(events.TypeTaskDepRemoved, actor, taskID, map[string]any{"blocker": blockerID})
	return t, nil
}

// wouldCycle reports whether blockerID can reach taskID by following
// depends_on edges. DFS over the current graph; missing nodes are
// treated as leaves.
func (s *Store) wouldCycle(taskID, blockerID string) (bool, []string) {
	graph := make(map[string][]string)
	all, err := s.List(nil)
	if err != nil {
		return false, nil
	}
	for _, t := range all {
		graph[t.ID] = t.DependsOn
	}

	visited := make(map[string]bool)
	var path []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		if id == taskID {
			path = append(path, id)
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, next := range graph[id] {
			if dfs(next) {
				path = append([]string{id}, path...)
				return true
			}
		}
		return false
	}
	if dfs(blockerID) {
		return true, append([]string{taskID}, path...)
	}
	return false, nil
}

// formatCycle renders a dependency path as "A -> B -> C".
func formatCycle(path []string) string {
	out := ""
	for i, id := range path {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}
