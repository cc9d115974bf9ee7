// Package analyze builds a per-poll snapshot of the task graph: parent
// and dependency relationships, concurrency counts, and resource claims.
// The planner consults the snapshot instead of re-reading the corpus
// for every candidate.
package analyze

import (
	"sort"

	"github.com/aofdev/aof/internal/task"
)

// Analysis is a read-only view over one poll's task listing.
type Analysis struct {
	// ByID indexes every task in the snapshot.
	ByID map[string]*task.Task
	// ChildrenByParent maps a parent id to its subtasks.
	ChildrenByParent map[string][]*task.Task
	// InProgressTotal counts tasks currently in-progress.
	InProgressTotal int
	// InProgressByTeam counts in-progress tasks per routing team.
	InProgressByTeam map[string]int
	// OccupiedResources maps a claimed resource to the in-progress task
	// holding it.
	OccupiedResources map[string]string
	// CircularDeps lists dependency cycles found in the graph, one slice
	// per cycle. Cycles cannot be created through the store; their
	// presence means the corpus was edited out-of-band.
	CircularDeps [][]string
}

// Build computes the snapshot from a full task listing.
func Build(tasks []*task.Task) *Analysis {
	a := &Analysis{
		ByID:              make(map[string]*task.Task, len(tasks)),
		ChildrenByParent:  make(map[string][]*task.Task),
		InProgressByTeam:  make(map[string]int),
		OccupiedResources: make(map[string]string),
	}

	for _, t := range tasks {
		a.ByID[t.ID] = t
		if t.ParentID != "" {
			a.ChildrenByParent[t.ParentID] = append(a.ChildrenByParent[t.ParentID], t)
		}
		if t.Status == task.StatusInProgress {
			a.InProgressTotal++
			if t.Routing.Team != "" {
				a.InProgressByTeam[t.Routing.Team]++
			}
			if t.Resource != "" {
				a.OccupiedResources[t.Resource] = t.ID
			}
		}
	}
	a.CircularDeps = findCycles(a.ByID)
	return a
}

// DepsSatisfied reports whether every dependency of t exists and is
// done. A dangling reference counts as unsatisfied; the task stays
// undispatched until lint finds the problem.
func (a *Analysis) DepsSatisfied(t *task.Task) bool {
	for _, dep := range t.DependsOn {
		blocker, ok := a.ByID[dep]
		if !ok || blocker.Status != task.StatusDone {
			return false
		}
	}
	return true
}

// SubtasksDone reports whether every child of t is done. A task with no
// children is trivially ready.
func (a *Analysis) SubtasksDone(t *task.Task) bool {
	for _, child := range a.ChildrenByParent[t.ID] {
		if child.Status != task.StatusDone {
			return false
		}
	}
	return true
}

// ResourceFree reports whether t's claimed resource is unoccupied (or t
// claims nothing).
func (a *Analysis) ResourceFree(t *task.Task) bool {
	if t.Resource == "" {
		return true
	}
	holder, occupied := a.OccupiedResources[t.Resource]
	return !occupied || holder == t.ID
}

// findCycles detects dependency cycles with a three-color DFS.
func findCycles(byID map[string]*task.Task) [][]string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(byID))
	onPath := make(map[string]int) // id -> index in path
	var path []string
	var cycles [][]string

	var dfs func(id string)
	dfs = func(id string) {
		color[id] = gray
		onPath[id] = len(path)
		path = append(path, id)

		t := byID[id]
		if t != nil {
			for _, dep := range t.DependsOn {
				if _, ok := byID[dep]; !ok {
					continue
				}
				switch color[dep] {
				case white:
					dfs(dep)
				case gray:
					start := onPath[dep]
					cycle := append([]string(nil), path[start:]...)
					cycles = append(cycles, cycle)
				}
			}
		}

		path = path[:len(path)-1]
		delete(onPath, id)
		color[id] = black
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white {
			dfs(id)
		}
	}
	return cycles
}
