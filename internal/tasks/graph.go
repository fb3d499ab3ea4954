package tasks

import (
	"text2tasks/internal/domain"
)

// Edge is a depends-on relation: Task depends on DependsOn.
type Edge struct {
	Task      string `json:"task"`
	DependsOn string `json:"depends_on"`
}

// Graph answers dependency questions over a Store and is the only writer of
// depends-on edges. It keeps a reverse index (dependency -> dependents) in step
// with every add and remove. Use one Graph per Store.
type Graph struct {
	store      *Store
	dependents map[string]map[string]struct{}
}

// Build creates a Graph over the tasks already in store, typically restored
// from persistence. It fails if an edge names an unknown task or if the
// restored edges contain a cycle.
func Build(store *Store) (*Graph, error) {
	g := &Graph{store: store, dependents: make(map[string]map[string]struct{})}
	for id, r := range store.records {
		for dep := range r.deps {
			if _, ok := store.records[dep]; !ok {
				return nil, &domain.TaskNotFoundError{ID: dep}
			}
			g.index(id, dep)
		}
	}
	if from, to, ok := g.findCycle(); ok {
		return nil, &domain.CycleDetectedError{TaskID: from, DependsOn: to}
	}
	return g, nil
}

// AddDependency records that task depends on dependsOn. The edge is rejected
// before insertion if dependsOn can already reach task, or if task is done and
// dependsOn is not. Adding an existing edge is a no-op.
func (g *Graph) AddDependency(task, dependsOn string) error {
	if task == dependsOn {
		return &domain.SelfDependencyError{TaskID: task}
	}
	r, err := g.store.lookup(task)
	if err != nil {
		return err
	}
	d, err := g.store.lookup(dependsOn)
	if err != nil {
		return err
	}
	if _, ok := r.deps[dependsOn]; ok {
		return nil
	}
	if r.task.Status == domain.StatusDone && d.task.Status != domain.StatusDone {
		return &domain.DependencyNotSatisfiedError{TaskID: task, Pending: []string{dependsOn}}
	}
	if g.reaches(dependsOn, task) {
		return &domain.CycleDetectedError{TaskID: task, DependsOn: dependsOn}
	}
	r.deps[dependsOn] = struct{}{}
	g.index(task, dependsOn)
	g.store.touch(r)
	return nil
}

// RemoveDependency deletes the edge if present. Removing a missing edge,
// including one that names an unknown dependency, changes nothing.
func (g *Graph) RemoveDependency(task, dependsOn string) error {
	r, err := g.store.lookup(task)
	if err != nil {
		return err
	}
	if _, ok := r.deps[dependsOn]; !ok {
		return nil
	}
	delete(r.deps, dependsOn)
	g.unindex(task, dependsOn)
	g.store.touch(r)
	return nil
}

// Depth is the length of the longest dependency chain below a task.
func (g *Graph) Depth(id string) (int, error) {
	if _, err := g.store.lookup(id); err != nil {
		return 0, err
	}
	memo := make(map[string]int)
	onPath := make(map[string]bool)
	return g.depth(id, memo, onPath), nil
}

func (g *Graph) depth(id string, memo map[string]int, onPath map[string]bool) int {
	if d, ok := memo[id]; ok {
		return d
	}
	// A node already on the current path means a cycle slipped past insertion.
	// Treat the back edge as a leaf instead of recursing forever.
	if onPath[id] {
		return 0
	}
	r, ok := g.store.records[id]
	if !ok {
		return 0
	}
	onPath[id] = true
	best := 0
	for dep := range r.deps {
		if d := g.depth(dep, memo, onPath) + 1; d > best {
			best = d
		}
	}
	onPath[id] = false
	memo[id] = best
	return best
}

// Blockers returns the direct dependencies that are not done, in id order.
func (g *Graph) Blockers(id string) ([]domain.Task, error) {
	r, err := g.store.lookup(id)
	if err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, dep := range r.depIDs() {
		d, ok := g.store.records[dep]
		if ok && d.task.Status != domain.StatusDone {
			out = append(out, d.view())
		}
	}
	return out, nil
}

// IsCriticalPath flags a task as high-impact. It is a heuristic: true when the
// task is blocked, when a direct dependency is not done, or when a high or
// urgent task has any unfinished task anywhere below it.
func (g *Graph) IsCriticalPath(id string) (bool, error) {
	r, err := g.store.lookup(id)
	if err != nil {
		return false, err
	}
	if r.task.Status == domain.StatusBlocked {
		return true, nil
	}
	for dep := range r.deps {
		if d, ok := g.store.records[dep]; ok && d.task.Status != domain.StatusDone {
			return true, nil
		}
	}
	if !r.task.Priority.Elevated() {
		return false, nil
	}
	unmet := false
	g.walkDependencies(id, func(d *record) bool {
		if d.task.Status != domain.StatusDone {
			unmet = true
			return false
		}
		return true
	})
	return unmet, nil
}

// Dependents returns the tasks that list id in their depends-on set, in id order.
func (g *Graph) Dependents(id string) ([]domain.Task, error) {
	if _, err := g.store.lookup(id); err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, dep := range sortedKeys(g.dependents[id]) {
		if r, ok := g.store.records[dep]; ok {
			out = append(out, r.view())
		}
	}
	return out, nil
}

// Edges returns every edge sorted by task, then dependency.
func (g *Graph) Edges() []Edge {
	ids := make([]string, 0, len(g.store.records))
	for id := range g.store.records {
		ids = append(ids, id)
	}
	var out []Edge
	for _, id := range sortedKeys(toSet(ids)) {
		for _, dep := range g.store.records[id].depIDs() {
			out = append(out, Edge{Task: id, DependsOn: dep})
		}
	}
	return out
}

// Node is one task in a View.
type Node struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Status   domain.Status   `json:"status"`
	Priority domain.Priority `json:"priority"`
	Depth    int             `json:"depth"`
	Critical bool            `json:"critical"`
}

// View is a snapshot of the graph. Roots have no dependencies and leaves have
// no dependents inside the view.
type View struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Roots    []string `json:"roots"`
	Leaves   []string `json:"leaves"`
	MaxDepth int      `json:"max_depth"`
}

// View returns the tasks named by ids together with everything below them, or
// the whole graph when ids is empty. Nodes, roots and leaves are in id order.
func (g *Graph) View(ids ...string) (View, error) {
	selected := make(map[string]struct{}, len(g.store.records))
	if len(ids) == 0 {
		for id := range g.store.records {
			selected[id] = struct{}{}
		}
	}
	for _, id := range ids {
		if _, err := g.store.lookup(id); err != nil {
			return View{}, err
		}
		selected[id] = struct{}{}
		g.walkDependencies(id, func(r *record) bool {
			selected[r.task.ID] = struct{}{}
			return true
		})
	}

	v := View{Nodes: []Node{}, Edges: []Edge{}, Roots: []string{}, Leaves: []string{}}
	hasDependent := make(map[string]bool)
	memo := make(map[string]int)
	for _, id := range sortedKeys(selected) {
		r := g.store.records[id]
		critical, _ := g.IsCriticalPath(id)
		n := Node{
			ID:       id,
			Title:    r.task.Title,
			Status:   r.task.Status,
			Priority: r.task.Priority,
			Depth:    g.depth(id, memo, make(map[string]bool)),
			Critical: critical,
		}
		v.Nodes = append(v.Nodes, n)
		if n.Depth > v.MaxDepth {
			v.MaxDepth = n.Depth
		}
		deps := r.depIDs()
		if len(deps) == 0 {
			v.Roots = append(v.Roots, id)
		}
		for _, dep := range deps {
			v.Edges = append(v.Edges, Edge{Task: id, DependsOn: dep})
			hasDependent[dep] = true
		}
	}
	for _, n := range v.Nodes {
		if !hasDependent[n.ID] {
			v.Leaves = append(v.Leaves, n.ID)
		}
	}
	return v, nil
}

// reaches reports whether target is reachable from start along depends-on edges.
func (g *Graph) reaches(start, target string) bool {
	if start == target {
		return true
	}
	found := false
	g.walkDependencies(start, func(r *record) bool {
		if r.task.ID == target {
			found = true
			return false
		}
		return true
	})
	return found
}

// walkDependencies visits every task below start once, breadth first. visit
// returns false to stop the walk.
func (g *Graph) walkDependencies(start string, visit func(*record) bool) {
	r, ok := g.store.records[start]
	if !ok {
		return
	}
	seen := map[string]bool{start: true}
	queue := r.depIDs()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		d, ok := g.store.records[id]
		if !ok {
			continue
		}
		if !visit(d) {
			return
		}
		queue = append(queue, d.depIDs()...)
	}
}

// findCycle runs a three-color DFS and returns one back edge if any.
func (g *Graph) findCycle() (string, string, bool) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.store.records))
	var from, to string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range g.store.records[id].depIDs() {
			switch color[dep] {
			case gray:
				from, to = id, dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	ids := make([]string, 0, len(g.store.records))
	for id := range g.store.records {
		ids = append(ids, id)
	}
	for _, id := range sortedKeys(toSet(ids)) {
		if color[id] == white && visit(id) {
			return from, to, true
		}
	}
	return "", "", false
}

func (g *Graph) index(task, dependsOn string) {
	set, ok := g.dependents[dependsOn]
	if !ok {
		set = make(map[string]struct{})
		g.dependents[dependsOn] = set
	}
	set[task] = struct{}{}
}

func (g *Graph) unindex(task, dependsOn string) {
	set, ok := g.dependents[dependsOn]
	if !ok {
		return
	}
	delete(set, task)
	if len(set) == 0 {
		delete(g.dependents, dependsOn)
	}
}
