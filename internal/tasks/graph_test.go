package tasks

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"text2tasks/internal/domain"
)

func newTestGraph(t *testing.T, ids ...string) (*Store, *Graph) {
	t.Helper()
	s, _ := newTestStore(t)
	for _, id := range ids {
		mustCreate(t, s, id)
	}
	g, err := Build(s)
	require.NoError(t, err)
	return s, g
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s, g := newTestGraph(t, "A", "B", "C")
	require.NoError(t, g.AddDependency("A", "B"))
	require.NoError(t, g.AddDependency("B", "C"))

	edgesBefore := g.Edges()
	cBefore, _ := s.Get("C")

	err := g.AddDependency("C", "A")
	var cycle *domain.CycleDetectedError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, "C", cycle.TaskID)
	assert.Equal(t, "A", cycle.DependsOn)

	assert.Equal(t, edgesBefore, g.Edges())
	cAfter, _ := s.Get("C")
	assert.Equal(t, cBefore, cAfter)
	dependents, err := g.Dependents("A")
	require.NoError(t, err)
	assert.Empty(t, dependents)
}

func TestAddDependencyTwoNodeCycle(t *testing.T) {
	_, g := newTestGraph(t, "A", "B")
	require.NoError(t, g.AddDependency("A", "B"))
	assert.ErrorIs(t, g.AddDependency("B", "A"), domain.ErrCycleDetected)
}

func TestAddDependencyKeepsDoneTasksSatisfied(t *testing.T) {
	s, g := newTestGraph(t, "A", "B", "C")
	m := NewMachine(s)
	_, err := m.Transition("A", domain.StatusDone)
	require.NoError(t, err)
	aBefore, _ := s.Get("A")

	err = g.AddDependency("A", "B")
	var pending *domain.DependencyNotSatisfiedError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, "A", pending.TaskID)
	assert.Equal(t, []string{"B"}, pending.Pending)
	assert.Empty(t, g.Edges())
	aAfter, _ := s.Get("A")
	assert.Equal(t, aBefore, aAfter)
	dependents, err := g.Dependents("B")
	require.NoError(t, err)
	assert.Empty(t, dependents)

	_, err = m.Transition("C", domain.StatusDone)
	require.NoError(t, err)
	require.NoError(t, g.AddDependency("A", "C"), "a done dependency is fine")
	assert.Equal(t, []Edge{{Task: "A", DependsOn: "C"}}, g.Edges())

	require.NoError(t, g.AddDependency("B", "A"), "open tasks may depend on anything")
}

func TestAddDependencyRejectsSelf(t *testing.T) {
	_, g := newTestGraph(t, "A")
	err := g.AddDependency("A", "A")
	var self *domain.SelfDependencyError
	require.ErrorAs(t, err, &self)
	assert.Equal(t, "A", self.TaskID)
	assert.Empty(t, g.Edges())
}

func TestAddDependencyUnknownTask(t *testing.T) {
	_, g := newTestGraph(t, "A")
	assert.ErrorIs(t, g.AddDependency("A", "ghost"), domain.ErrTaskNotFound)
	assert.ErrorIs(t, g.AddDependency("ghost", "A"), domain.ErrTaskNotFound)
	assert.Empty(t, g.Edges())
}

func TestAddExistingDependencyIsNoop(t *testing.T) {
	s, g := newTestGraph(t, "A", "B")
	require.NoError(t, g.AddDependency("A", "B"))
	before, _ := s.Get("A")
	require.NoError(t, g.AddDependency("A", "B"))
	after, _ := s.Get("A")
	assert.Equal(t, before, after)
	assert.Len(t, g.Edges(), 1)
}

func TestRemoveDependencyIdempotent(t *testing.T) {
	s, g := newTestGraph(t, "A", "B", "C")
	require.NoError(t, g.AddDependency("A", "B"))

	beforeEdges := g.Edges()
	beforeTask, _ := s.Get("A")
	require.NoError(t, g.RemoveDependency("A", "C"))
	require.NoError(t, g.RemoveDependency("A", "ghost"))
	assert.Equal(t, beforeEdges, g.Edges())
	afterTask, _ := s.Get("A")
	assert.Equal(t, beforeTask, afterTask)

	require.NoError(t, g.RemoveDependency("A", "B"))
	assert.Empty(t, g.Edges())
	dependents, err := g.Dependents("B")
	require.NoError(t, err)
	assert.Empty(t, dependents)

	require.NoError(t, g.RemoveDependency("A", "B"))
	assert.ErrorIs(t, g.RemoveDependency("ghost", "A"), domain.ErrTaskNotFound)
}

func TestDepth(t *testing.T) {
	_, g := newTestGraph(t, "A", "B", "C", "D", "E")
	// A -> B -> C -> D, A -> E -> D
	require.NoError(t, g.AddDependency("A", "B"))
	require.NoError(t, g.AddDependency("B", "C"))
	require.NoError(t, g.AddDependency("C", "D"))
	require.NoError(t, g.AddDependency("A", "E"))
	require.NoError(t, g.AddDependency("E", "D"))

	cases := map[string]int{"A": 3, "B": 2, "C": 1, "D": 0, "E": 1}
	for id, want := range cases {
		got, err := g.Depth(id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
	_, err := g.Depth("ghost")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestBlockers(t *testing.T) {
	s, g := newTestGraph(t, "A", "c", "b", "d")
	m := NewMachine(s)
	for _, dep := range []string{"c", "b", "d"} {
		require.NoError(t, g.AddDependency("A", dep))
	}
	_, err := m.Transition("d", domain.StatusDone)
	require.NoError(t, err)

	blockers, err := g.Blockers("A")
	require.NoError(t, err)
	ids := make([]string, 0, len(blockers))
	for _, b := range blockers {
		ids = append(ids, b.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)

	none, err := g.Blockers("b")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIsCriticalPath(t *testing.T) {
	t.Run("blocked task", func(t *testing.T) {
		s, g := newTestGraph(t, "A")
		_, err := NewMachine(s).Transition("A", domain.StatusBlocked)
		require.NoError(t, err)
		ok, err := g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("direct dependency open", func(t *testing.T) {
		_, g := newTestGraph(t, "A", "B")
		require.NoError(t, g.AddDependency("A", "B"))
		ok, err := g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("transitive open for high priority", func(t *testing.T) {
		s, _ := newTestStore(t)
		mustCreate(t, s, "A", withPriority(domain.PriorityHigh))
		mustCreate(t, s, "B")
		mustCreate(t, s, "C")
		g, err := Build(s)
		require.NoError(t, err)
		require.NoError(t, g.AddDependency("A", "B"))
		require.NoError(t, g.AddDependency("B", "C"))
		_, err = NewMachine(s).Transition("B", domain.StatusInProgress)
		require.NoError(t, err)
		_, err = NewMachine(s).Transition("C", domain.StatusDone)
		require.NoError(t, err)
		_, err = NewMachine(s).Transition("B", domain.StatusDone)
		require.NoError(t, err)

		ok, err := g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.False(t, ok, "everything below is done")

		_, err = NewMachine(s).Transition("C", domain.StatusNew)
		require.NoError(t, err)
		ok, err = g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.True(t, ok, "reopened transitive dependency")
	})

	t.Run("transitive open for medium priority", func(t *testing.T) {
		// B was finished before C was reopened.
		s, _ := newTestStore(t)
		for _, task := range []domain.Task{
			{ID: "A", Title: "A", Status: domain.StatusNew, Priority: domain.PriorityMedium, DependsOn: []string{"B"}},
			{ID: "B", Title: "B", Status: domain.StatusDone, Priority: domain.PriorityMedium, DependsOn: []string{"C"}},
			{ID: "C", Title: "C", Status: domain.StatusNew, Priority: domain.PriorityMedium},
		} {
			require.NoError(t, s.Restore(task))
		}
		g, err := Build(s)
		require.NoError(t, err)

		ok, err := g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("isolated task", func(t *testing.T) {
		_, g := newTestGraph(t, "A")
		ok, err := g.IsCriticalPath("A")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDependentsReverseIndex(t *testing.T) {
	_, g := newTestGraph(t, "base", "x", "y")
	require.NoError(t, g.AddDependency("y", "base"))
	require.NoError(t, g.AddDependency("x", "base"))

	deps, err := g.Dependents("base")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "x", deps[0].ID)
	assert.Equal(t, "y", deps[1].ID)

	require.NoError(t, g.RemoveDependency("x", "base"))
	deps, err = g.Dependents("base")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "y", deps[0].ID)

	_, err = g.Dependents("ghost")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestBuildFromRestoredTasks(t *testing.T) {
	restore := func(t *testing.T, s *Store, id string, deps ...string) {
		t.Helper()
		require.NoError(t, s.Restore(domain.Task{
			ID: id, Title: id, Status: domain.StatusNew, Priority: domain.PriorityMedium, DependsOn: deps,
		}))
	}

	t.Run("valid", func(t *testing.T) {
		s, _ := newTestStore(t)
		restore(t, s, "A", "B")
		restore(t, s, "B")
		g, err := Build(s)
		require.NoError(t, err)
		assert.Equal(t, []Edge{{Task: "A", DependsOn: "B"}}, g.Edges())
		deps, err := g.Dependents("B")
		require.NoError(t, err)
		require.Len(t, deps, 1)
	})

	t.Run("cycle", func(t *testing.T) {
		s, _ := newTestStore(t)
		restore(t, s, "A", "B")
		restore(t, s, "B", "A")
		_, err := Build(s)
		assert.ErrorIs(t, err, domain.ErrCycleDetected)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		s, _ := newTestStore(t)
		restore(t, s, "A", "ghost")
		_, err := Build(s)
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})
}

func TestRandomDependencySequencesStayAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = fmt.Sprintf("t%d", i)
	}
	for trial := 0; trial < 20; trial++ {
		s, g := newTestGraph(t, ids...)
		rejected := 0
		for step := 0; step < 150; step++ {
			a, b := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			before := g.Edges()
			if rng.Intn(5) == 0 {
				require.NoError(t, g.RemoveDependency(a, b))
				continue
			}
			if err := g.AddDependency(a, b); err != nil {
				rejected++
				assert.Equal(t, before, g.Edges(), "rejected %s -> %s changed the edge set", a, b)
				continue
			}
			assert.False(t, g.reaches(b, a), "%s -> %s closed a cycle", a, b)
		}
		assert.Positive(t, rejected)

		rebuilt, err := Build(s)
		require.NoError(t, err, "edges accepted one by one must form a DAG")
		assert.Equal(t, g.Edges(), rebuilt.Edges())
		for _, id := range ids {
			want, _ := g.Dependents(id)
			got, _ := rebuilt.Dependents(id)
			assert.Equal(t, want, got, "reverse index for %s", id)
		}
	}
}

func TestView(t *testing.T) {
	s, g := newTestGraph(t, "api", "db", "docs", "launch", "spare")
	require.NoError(t, g.AddDependency("launch", "api"))
	require.NoError(t, g.AddDependency("launch", "docs"))
	require.NoError(t, g.AddDependency("api", "db"))
	_, err := NewMachine(s).Transition("db", domain.StatusDone)
	require.NoError(t, err)

	v, err := g.View()
	require.NoError(t, err)
	require.Len(t, v.Nodes, 5)
	assert.Equal(t, g.Edges(), v.Edges)
	assert.Equal(t, []string{"db", "docs", "spare"}, v.Roots)
	assert.Equal(t, []string{"launch", "spare"}, v.Leaves)
	assert.Equal(t, 2, v.MaxDepth)
	byID := map[string]Node{}
	for _, n := range v.Nodes {
		byID[n.ID] = n
	}
	assert.Equal(t, 2, byID["launch"].Depth)
	assert.True(t, byID["launch"].Critical)
	assert.False(t, byID["api"].Critical, "its only dependency is done")
	assert.Equal(t, domain.StatusDone, byID["db"].Status)

	sub, err := g.View("api")
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 2)
	assert.Equal(t, []Edge{{Task: "api", DependsOn: "db"}}, sub.Edges)
	assert.Equal(t, []string{"db"}, sub.Roots)
	assert.Equal(t, []string{"api"}, sub.Leaves)
	assert.Equal(t, 1, sub.MaxDepth)

	_, err = g.View("ghost")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	_, bare := newTestGraph(t)
	empty, err := bare.View()
	require.NoError(t, err)
	assert.Empty(t, empty.Nodes)
	assert.NotNil(t, empty.Edges)
}
