package tasks

import (
	"text2tasks/internal/domain"
)

// allowedTransitions is the full transition table. Every status has a case, so
// adding a status without deciding its exits leaves it with none.
func allowedTransitions(from domain.Status) []domain.Status {
	switch from {
	case domain.StatusNew:
		return []domain.Status{domain.StatusInProgress, domain.StatusBlocked, domain.StatusDone}
	case domain.StatusInProgress:
		return []domain.Status{domain.StatusBlocked, domain.StatusDone, domain.StatusNew}
	case domain.StatusBlocked:
		return []domain.Status{domain.StatusInProgress, domain.StatusNew}
	case domain.StatusDone:
		return []domain.Status{domain.StatusInProgress, domain.StatusNew}
	}
	return nil
}

// CanTransition reports whether from -> to is listed in the transition table.
func CanTransition(from, to domain.Status) bool {
	for _, s := range allowedTransitions(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Machine validates and applies status transitions on a Store.
type Machine struct {
	store *Store
}

func NewMachine(store *Store) *Machine {
	return &Machine{store: store}
}

// Transition moves a task to status to. Moving to the current status succeeds
// without touching the task. Entering done requires every dependency to be
// done. On error the task is unchanged.
func (m *Machine) Transition(id string, to domain.Status) (domain.Task, error) {
	r, err := m.store.lookup(id)
	if err != nil {
		return domain.Task{}, err
	}
	from := r.task.Status
	if from == to {
		return r.view(), nil
	}
	if !CanTransition(from, to) {
		return domain.Task{}, &domain.IllegalTransitionError{From: from, To: to}
	}
	if to == domain.StatusDone {
		if pending := m.pendingDependencies(r); len(pending) > 0 {
			return domain.Task{}, &domain.DependencyNotSatisfiedError{TaskID: id, Pending: pending}
		}
	}
	m.store.setStatus(r, to)
	return r.view(), nil
}

// pendingDependencies lists direct dependencies not yet done, in id order.
// A dependency missing from the store counts as pending.
func (m *Machine) pendingDependencies(r *record) []string {
	var pending []string
	for _, dep := range r.depIDs() {
		d, ok := m.store.records[dep]
		if !ok || d.task.Status != domain.StatusDone {
			pending = append(pending, dep)
		}
	}
	return pending
}
