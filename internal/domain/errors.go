package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Each typed error below matches exactly one of them.
var (
	ErrInvalidVectorDimension = errors.New("invalid vector dimension")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrIllegalTransition      = errors.New("illegal transition")
	ErrCycleDetected          = errors.New("cycle detected")
	ErrSelfDependency         = errors.New("self dependency")
	ErrTaskNotFound           = errors.New("task not found")
	ErrDocNotFound            = errors.New("document not found")
)

type InvalidVectorDimensionError struct {
	Want int
	Got  int
}

func (e *InvalidVectorDimensionError) Error() string {
	return fmt.Sprintf("invalid vector dimension: want %d, got %d", e.Want, e.Got)
}

func (e *InvalidVectorDimensionError) Is(target error) bool {
	return target == ErrInvalidVectorDimension
}

// DependencyNotSatisfiedError names the dependencies that are not done yet.
type DependencyNotSatisfiedError struct {
	TaskID  string
	Pending []string
}

func (e *DependencyNotSatisfiedError) Error() string {
	return fmt.Sprintf("task %s has unfinished dependencies: %s", e.TaskID, strings.Join(e.Pending, ", "))
}

func (e *DependencyNotSatisfiedError) Is(target error) bool {
	return target == ErrDependencyNotSatisfied
}

type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// CycleDetectedError is returned when TaskID -> DependsOn would close a loop.
type CycleDetectedError struct {
	TaskID    string
	DependsOn string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependsOn)
}

func (e *CycleDetectedError) Is(target error) bool {
	return target == ErrCycleDetected
}

type SelfDependencyError struct {
	TaskID string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("task %s cannot depend on itself", e.TaskID)
}

func (e *SelfDependencyError) Is(target error) bool {
	return target == ErrSelfDependency
}

type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *TaskNotFoundError) Is(target error) bool {
	return target == ErrTaskNotFound
}

type DocNotFoundError struct {
	ID string
}

func (e *DocNotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.ID)
}

func (e *DocNotFoundError) Is(target error) bool {
	return target == ErrDocNotFound
}
