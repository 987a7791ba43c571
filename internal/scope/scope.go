// Package scope tracks which execution and child entities a caller is
// currently working inside. A Scope is owned by one runner and passed
// explicitly to the operations that read or move its pointers.
package scope

import "sync"

type Kind string

const (
	Execution Kind = "execution"
	Phase     Kind = "phase"
	Step      Kind = "step"
	Agent     Kind = "agent"
	Task      Kind = "task"
	ToolCall  Kind = "tool_call"
)

var childKinds = []Kind{Phase, Step, Agent, Task, ToolCall}

type Scope struct {
	mu      sync.Mutex
	owner   string
	current map[Kind]string
}

// New returns an empty scope. owner identifies the runner in persisted rows.
// A nil *Scope is a detached caller: nothing is ever current and moves are
// ignored.
func New(owner string) *Scope {
	return &Scope{owner: owner, current: make(map[Kind]string)}
}

func (s *Scope) Owner() string {
	if s == nil {
		return ""
	}
	return s.owner
}

// Current returns the id for k, or "" when nothing is current.
func (s *Scope) Current(k Kind) string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[k]
}

func (s *Scope) ExecutionID() string {
	return s.Current(Execution)
}

// Active reports whether an execution is current.
func (s *Scope) Active() bool {
	return s.ExecutionID() != ""
}

func (s *Scope) Set(k Kind, id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = make(map[Kind]string)
	}
	s.current[k] = id
}

// Enter makes executionID current and drops every child pointer.
func (s *Scope) Enter(executionID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.current = make(map[Kind]string)
	}
	for _, k := range childKinds {
		delete(s.current, k)
	}
	s.current[Execution] = executionID
}

// ClearIf clears k only when it still points at id.
func (s *Scope) ClearIf(k Kind, id string) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || s.current[k] != id {
		return false
	}
	delete(s.current, k)
	if k == Execution {
		for _, ck := range childKinds {
			delete(s.current, ck)
		}
	}
	return true
}
