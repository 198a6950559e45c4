// Package domain provides definitions for gridsched tasks: what a client
// submits, the states a task goes through and the identity it runs under.
package domain

import (
	"fmt"
	"time"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/selection"
)

// Status of a task.
type Status int

const (
	// Waiting for nodes.
	Pending Status = iota

	// Holding nodes and executing.
	Running

	// Held back until resumed.
	Paused

	// Completed successfully.
	Finished

	// Completed unsuccessfully with no retries left.
	Failed

	// Killed.
	Cancelled
)

func (s Status) String() string {
	asString := [6]string{"Pending", "Running", "Paused", "Finished", "Failed", "Cancelled"}
	if s < 0 || int(s) >= len(asString) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return asString[s]
}

// IsTerminal is true for Finished, Failed and Cancelled.
func (s Status) IsTerminal() bool {
	return s == Finished || s == Failed || s == Cancelled
}

// Kind selects how a task is launched on its nodes.
type Kind int

const (
	// One process per granted node.
	Native Kind = iota

	// One execution spanning all granted nodes.
	Parallel
)

func (k Kind) String() string {
	switch k {
	case Native:
		return "native"
	case Parallel:
		return "parallel"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "native":
		return Native, nil
	case "parallel":
		return Parallel, nil
	}
	return Native, errors.Errorf("unknown task kind %q", s)
}

type Priority int

const (
	Lowest Priority = iota
	Low
	Normal
	High
	Highest
)

func (p Priority) String() string {
	asString := [5]string{"lowest", "low", "normal", "high", "highest"}
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return asString[p]
}

func (p Priority) Valid() bool {
	return p >= Lowest && p <= Highest
}

// TaskDefinition is the task the client sent us.
type TaskDefinition struct {
	Name     string
	Owner    string
	Kind     Kind
	Priority Priority
	// NodeCount is the number of distinct nodes the task runs on.
	NodeCount int
	Selection []selection.Spec
	Argv      []string
	// Timeout bounds one attempt; zero means the scheduler default.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a failed one.
	MaxRetries int
	// RetryElsewhere excludes the nodes of failed attempts from later ones.
	RetryElsewhere bool
	// DependsOn lists tasks that must finish before this one is scheduled.
	DependsOn []string
}

func (d *TaskDefinition) String() string {
	return fmt.Sprintf("name:%s, owner:%s, kind:%s, priority:%s, nodes:%d, argv:%v",
		d.Name, d.Owner, d.Kind, d.Priority, d.NodeCount, d.Argv)
}

// Validate checks the fields that don't depend on scheduler state. Selection
// specs are compiled, and so checked, by the scheduler.
func (d *TaskDefinition) Validate() error {
	switch {
	case d.NodeCount < 1:
		return errors.Errorf("task %q requests %d nodes, need at least 1", d.Name, d.NodeCount)
	case !d.Priority.Valid():
		return errors.Errorf("task %q has invalid priority %d", d.Name, int(d.Priority))
	case d.Kind != Native && d.Kind != Parallel:
		return errors.Errorf("task %q has invalid kind %d", d.Name, int(d.Kind))
	case d.Timeout < 0:
		return errors.Errorf("task %q has a negative timeout", d.Name)
	case d.MaxRetries < 0:
		return errors.Errorf("task %q has negative retries", d.Name)
	}
	return nil
}

// TaskStatus is a snapshot of a task as seen by clients.
type TaskStatus struct {
	ID       string
	Name     string
	Owner    string
	Status   Status
	Priority Priority
	Nodes    []node.ID
	// Attempts counts launches, including the current one.
	Attempts int
	Error    string
	// WaitingReason says why a Pending task has not started.
	WaitingReason string
	Submitted     time.Time
	Started       time.Time
	Ended         time.Time
}

func (s TaskStatus) String() string {
	return render.Render(s)
}

// Outcome is how one execution of a task ended.
type Outcome struct {
	ExitCode int
	Err      error
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.ExitCode == 0
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("error: %v", o.Err)
	}
	return fmt.Sprintf("exit %d", o.ExitCode)
}

// Client is an authenticated identity. Session is set by login and tells
// apart concurrent sessions of the same user.
type Client struct {
	User    string
	Admin   bool
	Session string
}

// CanManage reports whether the client may act on tasks owned by owner.
func (c Client) CanManage(owner string) bool {
	return c.Admin || c.User == owner
}
