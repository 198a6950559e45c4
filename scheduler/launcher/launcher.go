// Package launcher defines how the scheduler starts task executions on the
// nodes it was granted. Launching itself is a collaborator concern; this
// package holds the contracts and the per-kind dispatch.
package launcher

//go:generate mockgen -source=launcher.go -package=launcher -destination=launcher_mock.go

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/scheduler/domain"
)

// Task is what a launcher needs to know about one attempt of a task.
type Task struct {
	ID      string
	Attempt int
	Def     domain.TaskDefinition
}

// Launcher starts one attempt of a task on the given nodes.
type Launcher interface {
	Launch(ctx context.Context, task Task, nodes []node.Info) (Execution, error)
}

// Execution is a started attempt.
type Execution interface {
	// Wait blocks until the execution ends.
	Wait() domain.Outcome
	// Terminate ends the execution early. Wait then returns.
	Terminate() error
}

// Reattacher finds executions that survived a scheduler restart.
type Reattacher interface {
	Reattach(task Task, nodes []node.Info) (Execution, error)
}

// Dispatch launches each task with the launcher registered for its kind.
type Dispatch map[domain.Kind]Launcher

func (d Dispatch) Launch(ctx context.Context, task Task, nodes []node.Info) (Execution, error) {
	l, ok := d[task.Def.Kind]
	if !ok {
		return nil, &schederrors.LaunchFailure{
			TaskID: task.ID,
			Cause:  errors.Errorf("no launcher for %s tasks", task.Def.Kind),
		}
	}
	return l.Launch(ctx, task, nodes)
}

// Reattach delegates to the kind's launcher when it can reattach.
func (d Dispatch) Reattach(task Task, nodes []node.Info) (Execution, error) {
	l, ok := d[task.Def.Kind]
	if !ok {
		return nil, errors.Errorf("no launcher for %s tasks", task.Def.Kind)
	}
	r, ok := l.(Reattacher)
	if !ok {
		return nil, errors.Errorf("%s launcher can't reattach", task.Def.Kind)
	}
	return r.Reattach(task, nodes)
}

// PerNode adapts a single-node launcher to native tasks: every node gets its
// own execution and the task succeeds only if all of them do.
type PerNode struct {
	Launcher Launcher
}

func (p PerNode) Launch(ctx context.Context, task Task, nodes []node.Info) (Execution, error) {
	g := &group{}
	for _, n := range nodes {
		e, err := p.Launcher.Launch(ctx, task, []node.Info{n})
		if err != nil {
			g.Terminate()
			return nil, errors.Wrapf(err, "launching on %s", n.ID)
		}
		g.execs = append(g.execs, e)
	}
	return g, nil
}

// group is an execution made of one execution per node.
type group struct {
	execs []Execution
	once  sync.Once
}

func (g *group) Wait() domain.Outcome {
	results := make(chan domain.Outcome, len(g.execs))
	for _, e := range g.execs {
		go func(e Execution) {
			results <- e.Wait()
		}(e)
	}
	var failed *domain.Outcome
	for range g.execs {
		o := <-results
		if !o.Succeeded() && failed == nil {
			// One failed part fails the whole task; stop the rest.
			failed = &o
			g.Terminate()
		}
	}
	if failed != nil {
		return *failed
	}
	return domain.Outcome{}
}

func (g *group) Terminate() error {
	var result *multierror.Error
	g.once.Do(func() {
		for _, e := range g.execs {
			if err := e.Terminate(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	return result.ErrorOrNil()
}
