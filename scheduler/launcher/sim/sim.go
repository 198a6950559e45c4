// Package sim provides a launcher that simulates executions instead of
// starting processes, for tests and local runs.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
)

// ErrTerminated is the outcome error of a terminated execution.
var ErrTerminated = errors.New("terminated")

// Launcher simulates each task's argv. Valid args, run in order:
// complete <exitcode int>
//   end with exitcode
// fail <message>
//   end with an error
// pause
//   block until Launcher.Resume() is called
// sleep <millis int>
//   sleep for millis milliseconds
// Args starting with # are ignored. An argv that runs out of steps completes with 0.
type Launcher struct {
	resumeCh chan struct{}

	mu       sync.Mutex
	running  map[string]*execution
	launches []Launch
}

// Launch records one call to Launch.
type Launch struct {
	TaskID  string
	Attempt int
	Nodes   []node.ID
}

func NewLauncher() *Launcher {
	return &Launcher{
		resumeCh: make(chan struct{}),
		running:  map[string]*execution{},
	}
}

func (l *Launcher) Launch(ctx context.Context, task launcher.Task, nodes []node.Info) (launcher.Execution, error) {
	steps, err := parse(task.Def.Argv)
	if err != nil {
		return nil, err
	}
	ids := make([]node.ID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	e := &execution{
		doneCh: make(chan struct{}),
		stop:   make(chan struct{}),
	}
	l.mu.Lock()
	l.launches = append(l.launches, Launch{TaskID: task.ID, Attempt: task.Attempt, Nodes: ids})
	l.running[task.ID] = e
	l.mu.Unlock()

	log.WithFields(log.Fields{
		"taskID":  task.ID,
		"attempt": task.Attempt,
		"nodes":   ids,
	}).Debug("Simulating task")
	go func() {
		e.run(steps, l.resumeCh)
		l.mu.Lock()
		if l.running[task.ID] == e {
			delete(l.running, task.ID)
		}
		l.mu.Unlock()
	}()
	return e, nil
}

// Reattach returns the execution of the task if it is still running.
func (l *Launcher) Reattach(task launcher.Task, nodes []node.Info) (launcher.Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.running[task.ID]
	if !ok {
		return nil, errors.Errorf("no running execution for task %s", task.ID)
	}
	return e, nil
}

// Resume releases one paused execution.
func (l *Launcher) Resume() {
	l.resumeCh <- struct{}{}
}

// Launches returns every launch so far, in order.
func (l *Launcher) Launches() []Launch {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Launch(nil), l.launches...)
}

// Running returns the number of executions that haven't ended.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running)
}

type step func(e *execution, resumeCh chan struct{}) (domain.Outcome, bool)

func parse(argv []string) ([]step, error) {
	var steps []step
	for _, arg := range argv {
		if strings.HasPrefix(arg, "#") {
			continue
		}
		splits := strings.SplitN(arg, " ", 2)
		opcode, rest := splits[0], ""
		if len(splits) == 2 {
			rest = splits[1]
		}
		switch opcode {
		case "complete":
			code, err := strconv.Atoi(rest)
			if err != nil {
				return nil, fmt.Errorf("error parsing <n> in complete <n>: %v", err)
			}
			steps = append(steps, func(*execution, chan struct{}) (domain.Outcome, bool) {
				return domain.Outcome{ExitCode: code}, true
			})
		case "fail":
			msg := rest
			steps = append(steps, func(*execution, chan struct{}) (domain.Outcome, bool) {
				return domain.Outcome{ExitCode: -1, Err: errors.New(msg)}, true
			})
		case "sleep":
			ms, err := strconv.Atoi(rest)
			if err != nil {
				return nil, fmt.Errorf("error parsing <n> in sleep <n>: %v", err)
			}
			d := time.Duration(ms) * time.Millisecond
			steps = append(steps, func(e *execution, _ chan struct{}) (domain.Outcome, bool) {
				select {
				case <-time.After(d):
					return domain.Outcome{}, false
				case <-e.stop:
					return domain.Outcome{ExitCode: -1, Err: ErrTerminated}, true
				}
			})
		case "pause":
			steps = append(steps, func(e *execution, resumeCh chan struct{}) (domain.Outcome, bool) {
				select {
				case <-resumeCh:
					return domain.Outcome{}, false
				case <-e.stop:
					return domain.Outcome{ExitCode: -1, Err: ErrTerminated}, true
				}
			})
		default:
			return nil, fmt.Errorf("can't simulate arg: %v", arg)
		}
	}
	return steps, nil
}

type execution struct {
	doneCh   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	outcome  domain.Outcome
}

func (e *execution) run(steps []step, resumeCh chan struct{}) {
	defer close(e.doneCh)
	for _, s := range steps {
		select {
		case <-e.stop:
			e.outcome = domain.Outcome{ExitCode: -1, Err: ErrTerminated}
			return
		default:
		}
		if outcome, done := s(e, resumeCh); done {
			e.outcome = outcome
			return
		}
	}
}

func (e *execution) Wait() domain.Outcome {
	<-e.doneCh
	return e.outcome
}

func (e *execution) Terminate() error {
	e.stopOnce.Do(func() { close(e.stop) })
	return nil
}
