/*
Package server provides StatefulScheduler which runs tasks on nodes granted by
the node registry.

* Concepts *
Ready queue:
  Pending tasks ordered by priority (highest first), then by submission
  sequence. A task whose dependencies haven't finished is skipped; one whose
  dependency failed or was cancelled is cancelled.

Allocation pass:
  An ordered snapshot of the ready queue is handed to a worker goroutine which
  asks the registry for each task's nodes in turn. The registry grants all of a
  task's nodes or none, so a task that can't be served holds nothing and the
  tasks behind it still get their chance. Predicates may be remote, so the pass
  never runs on the loop goroutine; at most one pass is in flight.

Attempts:
  Every launch is an attempt. Completions, timeouts and kills are matched to
  the attempt they belong to, so a late completion of a killed or orphaned
  attempt is ignored.

* Logic *
Schedule Loop:
  Apply client requests, async results (pass results, attempt completions) and
  orphan notifications, then start an allocation pass if anything could have
  changed the outcome of the last one.
*/
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/twitter/gridsched/common/log/hooks"
	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/rm/registry"
	"github.com/twitter/gridsched/rm/selection"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/store"
)

// Scheduler is the client-facing scheduling interface. Calls are answered
// synchronously; their effects on nodes and executions may complete later.
type Scheduler interface {
	Submit(def domain.TaskDefinition) (string, error)

	GetStatus(id string) (domain.TaskStatus, bool)

	// List returns every known task in submission order.
	List() []domain.TaskStatus

	Pause(id string) bool

	Resume(id string) bool

	// Kill cancels a task. Killing a terminal task is a no-op that returns true;
	// only unknown ids return false.
	Kill(id string) bool

	ChangePriority(id string, p domain.Priority) bool

	Stop()
}

// NodeRegistry is the part of the registry the scheduler uses.
type NodeRegistry interface {
	GetFreeNodes(ctx context.Context, req registry.Request) []node.Info
	ReleaseNode(id node.ID) bool
	Unreserve(owner string, ids []node.ID)
	Holds(owner string, ids []node.ID) bool
	Reclaim(owner string, ids []node.ID) bool
	Get(id node.ID) (node.Info, bool)
	Counts() registry.Counts
	Engine() *selection.Engine
	SetOrphanListener(l registry.OrphanListener)
	Subscribe() *registry.Subscription
}

const (
	// Nothing should run forever by default, use this timeout as a fallback.
	DefaultDefaultTaskTimeout = 30 * time.Minute

	// How often the loop wakes up without any event.
	DefaultTickRate = 250 * time.Millisecond

	// Bound on one allocation pass, predicates included.
	DefaultPassTimeout = time.Minute
)

// Used to get proper logging from tests...
func init() {
	if loglevel := os.Getenv("GRIDSCHED_LOGLEVEL"); loglevel != "" {
		level, err := log.ParseLevel(loglevel)
		if err != nil {
			log.Error(err)
			return
		}
		log.SetLevel(level)
		log.AddHook(hooks.NewContextHook())
	}
}

// SchedulerConfiguration variables read at initialization
// DefaultTaskTimeout -
//   timeout for attempts of tasks that don't set one.
// TickRate -
//   how often the loop wakes up to retry waiting tasks.
// PassTimeout -
//   bound on one allocation pass.
// RecoverTasksOnStartup -
//   if true, tasks found in the store are restored before the loop starts.
// Store -
//   retry policy of the asynchronous store writer.
type SchedulerConfiguration struct {
	DefaultTaskTimeout    time.Duration `yaml:"defaultTaskTimeout"`
	TickRate              time.Duration `yaml:"tickRate"`
	PassTimeout           time.Duration `yaml:"passTimeout"`
	RecoverTasksOnStartup bool          `yaml:"recoverTasksOnStartup"`
	Store                 store.Config  `yaml:"store"`
}

func DefaultSchedulerConfiguration() SchedulerConfiguration {
	return SchedulerConfiguration{
		DefaultTaskTimeout:    DefaultDefaultTaskTimeout,
		TickRate:              DefaultTickRate,
		PassTimeout:           DefaultPassTimeout,
		RecoverTasksOnStartup: true,
		Store:                 store.DefaultConfig(),
	}
}

func (sc *SchedulerConfiguration) String() string {
	return fmt.Sprintf("SchedulerConfiguration: DefaultTaskTimeout: %s, TickRate: %s, PassTimeout: %s, RecoverTasksOnStartup: %t",
		sc.DefaultTaskTimeout, sc.TickRate, sc.PassTimeout, sc.RecoverTasksOnStartup)
}
