package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	schederrors "github.com/twitter/gridsched/common/errors"
	"github.com/twitter/gridsched/common/stats"
	"github.com/twitter/gridsched/rm/nodesource"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/proxy"
)

const pollInterval = 50 * time.Millisecond

type runCmd struct {
	user       string
	password   string
	deploy     int
	count      int
	nodeCount  int
	kind       string
	priority   string
	maxRetries int
	wait       time.Duration
	printStats bool
}

func (r *runCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [argv...]",
		Short: "start a scheduler, submit the configured tasks plus count copies of argv, and wait for them",
	}
	cmd.Flags().StringVar(&r.user, "user", "admin", "user to log in as")
	cmd.Flags().StringVar(&r.password, "password", "", "password of user")
	cmd.Flags().IntVar(&r.deploy, "deploy", 0, "local nodes to deploy into the default source before submitting")
	cmd.Flags().IntVar(&r.count, "count", 1, "copies of argv to submit")
	cmd.Flags().IntVar(&r.nodeCount, "nodes", 1, "nodes per argv task")
	cmd.Flags().StringVar(&r.kind, "kind", "native", "kind of argv tasks (native|parallel)")
	cmd.Flags().StringVar(&r.priority, "priority", "normal", "priority of argv tasks")
	cmd.Flags().IntVar(&r.maxRetries, "max_retries", 0, "retries of argv tasks")
	cmd.Flags().DurationVar(&r.wait, "wait", time.Minute, "how long to wait for the tasks to end")
	cmd.Flags().BoolVar(&r.printStats, "stats", false, "print stats once done")
	return cmd
}

// tasks returns the configured tasks followed by the argv copies.
func (r *runCmd) tasks(cfg Config, argv []string) []TaskConfig {
	tasks := append([]TaskConfig(nil), cfg.Tasks...)
	if len(argv) == 0 {
		return tasks
	}
	for i := 0; i < r.count; i++ {
		tasks = append(tasks, TaskConfig{
			Name:       fmt.Sprintf("%s-%d", argv[0], i),
			Kind:       r.kind,
			Priority:   r.priority,
			NodeCount:  r.nodeCount,
			Argv:       argv,
			MaxRetries: r.maxRetries,
		})
	}
	return tasks
}

func (r *runCmd) run(c *cli, cmd *cobra.Command, args []string) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	tasks := r.tasks(cfg, args)
	if len(tasks) == 0 {
		return schederrors.NewError(errors.New("nothing to run: no configured tasks and no argv"), schederrors.ConfigFailureExitCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.wait)
	defer cancel()

	stat := stats.DefaultStatsReceiver().Precision(time.Millisecond)
	p, err := startProcess(ctx, cfg, stat)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.close(); err != nil {
			log.WithField("err", err).Info("Errors while shutting down")
		}
	}()

	if r.deploy > 0 {
		if _, err := p.sources.AddNodes(ctx, nodesource.DeploymentConfig{Count: r.deploy}, ""); err != nil {
			return errors.Wrap(err, "deploying nodes")
		}
	}

	client, err := p.proxies.Login(ctx, proxy.Credentials{User: r.user, Password: r.password})
	if err != nil {
		return err
	}
	defer p.proxies.Disconnect(client)
	px, err := p.proxies.GetProxyFor(client)
	if err != nil {
		return err
	}

	ids, err := submitAll(ctx, px, tasks)
	if err != nil {
		return err
	}
	statuses, err := waitForAll(ctx, px, ids)
	report(cmd, statuses)
	if r.printStats {
		fmt.Fprintln(cmd.OutOrStdout(), string(stat.Render(true)))
	}
	if err != nil {
		return err
	}

	var failed []string
	for _, st := range statuses {
		if st.Status != domain.Finished {
			failed = append(failed, st.Name)
		}
	}
	if len(failed) > 0 {
		return schederrors.NewError(errors.Errorf("tasks did not finish: %s", strings.Join(failed, ", ")), schederrors.TasksFailedExitCode)
	}
	return nil
}

// submitAll submits tasks in order, resolving dependencies by task name.
func submitAll(ctx context.Context, px *proxy.Proxy, tasks []TaskConfig) ([]string, error) {
	byName := map[string]string{}
	ids := make([]string, 0, len(tasks))
	for i, tc := range tasks {
		def, err := tc.definition()
		if err != nil {
			return nil, schederrors.NewError(errors.Wrapf(err, "tasks[%d]", i), schederrors.ConfigFailureExitCode)
		}
		for _, dep := range tc.DependsOn {
			id, ok := byName[dep]
			if !ok {
				return nil, schederrors.NewError(errors.Errorf("task %s depends on unknown task %s", tc.Name, dep), schederrors.ConfigFailureExitCode)
			}
			def.DependsOn = append(def.DependsOn, id)
		}
		for {
			id, err := px.Submit(ctx, def)
			if err == proxy.ErrRateLimited {
				select {
				case <-time.After(pollInterval):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			if err != nil {
				return nil, errors.Wrapf(err, "submitting %s", tc.Name)
			}
			byName[tc.Name] = id
			ids = append(ids, id)
			break
		}
	}
	log.WithField("tasks", len(ids)).Info("Submitted")
	return ids, nil
}

// waitForAll polls until every task is terminal or ctx is done. The last
// statuses seen are returned either way.
func waitForAll(ctx context.Context, px *proxy.Proxy, ids []string) ([]domain.TaskStatus, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		statuses := make([]domain.TaskStatus, 0, len(ids))
		done := true
		for _, id := range ids {
			st, ok, err := px.Status(ctx, id)
			if err != nil {
				return statuses, err
			}
			if !ok {
				return statuses, errors.Errorf("task %s disappeared", id)
			}
			statuses = append(statuses, st)
			done = done && st.Status.IsTerminal()
		}
		if done {
			return statuses, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return statuses, errors.Wrap(ctx.Err(), "waiting for tasks")
		}
	}
}

func report(cmd *cobra.Command, statuses []domain.TaskStatus) {
	out := cmd.OutOrStdout()
	for _, st := range statuses {
		line := fmt.Sprintf("%s\t%s\t%s\tattempts=%d\tnodes=%v", st.ID, st.Name, st.Status, st.Attempts, st.Nodes)
		if st.Error != "" {
			line += "\terror=" + st.Error
		} else if st.WaitingReason != "" {
			line += "\twaiting=" + st.WaitingReason
		}
		fmt.Fprintln(out, line)
	}
}
