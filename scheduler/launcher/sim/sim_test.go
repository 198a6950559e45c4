package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twitter/gridsched/rm/node"
	"github.com/twitter/gridsched/scheduler/domain"
	"github.com/twitter/gridsched/scheduler/launcher"
)

func task(id string, argv ...string) launcher.Task {
	return launcher.Task{ID: id, Attempt: 1, Def: domain.TaskDefinition{Argv: argv}}
}

func TestSim_Complete(t *testing.T) {
	l := NewLauncher()
	e, err := l.Launch(context.Background(), task("t1", "sleep 1", "complete 3"), []node.Info{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, domain.Outcome{ExitCode: 3}, e.Wait())

	e, err = l.Launch(context.Background(), task("t2"), nil)
	require.NoError(t, err)
	assert.True(t, e.Wait().Succeeded())

	launches := l.Launches()
	require.Len(t, launches, 2)
	assert.Equal(t, []node.ID{"a"}, launches[0].Nodes)
}

func TestSim_Fail(t *testing.T) {
	l := NewLauncher()
	e, err := l.Launch(context.Background(), task("t", "# comment", "fail disk full"), nil)
	require.NoError(t, err)
	o := e.Wait()
	assert.False(t, o.Succeeded())
	assert.EqualError(t, o.Err, "disk full")
}

func TestSim_BadArgv(t *testing.T) {
	l := NewLauncher()
	_, err := l.Launch(context.Background(), task("t", "explode"), nil)
	assert.Error(t, err)
	_, err = l.Launch(context.Background(), task("t", "sleep soon"), nil)
	assert.Error(t, err)
}

func TestSim_PauseResume(t *testing.T) {
	l := NewLauncher()
	e, err := l.Launch(context.Background(), task("t", "pause", "complete 0"), nil)
	require.NoError(t, err)
	done := make(chan domain.Outcome, 1)
	go func() { done <- e.Wait() }()

	select {
	case <-done:
		t.Fatal("paused execution ended")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, l.Running())
	l.Resume()
	assert.True(t, (<-done).Succeeded())
}

func TestSim_TerminateAndReattach(t *testing.T) {
	l := NewLauncher()
	e, err := l.Launch(context.Background(), task("t", "sleep 10000"), nil)
	require.NoError(t, err)

	again, err := l.Reattach(task("t"), nil)
	require.NoError(t, err)
	assert.Equal(t, e, again)

	require.NoError(t, e.Terminate())
	require.NoError(t, e.Terminate())
	assert.Equal(t, ErrTerminated, e.Wait().Err)

	deadline := time.Now().Add(time.Second)
	for l.Running() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_, err = l.Reattach(task("t"), nil)
	assert.Error(t, err)
}
