package stats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecisionChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	assert.Equal(t, time.Millisecond, stat.precision)

	statp := stat.Precision(time.Microsecond).(*defaultStatsReceiver)
	assert.Equal(t, time.Millisecond, stat.precision)
	assert.Equal(t, time.Microsecond, statp.precision)

	statz := stat.Precision(0).(*defaultStatsReceiver)
	assert.Equal(t, time.Duration(1), statz.precision)
}

func TestScopeChange(t *testing.T) {
	stat := DefaultStatsReceiver().(*defaultStatsReceiver)
	assert.Empty(t, stat.scope)

	statp := stat.Scope("a/b", "c").(*defaultStatsReceiver)
	assert.Empty(t, stat.scope)
	assert.Equal(t, []string{"a_SLASH_b", "c"}, statp.scope)
	assert.Equal(t, "a_SLASH_b/c/d", statp.scopedName("d"))

	// Scoping a sibling must not clobber the first scope.
	sibling := statp.Scope("x").(*defaultStatsReceiver)
	other := statp.Scope("y").(*defaultStatsReceiver)
	assert.Equal(t, "a_SLASH_b/c/x", sibling.scopedName())
	assert.Equal(t, "a_SLASH_b/c/y", other.scopedName())
}

func TestMarshal(t *testing.T) {
	defer func() { Time = DefaultStatsTime() }()

	stat := DefaultStatsReceiver().Precision(time.Nanosecond)
	stat.Counter("counter").Inc(1)
	stat.Gauge("gauge").Update(2)

	Time = NewTestTime(time.Unix(0, 0), 5*time.Nanosecond)
	stat.Latency("latency").Time().Stop()
	Time = NewTestTime(time.Unix(0, 0), 10*time.Nanosecond)
	stat.Latency("latency").Time().Stop()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(stat.Render(false), &out))
	assert.Equal(t, float64(1), out["counter"])
	assert.Equal(t, float64(2), out["gauge"])
	assert.Equal(t, 7.5, out["latency.avg"])
	assert.Equal(t, float64(2), out["latency.count"])
	assert.Equal(t, float64(10), out["latency.max"])
	assert.Equal(t, float64(5), out["latency.min"])
	assert.Equal(t, float64(15), out["latency.sum"])
}

func TestVerifyStats(t *testing.T) {
	stat := DefaultStatsReceiver()
	stat.Scope("sched").Counter(SchedTasksSubmittedCounter).Inc(3)
	stat.Gauge(RegistryFreeNodesGauge).Update(4)

	VerifyStats("verify", stat, t, map[string]Rule{
		"sched/" + SchedTasksSubmittedCounter: {Checker: Int64EqTest, Value: 3},
		RegistryFreeNodesGauge:                {Checker: Int64GTETest, Value: 1},
		RegistryDownNodesGauge:                {Checker: DoesNotExistTest},
	})
}

func TestNilReceiver(t *testing.T) {
	stat := NilStatsReceiver()
	stat.Counter("a").Inc(1)
	stat.Latency("b").Time().Stop()
	assert.Equal(t, int64(0), stat.Counter("a").Count())
	assert.Empty(t, stat.Render(true))
	assert.Nil(t, RegistryOf(stat))
}
