package task

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackgroundTaskManager_RunsTaskUntilStopped(t *testing.T) {
	var runs int32
	manager := NewBackgroundTaskManager("experimentd_test_", prometheus.NewRegistry())
	manager.Register(func() { atomic.AddInt32(&runs, 1) }, 5*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 }, time.Second, time.Millisecond)

	timedOut := manager.StopAll(time.Second)
	assert.False(t, timedOut)

	stoppedAt := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stoppedAt, atomic.LoadInt32(&runs))

	assert.False(t, manager.StopAll(time.Second))
}

func TestBackgroundTaskManager_PanickingTaskKeepsRunning(t *testing.T) {
	var runs int32
	manager := NewBackgroundTaskManager("experimentd_test_", prometheus.NewRegistry())
	manager.Register(func() {
		atomic.AddInt32(&runs, 1)
		panic("redis unavailable")
	}, 5*time.Millisecond, "flaky")
	defer manager.StopAll(time.Second)

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, time.Millisecond)
}

func TestBackgroundTaskManager_StopAllTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	manager := NewBackgroundTaskManager("experimentd_test_", prometheus.NewRegistry())
	manager.Register(func() { <-release }, time.Hour, "stuck")

	assert.True(t, manager.StopAll(10*time.Millisecond))
}

func TestBackgroundTaskManager_RecordsLatencyPerTask(t *testing.T) {
	registry := prometheus.NewRegistry()
	manager := NewBackgroundTaskManager("experimentd_test_", registry)
	manager.Register(func() {}, time.Hour, "ports_in_use")
	manager.Register(func() {}, time.Hour, "address_cache")
	require.False(t, manager.StopAll(time.Second))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "experimentd_test_background_task_latency_seconds", families[0].GetName())
	tasks := []string{}
	for _, metric := range families[0].GetMetric() {
		assert.Equal(t, uint64(1), metric.GetHistogram().GetSampleCount())
		tasks = append(tasks, metric.GetLabel()[0].GetValue())
	}
	assert.ElementsMatch(t, []string{"ports_in_use", "address_cache"}, tasks)
}
