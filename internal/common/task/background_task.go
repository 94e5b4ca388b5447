package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// BackgroundTaskManager runs functions periodically until StopAll is called.
// Each task runs once at registration and then once per interval; a panicking run is logged and the task carries on.
type BackgroundTaskManager struct {
	latency  *prometheus.HistogramVec
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBackgroundTaskManager registers a {metricsPrefix}background_task_latency_seconds histogram, labelled by task,
// with registerer. A nil registerer means prometheus.DefaultRegisterer.
func NewBackgroundTaskManager(metricsPrefix string, registerer prometheus.Registerer) *BackgroundTaskManager {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &BackgroundTaskManager{
		latency: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricsPrefix + "background_task_latency_seconds",
				Help:    "Latency of background task runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
			},
			[]string{"task"},
		),
		stop: make(chan struct{}),
	}
}

func (m *BackgroundTaskManager) Register(function func(), interval time.Duration, name string) {
	observer := m.latency.WithLabelValues(name)
	logger := log.WithField("task", name)
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("Background task panicked: %v", r)
			}
		}()
		timer := prometheus.NewTimer(observer)
		defer timer.ObserveDuration()
		function()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		run()
		for {
			select {
			case <-ticker.C:
				run()
			case <-m.stop:
				return
			}
		}
	}()
}

// StopAll stops every task and waits up to timeout for running ones to finish. Returns true if the wait timed out.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopOnce.Do(func() { close(m.stop) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return false
	case <-time.After(timeout):
		return true
	}
}
