package domain

import "time"

// LogEvent is a single log line about an experiment or one of its jobs. Events are never mutated once produced.
type LogEvent struct {
	Line           string    `json:"line"`
	Status         Status    `json:"status"`
	ExperimentId   string    `json:"experimentId"`
	ExperimentName string    `json:"experimentName"`
	JobId          string    `json:"jobId"`
	Persist        bool      `json:"persist"`
	Timestamp      time.Time `json:"timestamp"`
}
