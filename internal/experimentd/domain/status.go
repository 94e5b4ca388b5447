package domain

type Status string

const (
	Created   Status = "created"
	Building  Status = "building"
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Stopped   Status = "stopped"
)

var AllStatuses = []Status{Created, Building, Running, Succeeded, Failed, Stopped}

// IsTerminal returns true for statuses no transition may leave.
func (s Status) IsTerminal() bool {
	return s == Succeeded || s == Failed || s == Stopped
}

func (s Status) String() string {
	return string(s)
}
