package lifecycle

import (
	"github.com/pkg/errors"

	"github.com/G-Research/experimentd/internal/common/experrors"
	"github.com/G-Research/experimentd/internal/experimentd/domain"
	"github.com/G-Research/experimentd/internal/experimentd/metrics"
)

const (
	kindExperiment = "experiment"
	kindJob        = "job"
)

// Building -> Building is the only self transition: it is how a recoverable retry is recorded.
// Terminal states have no entry.
var legalTransitions = map[domain.Status]map[domain.Status]bool{
	domain.Created:  {domain.Building: true, domain.Stopped: true},
	domain.Building: {domain.Building: true, domain.Running: true, domain.Failed: true, domain.Stopped: true},
	domain.Running:  {domain.Succeeded: true, domain.Failed: true, domain.Stopped: true},
}

func CanTransition(from, to domain.Status) bool {
	return legalTransitions[from][to]
}

func checkTransition(kind, id string, from, to domain.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	metrics.RecordRejectedTransition(kind, from, to)
	return errors.WithStack(&experrors.ErrInvalidTransition{Kind: kind, Id: id, From: string(from), To: string(to)})
}
