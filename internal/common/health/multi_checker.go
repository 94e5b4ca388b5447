package health

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type namedChecker struct {
	name    string
	checker Checker
}

// MultiChecker is healthy when all of its checkers are. Checkers may be added while it is being served.
type MultiChecker struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

func NewMultiChecker() *MultiChecker {
	return &MultiChecker{}
}

// Add registers checker under name. The name prefixes any error it reports.
func (mc *MultiChecker) Add(name string, checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.checkers = append(mc.checkers, namedChecker{name: name, checker: checker})
}

func (mc *MultiChecker) Check() error {
	mc.mu.RLock()
	checkers := append([]namedChecker{}, mc.checkers...)
	mc.mu.RUnlock()

	var result *multierror.Error
	for _, c := range checkers {
		if err := c.checker.Check(); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, c.name))
		}
	}
	return result.ErrorOrNil()
}
