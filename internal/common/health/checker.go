package health

import (
	"errors"
	"sync"
)

// Checker is implemented by anything that can report on its own health.
type Checker interface {
	Check() error
}

// StartupCompleteChecker reports unhealthy until MarkComplete has been called.
type StartupCompleteChecker struct {
	mu       sync.RWMutex
	complete bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.complete = true
}

func (c *StartupCompleteChecker) Check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.complete {
		return nil
	}
	return errors.New("startup is not complete")
}

// FuncChecker adapts a plain function to the Checker interface.
type FuncChecker func() error

func (f FuncChecker) Check() error {
	return f()
}
