package util

import (
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

type namedCloser struct {
	name  string
	close func() error
}

// Closers releases resources in the reverse of the order they were added.
// Failures are logged since there is nobody left to return them to at shutdown.
type Closers struct {
	mu      sync.Mutex
	closers []namedCloser
}

func (c *Closers) Add(name string, closer io.Closer) {
	c.add(name, closer.Close)
}

// AddFunc is for clients, such as pulsar's, whose Close doesn't report errors.
func (c *Closers) AddFunc(name string, close func()) {
	c.add(name, func() error {
		close()
		return nil
	})
}

func (c *Closers) add(name string, close func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, namedCloser{name: name, close: close})
}

// CloseAll closes everything added so far. Later calls only close what was added since.
func (c *Closers) CloseAll() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].close(); err != nil {
			log.WithError(err).Warnf("Failed to close %s cleanly", closers[i].name)
		} else {
			log.Debugf("Closed %s", closers[i].name)
		}
	}
}
