package util

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDummyClock_Advance(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &DummyClock{T: start}
	clock.Advance(time.Minute)
	assert.Equal(t, start.Add(time.Minute), clock.Now())
}

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	assert.True(t, IsUUID(id))
	assert.NotEqual(t, id, NewUUID())
	assert.False(t, IsUUID("all"))
}

func TestRetryUntilSuccess(t *testing.T) {
	attempts := 0
	errs := []error{}
	err := RetryUntilSuccess(context.Background(), time.Millisecond,
		func() error {
			attempts++
			if attempts < 3 {
				return fmt.Errorf("attempt %d", attempts)
			}
			return nil
		},
		func(err error) { errs = append(errs, err) })

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, errs, 2)
}

func TestRetryUntilSuccess_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryUntilSuccess(ctx, time.Hour, func() error { return fmt.Errorf("down") }, func(error) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	counter := 0
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			defer unlock()
			c := counter
			time.Sleep(time.Microsecond)
			counter = c + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, k.size())
}

func TestKeyedMutex_DifferentKeysDontBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

type closeRecorder struct {
	name   string
	closed *[]string
	err    error
}

func (c closeRecorder) Close() error {
	*c.closed = append(*c.closed, c.name)
	return c.err
}

func TestClosers_CloseInReverseOrder(t *testing.T) {
	closed := []string{}
	closers := &Closers{}
	closers.Add("redis", closeRecorder{name: "redis", closed: &closed, err: fmt.Errorf("already closed")})
	closers.AddFunc("pulsar", func() { closed = append(closed, "pulsar") })
	closers.Add("postgres", closeRecorder{name: "postgres", closed: &closed})

	closers.CloseAll()
	assert.Equal(t, []string{"postgres", "pulsar", "redis"}, closed)

	closers.CloseAll()
	assert.Len(t, closed, 3)
}
