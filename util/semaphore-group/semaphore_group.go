package semaphoregroup

import (
	"context"
	"sync"
)

// SemaphoreGroup is a sync.WaitGroup whose number of members is bounded.
type SemaphoreGroup struct {
	semaphore chan struct{}
	wg        sync.WaitGroup
}

// NewSemaphoreGroup creates a new SemaphoreGroup with the specified semaphore limit.
func NewSemaphoreGroup(limit int) *SemaphoreGroup {
	if limit < 1 {
		limit = 1
	}
	return &SemaphoreGroup{
		semaphore: make(chan struct{}, limit),
	}
}

// Add acquires a slot, waiting while the group is full.
func (sg *SemaphoreGroup) Add(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case sg.semaphore <- struct{}{}:
		sg.wg.Add(1)
		return nil
	}
}

// Done releases a slot. Must be called after a successful Add.
func (sg *SemaphoreGroup) Done() {
	<-sg.semaphore
	sg.wg.Done()
}

// Go runs fn in its own goroutine once a slot is free.
func (sg *SemaphoreGroup) Go(ctx context.Context, fn func()) error {
	if err := sg.Add(ctx); err != nil {
		return err
	}
	go func() {
		defer sg.Done()
		fn()
	}()
	return nil
}

// Running returns the number of occupied slots.
func (sg *SemaphoreGroup) Running() int {
	return len(sg.semaphore)
}

// Wait blocks until every member called Done.
func (sg *SemaphoreGroup) Wait() {
	sg.wg.Wait()
}
