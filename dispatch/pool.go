// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.chromium.org/infra/remotecore/execute"
	"go.chromium.org/infra/remotecore/sync/semaphore"
)

// Pool runs Cmds through an Executor with bounded concurrency and lets
// the caller collect finished Processes one at a time, in completion
// order, instead of waiting for the whole set to finish.
type Pool struct {
	sema *semaphore.Semaphore

	mu       sync.Mutex
	running  map[*Process]bool
	finished chan *Process
}

// NewPool creates a pool that runs at most size Cmds at once. name
// identifies the pool's semaphore for diagnostics (siso's semaphore
// registry is process-global and keyed by name).
func NewPool(name string, size int) *Pool {
	return &Pool{
		sema:     semaphore.New(name, size),
		running:  make(map[*Process]bool),
		finished: make(chan *Process, size),
	}
}

// Add starts cmd on executor as soon as a pool slot is free and returns
// its Process immediately; it does not block for the command to finish.
func (p *Pool) Add(ctx context.Context, cmd *execute.Cmd, executor execute.Executor) *Process {
	proc := newProcess(cmd, executor)
	p.mu.Lock()
	p.running[proc] = true
	p.mu.Unlock()
	go func() {
		err := p.sema.Do(ctx, func(ctx context.Context) error {
			proc.run(ctx)
			return nil
		})
		if err != nil && proc.err == nil {
			proc.err = err
		}
		p.finished <- proc
	}()
	return proc
}

// Wait blocks until a running process finishes and returns it, removing
// it from the running set. It returns ctx.Err() if ctx is canceled first.
func (p *Pool) Wait(ctx context.Context) (*Process, error) {
	select {
	case proc := <-p.finished:
		p.mu.Lock()
		delete(p.running, proc)
		p.mu.Unlock()
		return proc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Running returns the number of processes still in flight.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Full reports whether the pool holds at least as many processes not yet
// collected by Wait (running, or still waiting for a slot) as it has
// slots, mirroring the original thread pool's "has waiting task"
// backpressure signal used to decide whether the caller should throttle
// adding new work.
func (p *Pool) Full() bool {
	return p.Running() >= p.sema.Capacity()
}

// Clear waits for every running process to finish and drains them,
// discarding their results. Used on shutdown or interruption.
func (p *Pool) Clear(ctx context.Context) error {
	p.mu.Lock()
	n := len(p.running)
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		if _, err := p.Wait(ctx); err != nil {
			return fmt.Errorf("dispatch: clear pool: %w", err)
		}
	}
	return nil
}
