// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dispatch

import (
	"context"
	"fmt"
	"reflect"
)

// EventLoop fans in completions from several Pools (e.g. one for local
// execution, one for remote, one for shared-build) so a build driver can
// react to whichever finishes next without polling each pool in turn,
// the Go equivalent of selecting across every running process's pipe fd
// in one poll/select call.
type EventLoop struct {
	pools []*Pool
}

// NewEventLoop creates an EventLoop that watches pools.
func NewEventLoop(pools ...*Pool) *EventLoop {
	return &EventLoop{pools: pools}
}

// Wait blocks until a process finishes in any watched pool and returns it
// together with the pool it came from. It returns ctx.Err() if ctx is
// canceled first, or an error if no pools are registered.
func (e *EventLoop) Wait(ctx context.Context) (*Process, *Pool, error) {
	if len(e.pools) == 0 {
		return nil, nil, fmt.Errorf("dispatch: event loop has no pools")
	}
	cases := make([]reflect.SelectCase, 0, len(e.pools)+1)
	for _, p := range e.pools {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(p.finished),
		})
	}
	cases = append(cases, reflect.SelectCase{
		Dir:  reflect.SelectRecv,
		Chan: reflect.ValueOf(ctx.Done()),
	})

	chosen, recv, _ := reflect.Select(cases)
	if chosen == len(e.pools) {
		return nil, nil, ctx.Err()
	}
	pool := e.pools[chosen]
	proc := recv.Interface().(*Process)
	pool.mu.Lock()
	delete(pool.running, proc)
	pool.mu.Unlock()
	return proc, pool, nil
}

// Running returns the total number of processes still in flight across
// every watched pool.
func (e *EventLoop) Running() int {
	n := 0
	for _, p := range e.pools {
		n += p.Running()
	}
	return n
}

// Drain waits for every watched pool to finish all its running processes,
// invoking fn for each one as it completes.
func (e *EventLoop) Drain(ctx context.Context, fn func(*Process, *Pool)) error {
	for e.Running() > 0 {
		proc, pool, err := e.Wait(ctx)
		if err != nil {
			return err
		}
		fn(proc, pool)
	}
	return nil
}
