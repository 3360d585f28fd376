// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package dispatch runs build commands concurrently, either locally,
// remotely on REAPI, or forwarded to a shared-build peer, and lets the
// caller drain results as they complete rather than waiting for a whole
// batch to finish.
package dispatch

import (
	"context"

	"go.chromium.org/infra/remotecore/execute"
)

// ExitStatus is the outcome of a Process once it is Done.
type ExitStatus int

const (
	// ExitSuccess means the executor's Run returned nil.
	ExitSuccess ExitStatus = iota
	// ExitFailure means the executor's Run returned a non-nil error.
	ExitFailure
	// ExitInterrupted means the process's context was canceled before
	// the executor finished.
	ExitInterrupted
)

func (e ExitStatus) String() string {
	switch e {
	case ExitSuccess:
		return "success"
	case ExitFailure:
		return "failure"
	case ExitInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Process tracks a single Cmd being run by an Executor. Unlike a local
// OS subprocess, there is no pipe fd to poll: completion is signaled by
// closing done once the executor's Run call returns.
type Process struct {
	Cmd      *execute.Cmd
	Executor execute.Executor

	done chan struct{}
	err  error
}

func newProcess(cmd *execute.Cmd, executor execute.Executor) *Process {
	return &Process{
		Cmd:      cmd,
		Executor: executor,
		done:     make(chan struct{}),
	}
}

func (p *Process) run(ctx context.Context) {
	defer close(p.done)
	p.err = p.Executor.Run(ctx, p.Cmd)
}

// Done reports whether the process has finished.
func (p *Process) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process finishes.
func (p *Process) Wait() {
	<-p.done
}

// Finish returns the process's exit status. It must only be called after
// Done reports true.
func (p *Process) Finish() ExitStatus {
	switch {
	case p.err == nil:
		return ExitSuccess
	case p.err == context.Canceled || p.err == context.DeadlineExceeded:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// Err returns the error the executor's Run returned, if any.
func (p *Process) Err() error {
	return p.err
}

// Output returns the captured stdout of the underlying cmd.
func (p *Process) Output() []byte {
	return p.Cmd.Stdout()
}
