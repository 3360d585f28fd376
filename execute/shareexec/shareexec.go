// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package shareexec is an execute.Executor that forwards cmds to a pool
// of shared-build proxy peers instead of running them locally or on
// REAPI.
package shareexec

import (
	"context"
	"fmt"

	"go.chromium.org/infra/remotecore/dispatch"
	"go.chromium.org/infra/remotecore/execute"
	"go.chromium.org/infra/remotecore/execute/proxy"
	"go.chromium.org/infra/remotecore/o11y/clog"
)

// ShareExec runs cmds by forwarding them to a peer through a ProxyPool.
type ShareExec struct {
	pool *dispatch.ProxyPool

	NinjaHost     string
	NinjaBuildDir string
	RootDir       string
}

// New returns a ShareExec that round-robins across pool's clients.
func New(pool *dispatch.ProxyPool, ninjaHost, ninjaBuildDir, rootDir string) *ShareExec {
	return &ShareExec{
		pool:          pool,
		NinjaHost:     ninjaHost,
		NinjaBuildDir: ninjaBuildDir,
		RootDir:       rootDir,
	}
}

// Run forwards cmd's command line to the next proxy peer and waits for
// its result.
func (s *ShareExec) Run(ctx context.Context, cmd *execute.Cmd) error {
	client := s.pool.Next()
	if client == nil {
		return fmt.Errorf("shareexec: no proxy peers configured")
	}
	clog.Infof(ctx, "shareexec forward %s: %s", cmd.ID, cmd.Desc)
	resp, err := client.ForwardAndExecute(ctx, proxy.ForwardAndExecuteRequest{
		NinjaHost:     s.NinjaHost,
		NinjaBuildDir: s.NinjaBuildDir,
		RootDir:       s.RootDir,
		CmdID:         cmd.ID,
		Cmd:           cmd.Command(),
	})
	if err != nil {
		return fmt.Errorf("shareexec: %s: %w", cmd.ID, err)
	}
	cmd.StdoutWriter().Write([]byte(resp.Output))
	if resp.ExitCode != 0 {
		return fmt.Errorf("shareexec: %s: exited with code %d", cmd.ID, resp.ExitCode)
	}
	return nil
}
