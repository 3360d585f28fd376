// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ccparse

import (
	"context"
	"os"
	"runtime"
	"time"

	"go.chromium.org/infra/remotecore/execute"
	"go.chromium.org/infra/remotecore/execute/localexec"
	"go.chromium.org/infra/remotecore/o11y/clog"
	"go.chromium.org/infra/remotecore/sync/semaphore"
)

// Semaphore bounds how many dependency-discovery child processes run
// concurrently.
var Semaphore = semaphore.New("ccparse-deps", runtime.NumCPU()*2)

// ParseHeaders runs result's dependency-discovery command as a child
// process and parses its make-rule output into the set of header
// files the compile step actually includes. A failure to run the
// command is logged and yields an empty set, not an error: the caller
// proceeds without discovered headers.
func ParseHeaders(ctx context.Context, result *ParseResult, env []string, cwd string) map[string]bool {
	if result.ContainsUnsupportedOptions || len(result.DepsCommand) == 0 {
		return nil
	}
	s := time.Now()
	cmd := &execute.Cmd{
		Args:     result.DepsCommand,
		Env:      env,
		ExecRoot: cwd,
	}
	var wait time.Duration
	err := Semaphore.Do(ctx, func(ctx context.Context) error {
		wait = time.Since(s)
		return localexec.Run(ctx, cmd)
	})
	if err != nil {
		clog.Warningf(ctx, "ccparse: failed to run dep command %q: %v\nstdout:%s\nstderr:%s",
			result.DepsCommand, err, cmd.Stdout(), cmd.Stderr())
		return map[string]bool{}
	}
	out := cmd.Stdout()
	if result.AIXDepsFile != "" {
		b, rerr := os.ReadFile(result.AIXDepsFile)
		if rerr != nil {
			clog.Warningf(ctx, "ccparse: failed to read AIX deps file %s: %v", result.AIXDepsFile, rerr)
			return map[string]bool{}
		}
		out = b
	}
	headers := parseMakeRules(out, result.ProducesSunMakeRules)
	clog.Infof(ctx, "ccparse deps stdout:%d -> headers:%d (wait:%s elapsed:%s)",
		len(cmd.Stdout()), len(headers), wait, time.Since(s))
	return headers
}

// parseMakeRules extracts the set of filenames named after the first
// colon in a make dependency rule, across backslash-newline line
// continuations. sunFormat accounts for Sun CC's dialect, where an
// unescaped space inside a path is kept rather than treated as a
// separator.
func parseMakeRules(rules []byte, sunFormat bool) map[string]bool {
	result := make(map[string]bool)
	var sawColonOnLine, sawBackslash bool
	var current []byte
	flush := func() {
		if len(current) > 0 {
			result[string(current)] = true
			current = nil
		}
	}
	for _, c := range rules {
		switch {
		case sawBackslash:
			sawBackslash = false
			if c != '\n' && sawColonOnLine {
				current = append(current, c)
			}
		case c == '\\':
			sawBackslash = true
		case c == ':' && !sawColonOnLine:
			sawColonOnLine = true
		case c == '\n':
			sawColonOnLine = false
			flush()
		case c == ' ':
			if sunFormat {
				if len(current) > 0 && sawColonOnLine {
					current = append(current, c)
				}
			} else {
				flush()
			}
		case sawColonOnLine:
			current = append(current, c)
		}
	}
	flush()
	return result
}
