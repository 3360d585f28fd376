// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package spawn holds the per-edge state carried from classification
// through action construction: the evaluated command line, its inputs
// and outputs, and whether it is eligible for remote execution.
package spawn

import (
	"fmt"
	"strings"

	"go.chromium.org/infra/remotecore/classify"
	"go.chromium.org/infra/remotecore/pathutil"
	"go.chromium.org/infra/remotecore/rbeconfig"
	"go.chromium.org/infra/remotecore/toolsupport/shutil"
)

// RemoteSpawn is created when an edge is chosen for off-node execution.
// Its paths are rewritten to be relative to the build's current working
// directory before the action builder sees it, and it is destroyed once
// the corresponding RemoteProcess is reaped.
type RemoteSpawn struct {
	// Rule is the ninja rule name that generated this edge.
	Rule string
	// OriginCommand is the edge's evaluated command line, unmodified.
	OriginCommand string
	// Arguments is OriginCommand split into argv form. It is the slice
	// ConvertPathsToRelative rewrites in place.
	Arguments []string
	// Inputs and Outputs are the edge's declared paths.
	Inputs  []string
	Outputs []string
	// CanRemote reports whether the classifier judged this edge
	// remote-executable.
	CanRemote bool
}

// New creates a RemoteSpawn for rule/command, classifying it against
// cfg. inputs excludes order-only dependencies, matching the original
// edge-to-spawn conversion.
func New(cfg *rbeconfig.Config, rule, command string, inputs, outputs []string) (*RemoteSpawn, error) {
	args, err := shutil.Split(command)
	if err != nil {
		return nil, fmt.Errorf("spawn: split command %q: %w", command, err)
	}
	return &RemoteSpawn{
		Rule:          rule,
		OriginCommand: command,
		Arguments:     args,
		Inputs:        append([]string{}, inputs...),
		Outputs:       append([]string{}, outputs...),
		CanRemote:     classify.CanExecuteRemotely(cfg, rule, command),
	}, nil
}

// Command rejoins Arguments into a single command line string.
func (s *RemoteSpawn) Command() string {
	return shutil.Join(s.Arguments)
}

// optType classifies one command-line token the way path rewriting
// needs to: a project-relative absolute path is rewritten, a tool path
// outside the project root is left alone, and so is anything that
// isn't a path at all.
type optType int

const (
	optErr optType = iota
	optRelative
	optAbs
	optSymbol
	optPathFlag
	optTool
)

func classifyOpt(cfg *rbeconfig.Config, opt string) optType {
	if opt == "" {
		return optErr
	}
	switch opt[0] {
	case '/':
		if pathutil.HasPrefix(opt, cfg.ProjectRoot) {
			return optAbs
		}
		return optTool
	case '-':
		if len(opt) > 1 && (opt[1] == 'I' || opt[1] == 'L' || opt[1] == 'l') {
			return optPathFlag
		}
		return optSymbol
	}
	c := opt[0]
	if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || c == '_' {
		return optRelative
	}
	return optSymbol
}

// ConvertPathsToRelative rewrites every absolute-project-root path in
// Inputs, Outputs and Arguments to be relative to cfg.CWD, and
// reassembles OriginCommand/Arguments from the rewritten tokens. Tool
// paths (absolute, outside the project root) and non-path arguments
// are left untouched.
func (s *RemoteSpawn) ConvertPathsToRelative(cfg *rbeconfig.Config) {
	for i, in := range s.Inputs {
		if classifyOpt(cfg, in) == optAbs {
			s.Inputs[i] = pathutil.MakeRelative(in, cfg.CWD)
		}
	}
	for i, out := range s.Outputs {
		if classifyOpt(cfg, out) == optAbs {
			s.Outputs[i] = pathutil.MakeRelative(out, cfg.CWD)
		}
	}
	for i, arg := range s.Arguments {
		switch classifyOpt(cfg, arg) {
		case optAbs:
			s.Arguments[i] = pathutil.MakeRelative(arg, cfg.CWD)
		case optPathFlag:
			if p := arg[2:]; pathutil.HasPrefix(p, cfg.ProjectRoot) {
				s.Arguments[i] = arg[:2] + pathutil.MakeRelative(p, cfg.CWD)
			}
		}
	}
	s.OriginCommand = s.Command()
}

// cleanCommand strips backslash-escaped spaces and escaped quotes from
// command, matching the cleanup the original applies before
// re-splitting a ninja-evaluated command line that was already once
// shell-escaped. It is a no-op when command has no backslashes.
func cleanCommand(command string) string {
	if !strings.Contains(command, `\`) {
		return command
	}
	var b strings.Builder
	b.Grow(len(command))
	for i := 0; i < len(command); i++ {
		if command[i] == '\\' {
			switch {
			case i+1 < len(command) && command[i+1] == ' ':
				i++
			case i+3 < len(command) && command[i+1] == '\\' && command[i+2] == '\\' && command[i+3] == '"':
				i += 3
			}
			continue
		}
		b.WriteByte(command[i])
	}
	return b.String()
}
