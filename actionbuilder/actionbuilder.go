// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package actionbuilder turns a classified spawn into a REAPI Action:
// it walks the spawn's inputs into a Merkle tree, puts the command line,
// unchanged, into a Command whose working directory is the tree's common
// working directory, and records every blob the action needs under its
// own digest in a digest.Store ready for upload.
package actionbuilder

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"go.chromium.org/infra/remotecore/pathutil"
	"go.chromium.org/infra/remotecore/rbeconfig"
	"go.chromium.org/infra/remotecore/reapi/digest"
	"go.chromium.org/infra/remotecore/reapi/merkletree"
	"go.chromium.org/infra/remotecore/spawn"
)

// depFileSuffix marks dep-info outputs (e.g. "foo.o.d") that are a
// side effect of dependency discovery, not a declared build product:
// they are never uploaded or recorded as action outputs.
const depFileSuffix = ".o.d"

// Built is the result of building an action for a spawn: the Action
// itself, its digest, and the blobs (Command, Directory nodes, file
// contents) that must exist in CAS before the action can run.
type Built struct {
	Action       *rpb.Action
	ActionDigest digest.Digest
	Store        *digest.Store

	// CommandWorkDir is the Action's working_directory inside the input
	// root: for Build, the trailing segments of cfg.CWD under which
	// every input/output path resolves without climbing out of the
	// root; for BuildAt and BuildFromInputRoot, the directory the
	// caller supplied.
	CommandWorkDir string
}

// sortedUnion returns the sorted set union of a and b, deduplicated.
func sortedUnion(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// commonAncestorPath returns the directory, expressed as the last N
// segments of cwd, that can serve as the action's working directory
// without any input or output path needing to climb out of it: N is
// the deepest "../" nesting any dep or product requires.
func commonAncestorPath(deps, products []string, cwd string) string {
	var n int
	for _, d := range deps {
		if l := pathutil.ParentDirectoryLevel(d); l > n {
			n = l
		}
	}
	for _, p := range products {
		if l := pathutil.ParentDirectoryLevel(p); l > n {
			n = l
		}
	}
	return pathutil.LastNSegments(cwd, n)
}

// Build constructs the REAPI Action for s, rooted at cfg.CWD. The
// action's working directory is derived from s.Inputs/s.Outputs via
// commonAncestorPath, matching a spawn whose paths have already been
// rewritten by ConvertPathsToRelative.
//
// It does not execute anything: it reads the local filesystem to hash
// s.Inputs, builds the Merkle tree of the action's input root, and
// assembles the Command and Action protos. Everything that needs to
// reach CAS before the action can run is left in the returned Store.
func Build(ctx context.Context, cfg *rbeconfig.Config, s *spawn.RemoteSpawn) (Built, error) {
	deps := sortedUnion(s.Inputs, nil)
	products := sortedUnion(s.Outputs, nil)
	cmdWorkDir := commonAncestorPath(deps, products, cfg.CWD)
	return build(ctx, cfg, s.Arguments, deps, products, cmdWorkDir, cmdWorkDir)
}

// BuildAt constructs the REAPI Action the same way Build does, except
// the caller supplies the working directory instead of having it
// derived from inputs/outputs. It exists for callers, such as a Cmd
// whose Dir is already authoritative and whose inputs/outputs are
// already rooted directly at the input tree root, that would only get
// a different, wrong, answer by re-deriving a working directory from
// path nesting and joining inputs under it a second time.
func BuildAt(ctx context.Context, cfg *rbeconfig.Config, arguments, inputs, outputs []string, workingDir string) (Built, error) {
	return build(ctx, cfg, arguments, sortedUnion(inputs, nil), sortedUnion(outputs, nil), "", workingDir)
}

// BuildFromInputRoot assembles the Command and Action protos the same
// way Build does, except the input root has already been computed
// (typically because the caller needed to resolve its inputs through
// something richer than a raw path, such as a content-addressed
// filesystem cache) and only the Command/Action layer above it is
// still missing.
func BuildFromInputRoot(ctx context.Context, cfg *rbeconfig.Config, arguments, outputs []string, workingDir string, inputRootDigest digest.Digest, store *digest.Store) (Built, error) {
	cmdProto := generateCommand(arguments, sortedUnion(outputs, nil), workingDir, cfg.PlatformProperties)
	cmdData, err := digest.FromProtoMessage(cmdProto)
	if err != nil {
		return Built{}, fmt.Errorf("actionbuilder: marshal command: %w", err)
	}
	store.Set(cmdData)

	action := &rpb.Action{
		CommandDigest:   cmdData.Digest().Proto(),
		InputRootDigest: inputRootDigest.Proto(),
		DoNotCache:      false,
	}
	if cmdProto.Platform != nil {
		action.Platform = cmdProto.Platform
	}
	actionData, err := digest.FromProtoMessage(action)
	if err != nil {
		return Built{}, fmt.Errorf("actionbuilder: marshal action: %w", err)
	}
	store.Set(actionData)

	return Built{
		Action:         action,
		ActionDigest:   actionData.Digest(),
		Store:          store,
		CommandWorkDir: workingDir,
	}, nil
}

// build assembles the Action for arguments/deps/products. inputBase is
// joined onto every dep/product path before it is placed in the tree
// (Build's convention, where inputs still carry the ".." climbing
// ConvertPathsToRelative left them with); workingDirectory is recorded
// as-is on the Command proto and is independent of inputBase (BuildAt's
// convention, where inputs need no join at all but the working
// directory is still whatever the caller already knows it to be).
func build(ctx context.Context, cfg *rbeconfig.Config, arguments, deps, products []string, inputBase, workingDirectory string) (Built, error) {
	store := digest.NewStore()
	tree := merkletree.New(store)
	if err := addInputs(ctx, cfg, tree, deps, inputBase); err != nil {
		return Built{}, fmt.Errorf("actionbuilder: build merkle tree: %w", err)
	}
	if workingDirectory != "" {
		if err := tree.Set(merkletree.Entry{Name: pathutil.Normalize(workingDirectory)}); err != nil {
			return Built{}, fmt.Errorf("actionbuilder: ensure work dir %s: %w", workingDirectory, err)
		}
	}
	inputRootDigest, err := tree.Build(ctx)
	if err != nil {
		return Built{}, fmt.Errorf("actionbuilder: serialize input root: %w", err)
	}

	cmdProto := generateCommand(arguments, products, workingDirectory, cfg.PlatformProperties)
	cmdData, err := digest.FromProtoMessage(cmdProto)
	if err != nil {
		return Built{}, fmt.Errorf("actionbuilder: marshal command: %w", err)
	}
	store.Set(cmdData)

	action := &rpb.Action{
		CommandDigest:   cmdData.Digest().Proto(),
		InputRootDigest: inputRootDigest.Proto(),
		DoNotCache:      false,
	}
	// REAPI >= 2.2 lets a worker read platform requirements off the
	// Action directly, without first fetching the Command.
	if cmdProto.Platform != nil {
		action.Platform = cmdProto.Platform
	}
	actionData, err := digest.FromProtoMessage(action)
	if err != nil {
		return Built{}, fmt.Errorf("actionbuilder: marshal action: %w", err)
	}
	store.Set(actionData)

	return Built{
		Action:         action,
		ActionDigest:   actionData.Digest(),
		Store:          store,
		CommandWorkDir: workingDirectory,
	}, nil
}

// addInputs hashes every dep off disk and adds it to tree under its
// path within the action's input root.
//
// A relative dep (the common case: spawn.ConvertPathsToRelative has
// already rewritten project-rooted paths before the builder ever sees
// them) resolves on disk under cfg.CWD, and lands in the tree under
// inputBase joined with itself, so the ".." segments it carries cancel
// out against the segments inputBase borrowed from cfg.CWD to make
// room for them. inputBase is empty, and the join a no-op, for a
// caller (BuildAt) whose inputs are already rooted directly at the
// input tree root. A dep that is still absolute at this point is by
// construction a tool path outside the project (ConvertPathsToRelative
// would otherwise have rewritten it) and is skipped, the same as the
// original's project-root containment check would reject it.
func addInputs(ctx context.Context, cfg *rbeconfig.Config, tree *merkletree.MerkleTree, deps []string, inputBase string) error {
	for _, dep := range deps {
		if path.IsAbs(dep) {
			continue
		}
		treeName := pathutil.Normalize(path.Join(inputBase, dep))
		diskPath := dep
		if cfg.CWD != "" {
			diskPath = path.Join(cfg.CWD, dep)
		}
		fi, err := os.Lstat(diskPath)
		if err != nil {
			return fmt.Errorf("stat input %s: %w", dep, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(diskPath)
			if err != nil {
				return fmt.Errorf("readlink input %s: %w", dep, err)
			}
			if err := tree.Set(merkletree.Entry{Name: treeName, Target: target}); err != nil {
				return fmt.Errorf("set symlink %s: %w", treeName, err)
			}
			continue
		}
		data, err := digest.FromLocalFile(ctx, digest.LocalFileSource{Fname: diskPath})
		if err != nil {
			return fmt.Errorf("hash input %s: %w", dep, err)
		}
		if err := tree.Set(merkletree.Entry{
			Name:         treeName,
			Data:         data,
			IsExecutable: fi.Mode()&0o111 != 0,
		}); err != nil {
			return fmt.Errorf("set file %s: %w", treeName, err)
		}
	}
	return nil
}

// generateCommand builds the Command proto for arguments, declaring
// outputs via output_paths (REAPI >= 2.1; siso targets a CAS/RE
// cluster new enough that the deprecated output_files/output_directories
// split never needs to be emitted).
func generateCommand(arguments []string, outputs []string, workDir string, platformProperties map[string]string) *rpb.Command {
	cmd := &rpb.Command{
		Arguments:        append([]string{}, arguments...),
		OutputPaths:      append([]string{}, outputs...),
		WorkingDirectory: workDir,
	}
	if len(platformProperties) > 0 {
		names := make([]string, 0, len(platformProperties))
		for k := range platformProperties {
			names = append(names, k)
		}
		sort.Strings(names)
		platform := &rpb.Platform{}
		for _, name := range names {
			platform.Properties = append(platform.Properties, &rpb.Platform_Property{
				Name:  name,
				Value: platformProperties[name],
			})
		}
		cmd.Platform = platform
	}
	return cmd
}
