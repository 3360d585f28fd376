// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package execute runs commands.
package execute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"go.chromium.org/infra/remotecore/actionbuilder"
	"go.chromium.org/infra/remotecore/o11y/clog"
	"go.chromium.org/infra/remotecore/rbeconfig"
	"go.chromium.org/infra/remotecore/reapi/digest"
	"go.chromium.org/infra/remotecore/reapi/merkletree"
	"go.chromium.org/infra/remotecore/toolsupport/shutil"
)

// Executor is an interface to run the cmd.
type Executor interface {
	Run(ctx context.Context, cmd *Cmd) error
}

// Cmd includes all the information required to run a build command.
type Cmd struct {
	// ID is used as a unique identifier for this action in logs and tracing.
	// It does not have to be human-readable, so using a UUID is fine.
	ID string

	// Desc is a short, human-readable identifier that is shown to the user when referencing this action in the UI or a log file.
	// Example: "CXX hello.o"
	Desc string

	// ActionName is the name of the rule that generated this action.
	// Example: "cxx" or "link"
	ActionName string

	// Args holds command line arguments.
	Args []string

	// Env specifies the environment of the process.
	Env []string

	// RSPFile is the filename of the response file for the cmd.
	// AllInputs includes it, so it is hashed off disk like any other input.
	// No executor in this module writes RSPFileContent to it or deletes it.
	RSPFile string

	// RSPFileContent is the content of the response file for the cmd.
	// The bindings are already expanded.
	RSPFileContent []byte

	// CmdHash is a hash of the command line, which is used to check for changes in the command line since it was last executed.
	CmdHash []byte

	// ExecRoot is an exec root directory of the cmd.
	ExecRoot string

	// Dir specifies the working directory of the cmd,
	// relative to ExecRoot.
	Dir string

	// Inputs are input files of the cmd, relative to ExecRoot.
	// They may be overridden by deps inputs.
	Inputs []string

	// ToolInputs are tool input files of the cmd, relative to ExecRoot.
	// They are specified by the siso config, not overridden by deps.
	// (or inputs would be deps + tool inputs).
	// These are expected to be toolchain input files, not by specified
	// by build deps, nor in deps log.
	ToolInputs []string

	// Outputs are output files of the cmd, relative to ExecRoot.
	Outputs []string

	// Deps specifies deps type of the cmd, "gcc", "msvc".
	Deps string

	// Depfile specifies a filename for dep info, relative to ExecRoot.
	Depfile string

	// DepsArgs are args to get deps.
	// If empty, it will be generated from Args + Deps.
	DepsArgs []string

	// If Restat is true
	// - output files may be used only for inputs
	// - no need to update mtime if content is not changed.
	Restat bool

	// Pure indicates whether the cmd is pure.
	// This is analogue to pure function.
	// For example, a cmd is pure when the inputs/outputs of the cmd are fully specified,
	// and it doesn't access other files during execution.
	// A pure cmd can execute remotely and the outputs can be safely cacheable.
	Pure bool

	// RemoteInputs are the substitute files for remote execution.
	// The key is the filename used in remote execution.
	// The value is the filename on local disk.
	// The file names are relative to ExecRoot.
	RemoteInputs map[string]string

	// Platform carries the RBE platform properties (e.g. "OSFamily",
	// "container-image") that a worker must match to run this cmd.
	Platform map[string]string

	// TreeInputs are precomputed subtrees to graft into the input root
	// by digest alone, e.g. a toolchain directory shared verbatim by
	// many cmds, so its contents need not be hashed or walked again.
	TreeInputs []merkletree.TreeEntry

	// Timeout bounds how long the cmd may run, local or remote. Zero
	// means no timeout.
	Timeout time.Duration

	// SkipCacheLookup forces execution even if a matching entry exists
	// in the action cache. remoteexec passes it on the ExecuteRequest;
	// nothing in this module sets it.
	SkipCacheLookup bool

	// RemoteWrapper names a wrapper binary for remote execution (e.g. a
	// reclient-style wrapper). No executor in this module reads it:
	// neither remote nor local execution changes Args because of it.
	RemoteWrapper string

	// FileTrace, when non-nil, asks the executor to record which files
	// the cmd actually touched via the host's syscall tracer, so the
	// build can compare that against its declared Inputs/Outputs.
	FileTrace *FileTrace

	stdoutWriter, stderrWriter io.Writer
	stdoutBuffer, stderrBuffer bytes.Buffer

	actionResult *rpb.ActionResult
	cached       bool

	digest      digest.Digest
	digestValid bool
}

// FileTrace holds the files a cmd was observed to read and write while
// running, as reported by a syscall tracer.
type FileTrace struct {
	Inputs  []string
	Outputs []string
}

// String returns an ID of the cmd.
func (c *Cmd) String() string {
	return c.ID
}

// Command returns a command line string.
func (c *Cmd) Command() string {
	if len(c.Args) == 3 && c.Args[0] == "/bin/sh" && c.Args[1] == "-c" {
		return c.Args[2]
	}
	return shutil.Join(c.Args)
}

// AllInputs returns all inputs of the cmd.
func (c *Cmd) AllInputs() []string {
	if c.RSPFile == "" {
		return c.Inputs
	}
	inputs := make([]string, len(c.Inputs)+1)
	copy(inputs, c.Inputs)
	inputs[len(inputs)-1] = c.RSPFile
	return inputs
}

// AllOutputs returns all outputs of the cmd.
func (c *Cmd) AllOutputs() []string {
	if c.Depfile == "" {
		return c.Outputs
	}
	outputs := make([]string, len(c.Outputs)+1)
	copy(outputs, c.Outputs)
	outputs[len(outputs)-1] = c.Depfile
	return outputs
}

// SetStdoutWriter sets w for stdout.
func (c *Cmd) SetStdoutWriter(w io.Writer) {
	c.stdoutWriter = w
}

// SetStderrWriter sets w for stderr.
func (c *Cmd) SetStderrWriter(w io.Writer) {
	c.stderrWriter = w
}

// StdoutWriter returns a writer set for stdout.
func (c *Cmd) StdoutWriter() io.Writer {
	c.stdoutBuffer.Reset()
	if c.stdoutWriter == nil {
		return &c.stdoutBuffer
	}
	return io.MultiWriter(c.stdoutWriter, &c.stdoutBuffer)
}

// StderrWriter returns a writer set for stderr.
func (c *Cmd) StderrWriter() io.Writer {
	c.stderrBuffer.Reset()
	if c.stderrWriter == nil {
		return &c.stderrBuffer
	}
	return io.MultiWriter(c.stderrWriter, &c.stderrBuffer)
}

// Stdout returns stdout output of the cmd.
func (c *Cmd) Stdout() []byte {
	return c.stdoutBuffer.Bytes()
}

// Stderr returns stderr output of the cmd.
// Since RBE merges stderr into stdout, we won't get stderr for remote actions. b/149501385
// Therefore, we need to be careful how we use stdout/stderr for now.
// For example, if we use /showIncludes to stderr, it will be on stdout from a remote action.
func (c *Cmd) Stderr() []byte {
	return c.stderrBuffer.Bytes()
}

// Digest computes the action digest of the cmd: it hashes AllInputs()
// straight off local disk (substituting RemoteInputs where set) into a
// Merkle tree, then builds the Command and Action protos on top of
// that input root, and merges every blob the action needs into ds.
//
// If ds is nil, the caller only wants the digest itself (e.g. for an
// action-cache lookup), not the blobs behind it: Digest reuses the
// result of a previous call rather than rebuilding the tree, and if
// there is no previous call, builds it against a throwaway store.
func (c *Cmd) Digest(ctx context.Context, ds *digest.Store) (digest.Digest, error) {
	if ds == nil && c.digestValid {
		return c.digest, nil
	}
	if !c.Pure {
		return digest.Digest{}, fmt.Errorf("unable to create digest for impure cmd %s", c.ID)
	}
	store := ds
	if store == nil {
		store = digest.NewStore()
	}
	ents, err := c.inputTree(ctx)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("failed to get input tree for %s: %w", c, err)
	}
	ents, treeInputs := c.canonicalizeDir(ctx, ents, c.TreeInputs)

	inputRootDigest, err := treeDigest(ctx, ents, treeInputs, store)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("failed to get input root for %s: %w", c, err)
	}

	cfg := &rbeconfig.Config{PlatformProperties: c.Platform}
	built, err := actionbuilder.BuildFromInputRoot(ctx, cfg, c.Args, c.AllOutputs(), c.Dir, inputRootDigest, store)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("failed to build action for %s: %w", c, err)
	}
	c.SetActionDigest(built.ActionDigest)
	return built.ActionDigest, nil
}

// SetActionDigest records d as the cmd's action digest, so a later
// Digest(ctx, nil) call can return it without recomputation.
func (c *Cmd) SetActionDigest(d digest.Digest) {
	c.digest = d
	c.digestValid = true
}

// inputTree returns Merkle tree entries for the cmd, reading straight
// off local disk under ExecRoot. A RemoteInputs entry adds a
// remote-only name backed by the disk content of the local path it
// names, for a cmd whose remote view of an input differs from what
// this machine calls it (e.g. a case-normalized include path). An
// input listed under that local path keeps its own entry as well.
func (c *Cmd) inputTree(ctx context.Context) ([]merkletree.Entry, error) {
	inputs := c.AllInputs()
	if clog.FromContext(ctx).V(1) {
		clog.Infof(ctx, "tree @%s %s", c.ExecRoot, inputs)
	}

	// localFor maps the name that ends up in the tree to the local,
	// ExecRoot-relative path that supplies its content.
	localFor := make(map[string]string, len(inputs)+len(c.RemoteInputs))
	for _, in := range inputs {
		localFor[in] = in
	}
	for r, l := range c.RemoteInputs {
		localFor[r] = l
	}
	names := make([]string, 0, len(localFor))
	for name := range localFor {
		names = append(names, name)
	}
	sort.Strings(names)

	ents := make([]merkletree.Entry, 0, len(names))
	for _, name := range names {
		local := localFor[name]
		diskPath := filepath.Join(c.ExecRoot, local)
		fi, err := os.Lstat(diskPath)
		if err != nil {
			return nil, fmt.Errorf("stat input %s: %w", local, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(diskPath)
			if err != nil {
				return nil, fmt.Errorf("readlink input %s: %w", local, err)
			}
			ents = append(ents, merkletree.Entry{Name: name, Target: target})
			continue
		}
		data, err := digest.FromLocalFile(ctx, digest.LocalFileSource{Fname: diskPath})
		if err != nil {
			return nil, fmt.Errorf("hash input %s: %w", local, err)
		}
		ents = append(ents, merkletree.Entry{
			Name:         name,
			Data:         data,
			IsExecutable: fi.Mode()&0o111 != 0,
		})
	}
	return ents, nil
}

// canonicalizeOutDir is the name every cmd's working directory is
// rewritten to before hashing, so the same action run from "out/Debug"
// and "out/Release" produces an identical input root and shares cache
// entries.
const canonicalizeOutDir = "out/x"

// canonicalizeDir rewrites ents and treeInputs so any path beneath
// c.Dir appears instead beneath canonicalizeOutDir, leaving paths
// outside c.Dir untouched. It mutates and returns its arguments.
func (c *Cmd) canonicalizeDir(ctx context.Context, ents []merkletree.Entry, treeInputs []merkletree.TreeEntry) ([]merkletree.Entry, []merkletree.TreeEntry) {
	dir := path.Clean(filepath.ToSlash(c.Dir))
	if dir == "" || dir == "." {
		return ents, treeInputs
	}
	prefix := dir + "/"
	if clog.FromContext(ctx).V(2) {
		clog.Infof(ctx, "canonicalize dir %s -> %s", dir, canonicalizeOutDir)
	}
	for i, ent := range ents {
		if strings.HasPrefix(ent.Name, prefix) {
			ents[i].Name = canonicalizeOutDir + "/" + strings.TrimPrefix(ent.Name, prefix)
		}
	}
	for i, t := range treeInputs {
		if strings.HasPrefix(t.Name, prefix) {
			treeInputs[i].Name = canonicalizeOutDir + "/" + strings.TrimPrefix(t.Name, prefix)
		}
	}
	return ents, treeInputs
}

// treeDigest returns a digest for the Merkle tree entries, grafting any
// precomputed subtrees at their names.
func treeDigest(ctx context.Context, entries []merkletree.Entry, treeInputs []merkletree.TreeEntry, ds *digest.Store) (digest.Digest, error) {
	t := merkletree.New(ds)
	for _, ent := range entries {
		if clog.FromContext(ctx).V(2) {
			clog.Infof(ctx, "input entry: %#v", ent)
		}
		err := t.Set(ent)
		if err != nil {
			return digest.Digest{}, err
		}
	}
	for _, tentry := range treeInputs {
		if clog.FromContext(ctx).V(2) {
			clog.Infof(ctx, "tree entry: %#v", tentry)
		}
		err := t.SetTree(tentry)
		if err != nil {
			return digest.Digest{}, err
		}
	}

	d, err := t.Build(ctx)
	if err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// SetActionResult sets the action result for the cmd. cached reports
// whether result came from the action cache or an already-recorded
// remote execution, as opposed to a fresh local run.
func (c *Cmd) SetActionResult(result *rpb.ActionResult, cached bool) {
	c.actionResult = result
	c.cached = cached
}

// ActionResult returns the action result of the cmd, and whether it
// was a cache hit.
func (c *Cmd) ActionResult() (*rpb.ActionResult, bool) {
	return c.actionResult, c.cached
}

// ExitError is an error of cmd exit.
type ExitError struct {
	ExitCode int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("exit=%d", e.ExitCode)
}
