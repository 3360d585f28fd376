// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package merkletree builds the content-hashed directory tree that serves
// as an action's input root.
//
// You can find the Tree proto in REAPI here:
// https://github.com/bazelbuild/remote-apis/blob/c1c1ad2c97ed18943adb55f06657440daa60d833/build/bazel/remote/execution/v2/remote_execution.proto#L838
package merkletree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/infra/remotecore/reapi/digest"
	"go.chromium.org/infra/remotecore/o11y/clog"
)

// MerkleTree represents a merkle tree being built from NestedDirectory
// entries, ready to be serialized into its canonical digest-addressed form.
type MerkleTree struct {
	// m maps dirname to its Directory proto; empty dirname is the root.
	m     map[string]*rpb.Directory
	store *digest.Store
}

// New creates a new, empty merkle tree whose blobs are recorded in store.
func New(store *digest.Store) *MerkleTree {
	return &MerkleTree{
		m:     map[string]*rpb.Directory{"": {}},
		store: store,
	}
}

// Entry is an entry to add to the tree.
type Entry struct {
	// Name is the slash-separated path from the tree root. It need not
	// be clean: "dir1/../dir2/file" creates "dir1/", "dir2/", and
	// "dir2/file". An escape out of the root is an error.
	Name string

	// Data is the entry's content. Zero for directories and symlinks.
	Data digest.Data

	// IsExecutable marks a file entry as executable.
	IsExecutable bool

	// Target, if non-empty, makes this entry a symlink to Target.
	Target string
}

// IsDir reports whether the entry is a (possibly implicit) directory.
func (e Entry) IsDir() bool {
	return e.Data.IsZero() && e.Target == ""
}

// IsSymlink reports whether the entry is a symlink.
func (e Entry) IsSymlink() bool {
	return e.Data.IsZero() && e.Target != ""
}

var (
	// ErrAbsPath indicates an Entry's Name was an absolute path.
	ErrAbsPath = errors.New("merkletree: absolute path name")
	// ErrAmbigFileSymlink indicates an Entry has both Data and Target,
	// so the intended node type cannot be determined.
	ErrAmbigFileSymlink = errors.New("merkletree: unable to determine file vs symlink")
	// ErrBadPath indicates Name contains an invalid path component.
	ErrBadPath = errors.New("merkletree: bad path component")
	// ErrBadTree indicates a TreeEntry carries a zero digest.
	ErrBadTree = errors.New("merkletree: bad tree")
	// ErrPrecomputedSubTree indicates an attempt to mutate beneath a
	// subtree that was set by digest alone (no expanded contents).
	ErrPrecomputedSubTree = errors.New("merkletree: set in precomputed subtree")
)

type dirstate struct {
	name string
	dir  *rpb.Directory
}

func splitElem(fname string) []string {
	return strings.Split(fname, "/")
}

// Set adds entry to the tree, creating any intermediate directories.
func (m *MerkleTree) Set(entry Entry) error {
	fname := entry.Name
	if entry.Target != "" && !entry.Data.IsZero() {
		return fmt.Errorf("set %s: %w", fname, ErrAmbigFileSymlink)
	}
	if filepath.IsAbs(fname) || strings.HasPrefix(fname, "/") || strings.HasPrefix(fname, `\`) {
		return fmt.Errorf("set %s: %w", fname, ErrAbsPath)
	}
	fname = filepath.ToSlash(fname)
	if entry.IsDir() || entry.Target != "" {
		if _, exists := m.m[fname]; exists {
			return nil
		}
	}
	elems := splitElem(fname)
	if len(elems) == 0 {
		if !entry.Data.IsZero() {
			return fmt.Errorf("set %s: %w", fname, ErrBadPath)
		}
		return nil
	}
	cur := dirstate{name: ".", dir: m.RootDirectory()}
	var dirstack []dirstate
	for {
		var name string
		name, elems = elems[0], elems[1:]
		if len(elems) == 0 {
			if entry.Data.IsZero() {
				switch name {
				case "":
					return fmt.Errorf("set %s: empty path element: %w", fname, ErrBadPath)
				case ".":
					return nil
				case "..":
					if len(dirstack) == 0 {
						return fmt.Errorf("set %s: out of exec root: %w", fname, ErrBadPath)
					}
					return nil
				}
				if entry.IsSymlink() {
					cur.dir.Symlinks = append(cur.dir.Symlinks, &rpb.SymlinkNode{
						Name:   name,
						Target: entry.Target,
					})
					return nil
				}
				_, err := m.setDir(cur, name)
				return err
			}
			if name == "." || name == ".." {
				return fmt.Errorf("set %s: unexpected %s: %w", fname, name, ErrBadPath)
			}
			if m.store != nil {
				m.store.Set(entry.Data)
			}
			cur.dir.Files = append(cur.dir.Files, &rpb.FileNode{
				Name:         name,
				Digest:       entry.Data.Digest().Proto(),
				IsExecutable: entry.IsExecutable,
			})
			return nil
		}
		switch name {
		case "", ".":
			continue
		case "..":
			if len(dirstack) == 0 {
				return fmt.Errorf("set %s: out of exec root: %w", fname, ErrBadPath)
			}
			cur, dirstack = dirstack[len(dirstack)-1], dirstack[:len(dirstack)-1]
			continue
		}
		dirstack = append(dirstack, cur)
		var err error
		cur, err = m.setDir(cur, name)
		if err != nil {
			return fmt.Errorf("set %s: %w", fname, err)
		}
	}
}

func pathJoin(dir, base string) string {
	if dir == "." || dir == "" {
		return base
	}
	var b strings.Builder
	b.Grow(len(dir) + 1 + len(base))
	b.WriteString(dir)
	b.WriteByte('/')
	b.WriteString(base)
	return b.String()
}

func (m *MerkleTree) setDir(cur dirstate, name string) (dirstate, error) {
	dirname := pathJoin(cur.name, name)
	dir, exists := m.m[dirname]
	if !exists {
		cur.dir.Directories = append(cur.dir.Directories, &rpb.DirectoryNode{Name: name})
		dir = &rpb.Directory{}
		m.m[dirname] = dir
	}
	if dir == nil {
		return dirstate{}, ErrPrecomputedSubTree
	}
	return dirstate{name: dirname, dir: dir}, nil
}

// TreeEntry is a precomputed subtree entry: its contents are known only
// by digest, useful when the same directory is reused across many actions.
type TreeEntry struct {
	// Name is the slash-separated path from the tree root.
	Name string
	// Digest is the digest of the subtree's root Directory.
	Digest digest.Digest
	// Store, if non-nil, holds the blobs composing the subtree so they
	// can be merged into the final upload set.
	Store *digest.Store
}

// SetTree grafts a precomputed subtree at tentry.Name.
func (m *MerkleTree) SetTree(tentry TreeEntry) error {
	dname := tentry.Name
	if tentry.Digest.IsZero() {
		return fmt.Errorf("setTree %s: %w", dname, ErrBadTree)
	}
	if filepath.IsAbs(dname) || strings.HasPrefix(dname, "/") || strings.HasPrefix(dname, `\`) {
		return fmt.Errorf("setTree %s: %w", dname, ErrAbsPath)
	}
	dname = filepath.ToSlash(dname)
	if _, exists := m.m[dname]; exists {
		return fmt.Errorf("setTree %s: %w", dname, ErrPrecomputedSubTree)
	}
	elems := splitElem(dname)
	if len(elems) == 0 {
		return nil
	}
	cur := dirstate{name: ".", dir: m.RootDirectory()}
	var dirstack []dirstate
	for {
		var name string
		name, elems = elems[0], elems[1:]
		if len(elems) == 0 {
			if name == "" {
				return fmt.Errorf("setTree %s: empty path element: %w", dname, ErrBadPath)
			}
			if name == "." || name == ".." {
				return fmt.Errorf("setTree %s: %s at the leaf: %w", dname, name, ErrBadPath)
			}
			m.setTree(cur, name, tentry.Digest, tentry.Store)
			return nil
		}
		switch name {
		case "", ".":
			continue
		case "..":
			if len(dirstack) == 0 {
				return fmt.Errorf("setTree %s: out of exec root: %w", dname, ErrBadPath)
			}
			cur, dirstack = dirstack[len(dirstack)-1], dirstack[:len(dirstack)-1]
			continue
		}
		dirstack = append(dirstack, cur)
		var err error
		cur, err = m.setDir(cur, name)
		if err != nil {
			return fmt.Errorf("setTree %s: %w", dname, err)
		}
	}
}

func (m *MerkleTree) setTree(cur dirstate, name string, d digest.Digest, store *digest.Store) {
	dirname := pathJoin(cur.name, name)
	cur.dir.Directories = append(cur.dir.Directories, &rpb.DirectoryNode{
		Name:   name,
		Digest: d.Proto(),
	})
	if _, exists := m.m[dirname]; !exists {
		m.m[dirname] = nil
	}
	if m.store != nil {
		m.store.Merge(store)
	}
}

// Build serializes the tree and returns its root digest. Every Directory
// proto is added to the tree's store, keyed by its own digest.
func (m *MerkleTree) Build(ctx context.Context) (digest.Digest, error) {
	return m.buildTree(ctx, m.m[""], "")
}

// RootDirectory returns the root Directory proto, pre-serialization.
func (m *MerkleTree) RootDirectory() *rpb.Directory {
	return m.m[""]
}

// buildTree recursively serializes curdir (located at dirname), sorting
// its children by name (the canonical wire form), and returns its digest.
func (m *MerkleTree) buildTree(ctx context.Context, curdir *rpb.Directory, dirname string) (digest.Digest, error) {
	names := map[string]proto.Message{}
	var files []*rpb.FileNode
	for _, f := range curdir.Files {
		if p, found := names[f.Name]; found {
			if !proto.Equal(f, p) {
				return digest.Digest{}, fmt.Errorf("duplicate file %s in %s: %s != %s", f.Name, dirname, f, p)
			}
			clog.Infof(ctx, "duplicate file %s in %s: %s", f.Name, dirname, f)
			continue
		}
		names[f.Name] = f
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	curdir.Files = files

	var dirs []*rpb.DirectoryNode
	for _, subdir := range curdir.Directories {
		childDirname := pathJoin(dirname, subdir.Name)
		dir, found := m.m[childDirname]
		if !found {
			return digest.Digest{}, fmt.Errorf("directory not found: %s", childDirname)
		}
		if dir != nil && subdir.Digest == nil {
			d, err := m.buildTree(ctx, dir, childDirname)
			if err != nil {
				return digest.Digest{}, err
			}
			subdir.Digest = d.Proto()
		}
		if p, found := names[subdir.Name]; found {
			if !proto.Equal(subdir, p) {
				return digest.Digest{}, fmt.Errorf("duplicate dir %s in %s: %s != %s", subdir.Name, dirname, subdir, p)
			}
			continue
		}
		names[subdir.Name] = subdir
		dirs = append(dirs, subdir)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	curdir.Directories = dirs

	var symlinks []*rpb.SymlinkNode
	for _, s := range curdir.Symlinks {
		if p, found := names[s.Name]; found {
			if _, isDir := p.(*rpb.DirectoryNode); isDir {
				// A directory of the same name wins, as it does in Set.
				clog.Infof(ctx, "symlink %s in %s shadowed by directory", s.Name, dirname)
				continue
			}
			if !proto.Equal(s, p) {
				return digest.Digest{}, fmt.Errorf("duplicate symlink %s in %s: %s != %s", s.Name, dirname, s, p)
			}
			continue
		}
		names[s.Name] = s
		symlinks = append(symlinks, s)
	}
	sort.Slice(symlinks, func(i, j int) bool { return symlinks[i].Name < symlinks[j].Name })
	curdir.Symlinks = symlinks

	data, err := digest.FromProtoMessage(curdir)
	if err != nil {
		return digest.Digest{}, fmt.Errorf("directory digest %s: %w", dirname, err)
	}
	if m.store != nil {
		m.store.Set(data)
	}
	return data.Digest(), nil
}

// Directories returns every Directory proto currently in the tree.
func (m *MerkleTree) Directories() []*rpb.Directory {
	dirs := make([]*rpb.Directory, 0, len(m.m))
	for _, d := range m.m {
		if d != nil {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
