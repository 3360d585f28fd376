// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package pathutil provides slash-path helpers shared by the command
// parser and action builder: level-of-indirection counting, relative
// path construction and prefix checks, all independent of the local
// filesystem.
package pathutil

import (
	"strings"
)

// Normalize collapses ".", ".." and empty segments in path, the way
// filepath.Clean does, but always on slash-separated input regardless
// of GOOS. A leading "/" is preserved; a leading ".." beyond the root
// is dropped rather than erroring, matching make-style path cleanup.
func Normalize(path string) string {
	if path == "" {
		return "."
	}
	global := strings.HasPrefix(path, "/")
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segments) > 0 && segments[len(segments)-1] != ".." {
				segments = segments[:len(segments)-1]
				continue
			}
			if global {
				continue
			}
			segments = append(segments, seg)
		default:
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		if global {
			return "/"
		}
		return "."
	}
	result := strings.Join(segments, "/")
	if global {
		return "/" + result
	}
	return result
}

// ParentDirectoryLevel returns the number of leading ".." segments
// needed to reach a common ancestor of path with the directory it is
// relative to. A path with no ".." components returns 0.
func ParentDirectoryLevel(path string) int {
	level, lowest := 0, 0
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		last := i == len(segs)-1
		switch seg {
		case "", ".":
		case "..":
			level--
			if level < lowest {
				lowest = level
			}
		default:
			if !last {
				level++
			}
		}
	}
	return -lowest
}

// LastNSegments returns the last n slash-separated segments of path,
// without a trailing slash. It panics if path has fewer than n
// segments: callers are expected to have already bounded n by the
// path's own depth.
func LastNSegments(path string, n int) string {
	if n == 0 {
		return ""
	}
	trimmed := strings.TrimSuffix(path, "/")
	segs := strings.Split(trimmed, "/")
	if len(segs) < n {
		panic("pathutil: not enough segments in path")
	}
	return strings.Join(segs[len(segs)-n:], "/")
}

// HasPrefix reports whether path is prefix or lies under it,
// comparing whole segments rather than raw byte prefixes.
func HasPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	p := strings.TrimSuffix(path, "/") + "/"
	pre := strings.TrimSuffix(prefix, "/") + "/"
	return strings.HasPrefix(p, pre)
}

// MakeRelative rewrites an absolute path to be relative to base. If
// path is not absolute, or base is empty, path is returned unchanged.
// The result uses ".." segments when path is not under base.
func MakeRelative(path, base string) string {
	if base == "" || path == "" || !strings.HasPrefix(path, "/") {
		return path
	}
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")
	baseSegs := strings.Split(strings.Trim(base, "/"), "/")

	common := 0
	for common < len(pathSegs) && common < len(baseSegs) && pathSegs[common] == baseSegs[common] {
		common++
	}

	var out []string
	for i := common; i < len(baseSegs); i++ {
		out = append(out, "..")
	}
	out = append(out, pathSegs[common:]...)
	if len(out) == 0 {
		return "."
	}
	return strings.Join(out, "/")
}
