// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ccparse classifies a compiler invocation and builds the
// dependency-discovery command used to extract the header set a
// compile step actually touches, without running the compiler twice.
package ccparse

import (
	"os"
	"sort"
	"strings"
)

// ParseResult is the outcome of parsing one compiler invocation.
type ParseResult struct {
	IsCompilerCommand          bool
	IsMDOptions                bool
	ProducesSunMakeRules       bool
	ContainsUnsupportedOptions bool

	Compiler string

	// OriginalCommand is the full argument vector as given.
	OriginalCommand []string

	DefaultDepsCommand  []string
	PreProcessorOptions []string
	DepsCommand         []string

	CommandProducts     map[string]bool
	DepsCommandProducts map[string]bool

	// AIXDepsFile is the scoped temp file AIX's "-MF" dep output is
	// written to. Empty unless Compiler is an AIX compiler. Callers
	// must call CleanupAIXDepsFile once done with the ParseResult.
	AIXDepsFile string
}

// Products returns the command's declared outputs, sorted.
func (r *ParseResult) Products() []string {
	return sortedKeys(r.CommandProducts)
}

// DepsProducts returns the dependency-discovery command's declared
// outputs, sorted.
func (r *ParseResult) DepsProducts() []string {
	return sortedKeys(r.DepsCommandProducts)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	gccCompilers = map[string]bool{
		"gcc": true, "g++": true, "c++": true, "clang": true, "clang++": true,
	}
	sunCompilers = map[string]bool{"CC": true}
	aixCompilers = map[string]bool{
		"xlc": true, "xlc++": true, "xlC": true, "xlCcore": true, "xlc++core": true,
	}
	javaCompilers = map[string]bool{"javac": true, "java": true}
	cCompilers    = map[string]bool{"cc": true, "c89": true, "c99": true}

	gccSupportedLanguages = map[string]bool{
		"c": true, "c++": true, "c-header": true, "c++-header": true,
		"c++-system-header": true, "c++-user-header": true,
	}

	gccDefaultDeps     = []string{"-M"}
	sunDefaultDeps     = []string{"-xM"}
	aixDefaultDepsBase = []string{"-qsyntaxonly", "-M", "-MF"}
)

// SupportedRemoteExecuteCommands are the compiler invocation prefixes
// (with a trailing space so "gcc" doesn't also match "gcc-13") that
// the edge classifier treats as remote-executable.
var SupportedRemoteExecuteCommands = []string{
	"gcc ", "g++ ", "c++ ", "clang ", "clang++ ", "javac ",
}

// CommandBaseName converts a command path ("/usr/bin/gcc-13") to a
// bare compiler name ("gcc"), stripping a trailing "_r" reentrancy
// suffix and version characters (digits, '.', '-').
func CommandBaseName(path string) string {
	base := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		base = path[i+1:]
	}
	base = strings.TrimSuffix(base, "_r")
	i := len(base)
	for i > 0 {
		c := base[i-1]
		if (c >= '0' && c <= '9') || c == '.' || c == '-' {
			i--
			continue
		}
		break
	}
	return base[:i]
}

// state threads the remaining, unparsed argument vector and the
// ParseResult being built through the rule table.
type state struct {
	result    *ParseResult
	remaining []string
}

func (st *state) front() string {
	return st.remaining[0]
}

func (st *state) popFront() string {
	f := st.remaining[0]
	st.remaining = st.remaining[1:]
	return f
}

func (st *state) pushFront(s string) {
	st.remaining = append([]string{s}, st.remaining...)
}

// ParseCommand classifies command's leading argument as a compiler
// invocation and builds the dependency-discovery command for it.
// An empty command yields a ParseResult with nothing populated. An
// unrecognized compiler yields one with IsCompilerCommand false and
// Compiler set to its base name; no option is classified, so
// DepsCommand is the command as given.
func ParseCommand(command []string) *ParseResult {
	result := &ParseResult{
		CommandProducts:     map[string]bool{},
		DepsCommandProducts: map[string]bool{},
	}
	if len(command) == 0 || command[0] == "" {
		return result
	}
	compiler := command[0]
	result.Compiler = CommandBaseName(compiler)

	var rules map[string]ruleFunc
	switch {
	case gccCompilers[result.Compiler]:
		result.DefaultDepsCommand = append([]string{}, gccDefaultDeps...)
		rules = gccRules
	case sunCompilers[result.Compiler]:
		result.DefaultDepsCommand = append([]string{}, sunDefaultDeps...)
		result.ProducesSunMakeRules = true
		rules = sunRules
	case aixCompilers[result.Compiler]:
		result.ProducesSunMakeRules = true
		if f, err := os.CreateTemp("", "ninja_tmp_"); err == nil {
			result.AIXDepsFile = f.Name()
			f.Close()
		}
		result.DefaultDepsCommand = append(append([]string{}, aixDefaultDepsBase...), result.AIXDepsFile)
		rules = aixRules
	}

	result.DepsCommand = append(result.DepsCommand, compiler)
	st := &state{result: result, remaining: append([]string{}, command[1:]...)}
	runRules(st, rules)

	result.OriginalCommand = append([]string{}, command...)

	if result.ContainsUnsupportedOptions {
		result.IsCompilerCommand = false
		return result
	}

	if len(result.PreProcessorOptions) > 0 {
		pre := &ParseResult{CommandProducts: map[string]bool{}, DepsCommandProducts: map[string]bool{}}
		preSt := &state{result: pre, remaining: append([]string{}, result.PreProcessorOptions...)}
		runRules(preSt, gccPreprocessorRules)

		for _, arg := range pre.DepsCommand {
			result.DepsCommand = append(result.DepsCommand, "-Xpreprocessor", arg)
		}
		for k := range pre.CommandProducts {
			result.CommandProducts[k] = true
		}
		for k := range pre.DepsCommandProducts {
			result.DepsCommandProducts[k] = true
		}
		result.IsMDOptions = pre.IsMDOptions || result.IsMDOptions
	}

	result.DepsCommand = append(result.DepsCommand, result.DefaultDepsCommand...)
	return result
}

// CleanupAIXDepsFile removes the scoped temp file ParseCommand created
// for an AIX dependency-discovery command, if any.
func CleanupAIXDepsFile(result *ParseResult) {
	if result.AIXDepsFile == "" {
		return
	}
	os.Remove(result.AIXDepsFile)
}

func runRules(st *state, rules map[string]ruleFunc) {
	for len(st.remaining) > 0 {
		curr := st.front()
		key, fn, ok := matchCompilerOption(curr, rules)
		if ok {
			fn(st, key)
			continue
		}
		st.result.DepsCommand = append(st.result.DepsCommand, curr)
		st.popFront()
	}
}

// matchCompilerOption looks up the rule for option, first by an exact
// match on the part before "=" (so "--sysroot=/x" matches a
// "--sysroot" rule), then by the longest registered prefix.
func matchCompilerOption(option string, rules map[string]ruleFunc) (string, ruleFunc, bool) {
	if rules == nil || !strings.HasPrefix(option, "-") {
		return "", nil, false
	}
	opt := option
	if i := strings.IndexByte(opt, '='); i >= 0 {
		opt = opt[:i]
	}
	opt = strings.ReplaceAll(opt, " ", "")
	if fn, ok := rules[opt]; ok {
		return opt, fn, true
	}
	var bestKey string
	var bestFn ruleFunc
	for key, fn := range rules {
		if strings.HasPrefix(option, key) && len(key) > len(bestKey) {
			bestKey, bestFn = key, fn
		}
	}
	if bestFn != nil {
		return bestKey, bestFn, true
	}
	return "", nil, false
}
