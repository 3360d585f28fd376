// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ccparse

import "strings"

// ruleFunc classifies and consumes one option (and, for options that
// take a separate argument, the argument that follows it) from
// st.remaining.
type ruleFunc func(st *state, option string)

var gccRules = map[string]ruleFunc{
	"-MD":                          ruleInterferesWithDeps,
	"-MMD":                         ruleInterferesWithDeps,
	"-M":                           ruleInterferesWithDeps,
	"-MM":                          ruleInterferesWithDeps,
	"-MG":                          ruleInterferesWithDeps,
	"-MP":                          ruleInterferesWithDeps,
	"-MV":                          ruleInterferesWithDeps,
	"-Wmissing-include-dirs":       ruleInterferesWithDeps,
	"-Werror=missing-include-dirs": ruleInterferesWithDeps,
	"-c":                           ruleIsCompileOption,
	"-D":                           ruleIsMacro,
	"-o":                           ruleRedirectsOutput,
	"-MF":                          ruleRedirectsDepsOutput,
	"-MT":                          ruleRedirectsDepsOutput,
	"-MQ":                          ruleRedirectsDepsOutput,
	"-include":                     ruleIsInputPath,
	"-imacros":                     ruleIsInputPath,
	"-I":                           ruleIsInputPath,
	"-iquote":                      ruleIsInputPath,
	"-isystem":                     ruleIsInputPath,
	"-idirafter":                   ruleIsInputPath,
	"-iprefix":                     ruleIsInputPath,
	"-isysroot":                    ruleIsInputPath,
	"--sysroot":                    ruleIsInputPath,
	"-Wp,":                         ruleIsPreprocessorArg,
	"-Xpreprocessor":               ruleIsPreprocessorArg,
	"-x":                           ruleSetsGccLanguage,
}

var gccPreprocessorRules = map[string]ruleFunc{
	"-MD":        ruleInterferesWithDeps,
	"-MMD":       ruleInterferesWithDeps,
	"-M":         ruleInterferesWithDeps,
	"-MM":        ruleInterferesWithDeps,
	"-MG":        ruleInterferesWithDeps,
	"-MP":        ruleInterferesWithDeps,
	"-MV":        ruleInterferesWithDeps,
	"-o":         ruleRedirectsOutput,
	"-MF":        ruleRedirectsDepsOutput,
	"-MT":        ruleRedirectsDepsOutput,
	"-MQ":        ruleRedirectsDepsOutput,
	"-include":   ruleIsInputPath,
	"-imacros":   ruleIsInputPath,
	"-I":         ruleIsInputPath,
	"-iquote":    ruleIsInputPath,
	"-isystem":   ruleIsInputPath,
	"-idirafter": ruleIsInputPath,
	"-iprefix":   ruleIsInputPath,
	"-isysroot":  ruleIsInputPath,
	"--sysroot":  ruleIsInputPath,
}

var sunRules = map[string]ruleFunc{
	"-xM":       ruleInterferesWithDeps,
	"-xM1":      ruleInterferesWithDeps,
	"-xMD":      ruleInterferesWithDeps,
	"-xMMD":     ruleInterferesWithDeps,
	"-D":        ruleIsMacro,
	"-o":        ruleRedirectsOutput,
	"-xMF":      ruleRedirectsOutput,
	"-I":        ruleIsInputPath,
	"-include":  ruleIsInputPath,
	"-c":        ruleIsCompileOption,
	"-xpch":     ruleIsUnsupported,
	"-xprofile": ruleIsUnsupported,
	"-###":      ruleIsUnsupported,
}

var aixRules = map[string]ruleFunc{
	"-qmakedep":              ruleInterferesWithDeps,
	"-qmakedep=gcc":          ruleInterferesWithDeps,
	"-M":                     ruleInterferesWithDeps,
	"-qsyntaxonly":           ruleInterferesWithDeps,
	"-D":                     ruleIsMacro,
	"-o":                     ruleRedirectsOutput,
	"-MF":                    ruleRedirectsOutput,
	"-qexpfile":              ruleRedirectsOutput,
	"-qinclude":              ruleIsInputPath,
	"-I":                     ruleIsInputPath,
	"-qcinc":                 ruleIsInputPath,
	"-c":                     ruleIsCompileOption,
	"-#":                     ruleIsUnsupported,
	"-qshowpdf":              ruleIsUnsupported,
	"-qdump_class_hierarchy": ruleIsUnsupported,
}

func ruleInterferesWithDeps(st *state, _ string) {
	if st.front() == "-MMD" || st.front() == "-MD" {
		st.result.IsMDOptions = true
	}
	st.popFront()
}

func ruleIsInputPath(st *state, option string) {
	gccOption(st, option, true, false, false)
}

func ruleIsCompileOption(st *state, _ string) {
	st.result.IsCompilerCommand = true
	appendAndRemoveOption(st, false, true, false, false)
}

func ruleIsUnsupported(st *state, _ string) {
	st.result.ContainsUnsupportedOptions = true
	st.result.DepsCommand = append(st.result.DepsCommand, st.remaining...)
	st.remaining = nil
}

func ruleRedirectsOutput(st *state, option string) {
	gccOption(st, option, false, true, false)
}

func ruleRedirectsDepsOutput(st *state, option string) {
	gccOption(st, option, false, true, true)
}

// ruleIsMacro handles "-Dname", "-Dname=val", "-D name" and
// "-D name=val": a space between "-D" and the macro just means the
// macro token is the next argument rather than a suffix.
func ruleIsMacro(st *state, option string) {
	token := st.front()
	st.result.DepsCommand = append(st.result.DepsCommand, token)
	if token == option {
		st.popFront()
		st.result.DepsCommand = append(st.result.DepsCommand, st.front())
	}
	st.popFront()
}

func ruleSetsGccLanguage(st *state, option string) {
	originalCmdOpt := st.popFront()
	var language string
	if originalCmdOpt == option {
		if len(st.remaining) == 0 {
			st.result.ContainsUnsupportedOptions = true
			return
		}
		language = st.front()
	} else {
		language = strings.TrimPrefix(originalCmdOpt, option)
	}
	st.pushFront(originalCmdOpt)
	if !gccSupportedLanguages[language] {
		st.result.ContainsUnsupportedOptions = true
	}
	gccOption(st, option, true, false, false)
}

func ruleIsPreprocessorArg(st *state, option string) {
	val := st.front()
	switch option {
	case "-Wp,":
		optionList := strings.TrimPrefix(val, option)
		st.result.PreProcessorOptions = append(st.result.PreProcessorOptions, parseStageOptionList(optionList)...)
	case "-Xpreprocessor":
		st.popFront()
		st.result.PreProcessorOptions = append(st.result.PreProcessorOptions, st.front())
	}
	st.popFront()
}

// gccOption handles an option that takes a path, either as a separate
// argument ("-I /usr/include") or glued/equals form
// ("-I/usr/include", "--sysroot=/x").
func gccOption(st *state, option string, toDeps, isOutput, depsOutput bool) {
	val := st.front()
	if val == option {
		appendAndRemoveOption(st, false, toDeps, false, false)
		appendAndRemoveOption(st, true, toDeps, isOutput, depsOutput)
		return
	}
	optionPath := val[len(option):]
	modifiedOption := option
	if i := strings.IndexByte(val, '='); i >= 0 {
		modifiedOption += "="
		optionPath = val[i+1:]
	}
	switch {
	case isOutput && !depsOutput:
		st.result.CommandProducts[optionPath] = true
	case isOutput:
		st.result.DepsCommandProducts[optionPath] = true
	case toDeps:
		st.result.DepsCommand = append(st.result.DepsCommand, modifiedOption+optionPath)
	}
	st.popFront()
}

func appendAndRemoveOption(st *state, isPath, toDeps, isOutput, depsOutput bool) {
	option := st.front()
	if isPath {
		if toDeps {
			st.result.DepsCommand = append(st.result.DepsCommand, option)
		}
		switch {
		case isOutput && !depsOutput:
			st.result.CommandProducts[option] = true
		case isOutput:
			st.result.DepsCommandProducts[option] = true
		}
	} else if toDeps {
		st.result.DepsCommand = append(st.result.DepsCommand, option)
	}
	st.popFront()
}

// parseStageOptionList splits a comma-separated "-Wp," option list,
// honoring single-quoted segments that may themselves contain commas.
func parseStageOptionList(option string) []string {
	var result []string
	var quoted bool
	var cur strings.Builder
	for _, c := range option {
		switch {
		case c == '\'':
			quoted = !quoted
		case c == ',' && !quoted:
			result = append(result, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	result = append(result, cur.String())
	return result
}
