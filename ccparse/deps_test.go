// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ccparse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMakeRules(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rules    []byte
		sunFormat bool
		want     []string
	}{
		{
			name:  "simple",
			rules: []byte("foo.o: bar baz qux"),
			want:  []string{"bar", "baz", "qux"},
		},
		{
			name:  "continuation",
			rules: []byte("foo.o: bar \\\n baz"),
			want:  []string{"bar", "baz"},
		},
		{
			name:  "escapedSpace",
			rules: []byte(`baz.o: foo\ bar`),
			want:  []string{"foo bar"},
		},
		{
			name:      "sunFormatKeepsUnescapedSpaces",
			rules:     []byte("foo.o: bar baz"),
			sunFormat: true,
			want:      []string{"bar baz"},
		},
		{
			name:  "multipleTargets",
			rules: []byte("a.o: b.rs c.rs\n\nb.rs:\nc.rs:\n"),
			want:  []string{"b.rs", "c.rs"},
		},
		{
			name:  "noColon",
			rules: []byte("nothing here"),
			want:  nil,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := sortedKeys(parseMakeRules(tc.rules, tc.sunFormat))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("parseMakeRules(%q, %t) -want +got:\n%s", tc.rules, tc.sunFormat, diff)
			}
		})
	}
}
