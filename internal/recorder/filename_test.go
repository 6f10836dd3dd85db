// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import "testing"

func TestParseFilenameSpec(t *testing.T) {
	tests := []struct {
		name string
		spec string
		want string
	}{
		{"plain path", "/data/run1.xdf", "/data/run1.xdf"},
		{"relative plain path", "out/run1.xdf", "out/run1.xdf"},
		{
			"full template",
			"{root:/data} {template:sub-{p}_run-{r}.xdf} {p:001} {r:baseline}",
			"/data/sub-001_run-baseline.xdf",
		},
		{
			"template without root",
			"{template:sub-{p}.xdf} {p:002}",
			"sub-002.xdf",
		},
		{
			"template without variables",
			"{root:/tmp} {template:t.xdf}",
			"/tmp/t.xdf",
		},
		{
			"empty variable value",
			"{template:run-{r}.xdf} {r:}",
			"run-.xdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilenameSpec(tt.spec)
			if err != nil {
				t.Fatalf("ParseFilenameSpec: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseFilenameSpec_Errors(t *testing.T) {
	tests := []struct {
		name string
		spec string
	}{
		{"empty spec", "   "},
		{"missing variable", "{root:/tmp} {template:sub-{p}.xdf}"},
		{"tokens without template", "{root:/tmp} {p:001}"},
		{"unbalanced braces", "{root:/tmp} {template:t.xdf"},
		{"stray text", "{root:/tmp} junk {template:t.xdf}"},
		{"token without key", "{:value} {template:t.xdf}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilenameSpec(tt.spec)
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != KindBadRequest {
				t.Errorf("expected BadRequest, got %v", KindOf(err))
			}
		})
	}
}
