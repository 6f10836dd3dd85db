// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upload

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/nishisan-dev/n-recorder/internal/config"
)

func TestUploader_ObjectKey(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		path   string
		want   string
	}{
		{"no prefix", "", "/data/run1.xdf", "run1.xdf"},
		{"simple prefix", "recordings", "/data/run1.xdf", "recordings/run1.xdf"},
		{"prefix with slashes", "/lab/2026/", "/data/sub-001.xdf", "lab/2026/sub-001.xdf"},
		{"nested local path", "lab", "out/deep/dir/x.xdf", "lab/x.xdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &Uploader{prefix: tt.prefix}
			if got := u.ObjectKey(tt.path); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewUploader_StaticCredentials(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.UploadInfo{
		Enabled:   true,
		Bucket:    "recordings",
		Region:    "us-east-1",
		Endpoint:  "http://127.0.0.1:9000",
		AccessKey: "test-access",
		SecretKey: "test-secret",
	}

	u, err := NewUploader(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewUploader: %v", err)
	}
	if u.bucket != "recordings" {
		t.Errorf("expected bucket recordings, got %s", u.bucket)
	}
}

func TestUploader_UploadMissingFile(t *testing.T) {
	u := &Uploader{bucket: "b", logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := u.Upload(context.Background(), "/no/such/file.xdf"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
