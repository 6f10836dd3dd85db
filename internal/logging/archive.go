// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// Modos de arquivamento do log de sessão.
const (
	ArchiveNone = "none"
	ArchiveGzip = "gzip"
	ArchiveZstd = "zst"
)

// ArchiveSessionLog comprime o arquivo de log de uma sessão finalizada e
// remove o original. mode é um dos Archive*; "none" (ou path vazio) é no-op.
// Retorna o path do arquivo comprimido.
func ArchiveSessionLog(logPath, mode string) (string, error) {
	if logPath == "" || mode == "" || mode == ArchiveNone {
		return logPath, nil
	}

	src, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("opening session log: %w", err)
	}
	defer src.Close()

	var ext string
	switch mode {
	case ArchiveGzip:
		ext = ".gz"
	case ArchiveZstd:
		ext = ".zst"
	default:
		return "", fmt.Errorf("unknown session log archive mode %q", mode)
	}

	dstPath := logPath + ext
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("creating archived session log: %w", err)
	}

	var cw io.WriteCloser
	switch mode {
	case ArchiveGzip:
		cw = pgzip.NewWriter(dst)
	case ArchiveZstd:
		zw, zerr := zstd.NewWriter(dst)
		if zerr != nil {
			dst.Close()
			os.Remove(dstPath)
			return "", fmt.Errorf("creating zstd writer: %w", zerr)
		}
		cw = zw
	}

	if _, err := io.Copy(cw, src); err != nil {
		cw.Close()
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("compressing session log: %w", err)
	}
	if err := cw.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("finishing session log archive: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("closing archived session log: %w", err)
	}

	if err := os.Remove(logPath); err != nil {
		return "", fmt.Errorf("removing plain session log: %w", err)
	}
	return dstPath, nil
}
