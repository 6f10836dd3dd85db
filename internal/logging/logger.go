// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging configura o slog global do nrecorder e o log dedicado por
// sessão de gravação, com arquivamento opcional no encerramento.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// levelNames mapeia os nomes aceitos em logging.level.
var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// LoggerOptions são os campos de logging da configuração que interessam ao
// logger global. O bloco YAML completo vive em config; aqui entram apenas os
// campos já validados.
type LoggerOptions struct {
	Level  string
	Format string // "json" (default) | "text"
	File   string // vazio = somente stdout
}

// NewLogger cria o slog.Logger global do recorder. Todos os registros saem
// com os atributos fixos app e pid, que identificam o processo nos logs
// agregados de um host com vários recorders. Se File estiver definido, os
// registros vão para stdout e para o arquivo; o io.Closer retornado fecha o
// arquivo no shutdown (no-op sem arquivo).
func NewLogger(opts LoggerOptions) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	closer := io.Closer(io.NopCloser(nil))

	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", opts.File, err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	logger := slog.New(newHandler(out, opts.Format, parseLevel(opts.Level)))
	return logger.With("app", "nrecorder", "pid", os.Getpid()), closer
}

// newHandler monta um handler no formato pedido. Compartilhado entre o
// logger global e o arquivo de sessão (que força json+debug).
func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// parseLevel resolve o nome do nível; desconhecido ou vazio vira info.
func parseLevel(level string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}
