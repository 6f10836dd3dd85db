// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler despacha cada registro para todos os targets que o aceitam.
// Usado pelo SessionLog para alimentar o log global e o arquivo da sessão ao
// mesmo tempo; a falha de um target não suprime os demais.
type teeHandler struct {
	targets []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, t := range h.targets {
		if t.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, t := range h.targets {
		if !t.Enabled(ctx, r.Level) {
			continue
		}
		if err := t.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	targets := make([]slog.Handler, len(h.targets))
	for i, t := range h.targets {
		targets[i] = t.WithAttrs(attrs)
	}
	return &teeHandler{targets: targets}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	targets := make([]slog.Handler, len(h.targets))
	for i, t := range h.targets {
		targets[i] = t.WithGroup(name)
	}
	return &teeHandler{targets: targets}
}

// SessionLog é o log dedicado de uma sessão de gravação: um arquivo JSON em
// nível DEBUG que duplica tudo que a sessão emite, mais o que só interessa
// em replay de incidente. O ciclo de vida acompanha a sessão: StartSessionLog
// no start, Close (com arquivamento opcional) no stop, Abort quando o start
// falha no meio.
type SessionLog struct {
	// Logger emite simultaneamente no logger global e no arquivo da sessão,
	// já com o atributo session preenchido.
	Logger *slog.Logger

	file    *os.File
	path    string
	archive string
}

// StartSessionLog abre o log dedicado da sessão em {dir}/{sessionID}.log e
// retorna o SessionLog com o logger combinado. archiveMode é um dos Archive*
// e é aplicado no Close. Com dir vazio o recurso fica desabilitado: o Logger
// é o base (com o atributo session) e Close/Abort são no-ops.
func StartSessionLog(base *slog.Logger, dir, sessionID, archiveMode string) (*SessionLog, error) {
	if dir == "" {
		return &SessionLog{Logger: base.With("session", sessionID)}, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, sessionID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session log file %s: %w", path, err)
	}

	// O arquivo da sessão captura sempre em JSON nível DEBUG, independente
	// do nível do logger global.
	fileHandler := newHandler(f, "json", slog.LevelDebug)
	combined := &teeHandler{targets: []slog.Handler{base.Handler(), fileHandler}}

	return &SessionLog{
		Logger:  slog.New(combined).With("session", sessionID),
		file:    f,
		path:    path,
		archive: archiveMode,
	}, nil
}

// Path retorna o path do arquivo da sessão, ou vazio quando desabilitado.
func (sl *SessionLog) Path() string {
	return sl.path
}

// Close fecha o arquivo da sessão e aplica o arquivamento configurado.
// Retorna o path final (comprimido ou não), ou vazio quando desabilitado.
func (sl *SessionLog) Close() (string, error) {
	if sl.file == nil {
		return "", nil
	}
	if err := sl.file.Close(); err != nil {
		return "", fmt.Errorf("closing session log: %w", err)
	}
	sl.file = nil
	return ArchiveSessionLog(sl.path, sl.archive)
}

// Abort fecha e remove o arquivo da sessão. Usado quando o start falha
// depois do log já aberto; nada a arquivar.
func (sl *SessionLog) Abort() {
	if sl.file == nil {
		return
	}
	sl.file.Close()
	sl.file = nil
	os.Remove(sl.path)
}
