// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package recorder implementa a máquina de sessão do nrecorder: descoberta e
// seleção de streams, workers de aquisição e a finalização do arquivo XDF.
package recorder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/logging"
	"github.com/nishisan-dev/n-recorder/internal/lsl"
	"github.com/nishisan-dev/n-recorder/internal/xdf"
)

// Version é a versão do recorder, preenchida via ldflags no build.
var Version = "dev"

// partSuffix é o sufixo do arquivo em gravação; o rename para o nome final
// acontece apenas no close bem-sucedido.
const partSuffix = ".part"

// Recorder é o dono exclusivo da sessão: estado, seleção, writer e workers.
// Comandos mutantes são serializados por cmdMu e bloqueiam até a transição
// completar; stateMu protege apenas os campos lidos por Status e nunca é
// mantido durante I/O.
type Recorder struct {
	cfg    *config.Config
	source lsl.Source
	clock  lsl.Clock
	logger *slog.Logger

	monitor     *Monitor
	onFinalized func(path string)

	cmdMu sync.Mutex

	stateMu       sync.Mutex
	state         SessionState
	available     []lsl.StreamDescriptor
	selected      []lsl.StreamDescriptor
	filename      string
	sessionID     string
	startedAt     time.Time
	writer     *xdf.Writer
	workers    []*worker
	sessionLog *logging.SessionLog
	lastErr    string
}

// New cria um Recorder em estado Idle.
func New(cfg *config.Config, source lsl.Source, clock lsl.Clock, logger *slog.Logger) *Recorder {
	return &Recorder{
		cfg:    cfg,
		source: source,
		clock:  clock,
		logger: logger.With("component", "recorder"),
		state:  StateIdle,
	}
}

// SetMonitor anexa o monitor de sistema cujo snapshot aparece no status.
func (r *Recorder) SetMonitor(m *Monitor) {
	r.monitor = m
}

// SetOnFinalized define o callback chamado (em goroutine própria) com o path
// final de cada arquivo fechado com sucesso.
func (r *Recorder) SetOnFinalized(fn func(path string)) {
	r.onFinalized = fn
}

// State retorna o estado atual da sessão.
func (r *Recorder) State() SessionState {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// AvailableStreams retorna o resultado da última descoberta.
func (r *Recorder) AvailableStreams() []lsl.StreamDescriptor {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	out := make([]lsl.StreamDescriptor, len(r.available))
	copy(out, r.available)
	return out
}

// Filename retorna o filename resolvido da sessão, ou vazio.
func (r *Recorder) Filename() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.filename
}

// UpdateStreams roda uma descoberta e substitui o conjunto de streams
// disponíveis. Válido em Idle e Ready. Se algum uid selecionado sumiu, a
// seleção inteira é zerada.
func (r *Recorder) UpdateStreams() ([]lsl.StreamDescriptor, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.stateMu.Lock()
	if r.state != StateIdle && r.state != StateReady {
		defer r.stateMu.Unlock()
		return nil, Errorf(KindInvalidState, "update_streams not valid in state %s", r.state)
	}
	prev := r.state
	r.state = StateDiscovering
	r.stateMu.Unlock()

	streams, err := r.source.Discover(context.Background(), r.cfg.Acquisition.DiscoveryTimeout)

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if err != nil {
		r.state = prev
		return nil, Errorf(KindIOError, "stream discovery failed: %v", err)
	}

	r.available = streams
	r.state = StateReady

	// Seleção só sobrevive se todos os uids continuam visíveis.
	if len(r.selected) > 0 {
		known := make(map[string]bool, len(streams))
		for _, d := range streams {
			known[d.UID] = true
		}
		for _, d := range r.selected {
			if !known[d.UID] {
				r.logger.Info("selected stream vanished, clearing selection", "uid", d.UID, "name", d.Name)
				r.selected = nil
				break
			}
		}
	}

	r.logger.Info("discovery complete", "streams", len(streams))
	out := make([]lsl.StreamDescriptor, len(streams))
	copy(out, streams)
	return out, nil
}

// Select atualiza a seleção de streams: "all", "none" ou uma lista de uids.
// UIDs duplicados são deduplicados (primeira ocorrência define a ordem);
// uid desconhecido é BadRequest. Válido em Ready.
func (r *Recorder) Select(args []string) ([]string, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.state != StateReady {
		return nil, Errorf(KindInvalidState, "select not valid in state %s (run update first)", r.state)
	}
	if len(args) == 0 {
		return nil, Errorf(KindBadRequest, "select requires \"all\", \"none\" or a list of uids")
	}

	switch {
	case len(args) == 1 && args[0] == "all":
		r.selected = make([]lsl.StreamDescriptor, len(r.available))
		copy(r.selected, r.available)
	case len(args) == 1 && args[0] == "none":
		r.selected = nil
	default:
		byUID := make(map[string]lsl.StreamDescriptor, len(r.available))
		for _, d := range r.available {
			byUID[d.UID] = d
		}
		var sel []lsl.StreamDescriptor
		seen := make(map[string]bool)
		for _, uid := range args {
			if seen[uid] {
				continue
			}
			seen[uid] = true
			d, ok := byUID[uid]
			if !ok {
				return nil, Errorf(KindBadRequest, "unknown stream uid %q", uid)
			}
			sel = append(sel, d)
		}
		r.selected = sel
	}

	uids := make([]string, len(r.selected))
	for i, d := range r.selected {
		uids[i] = d.UID
	}
	r.logger.Info("selection updated", "selected", len(uids))
	return uids, nil
}

// SetFilename resolve e armazena o filename da próxima sessão.
// Válido fora de Recording/Stopping. Paths relativos são ancorados em
// storage.root.
func (r *Recorder) SetFilename(spec string) (string, error) {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	if r.state == StateRecording || r.state == StateStopping {
		return "", Errorf(KindInvalidState, "filename cannot change while %s", r.state)
	}

	path, err := ParseFilenameSpec(spec)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cfg.Storage.Root, path)
	}

	r.filename = path
	r.logger.Info("filename set", "path", path)
	return path, nil
}

// Start abre o writer, escreve FileHeader e um StreamHeader por seleção,
// lança um worker por stream e transiciona para Recording.
func (r *Recorder) Start() error {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.stateMu.Lock()
	if r.state != StateReady {
		defer r.stateMu.Unlock()
		return Errorf(KindInvalidState, "start not valid in state %s", r.state)
	}
	if len(r.selected) == 0 {
		defer r.stateMu.Unlock()
		return Errorf(KindNoSelection, "start requires at least one selected stream")
	}
	if r.filename == "" {
		defer r.stateMu.Unlock()
		return Errorf(KindInvalidState, "start requires a filename")
	}
	selection := make([]lsl.StreamDescriptor, len(r.selected))
	copy(selection, r.selected)
	filename := r.filename
	r.stateMu.Unlock()

	sessionID := newSessionID()
	sessionLog, err := logging.StartSessionLog(r.logger, r.cfg.Logging.SessionLogDir, sessionID, r.cfg.Logging.SessionLogArchive)
	if err != nil {
		return Errorf(KindIOError, "opening session log: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		sessionLog.Abort()
		return Errorf(KindIOError, "creating output directory: %v", err)
	}

	writer, err := xdf.NewWriter(filename+partSuffix, r.cfg.Storage.MaxWriteRateRaw)
	if err != nil {
		sessionLog.Abort()
		return Errorf(KindIOError, "opening xdf file: %v", err)
	}

	var workers []*worker
	for i, desc := range selection {
		streamID := uint32(i + 1)
		if err := writer.WriteStreamHeader(streamID, desc); err != nil {
			writer.Close()
			os.Remove(filename + partSuffix)
			sessionLog.Abort()
			return Errorf(KindIOError, "writing stream header for %s: %v", desc.Name, err)
		}
		workers = append(workers, newWorker(desc, streamID, r.source, writer, r.clock, r.cfg.Acquisition, sessionLog.Logger, r.noteFatal))
	}

	r.stateMu.Lock()
	r.state = StateRecording
	r.sessionID = sessionID
	r.startedAt = time.Now()
	r.writer = writer
	r.workers = workers
	r.sessionLog = sessionLog
	r.lastErr = ""
	r.stateMu.Unlock()

	for _, w := range workers {
		w.start()
	}

	sessionLog.Logger.Info("recording started",
		"file", filename+partSuffix,
		"streams", len(selection),
	)
	return nil
}

// Stop cancela os workers, junta cada um com espera limitada, escreve os
// footers a partir das tallies conhecidas, fecha o writer e promove o
// arquivo .part ao nome final. O estado volta a Idle para a próxima sessão.
func (r *Recorder) Stop() error {
	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()
	return r.stopSession()
}

func (r *Recorder) stopSession() error {
	r.stateMu.Lock()
	if r.state != StateRecording {
		defer r.stateMu.Unlock()
		return Errorf(KindInvalidState, "stop not valid in state %s", r.state)
	}
	r.state = StateStopping
	workers := r.workers
	writer := r.writer
	filename := r.filename
	sessionLog := r.sessionLog.Logger
	sessionFile := r.sessionLog
	r.stateMu.Unlock()

	for _, w := range workers {
		w.cancel()
	}

	deadline := time.Now().Add(r.cfg.Acquisition.StopTimeout)
	for _, w := range workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		select {
		case <-w.done:
		case <-time.After(remaining):
			sessionLog.Error("worker join timed out, abandoning", "stream_id", w.streamID, "stream", w.desc.Name)
		}
	}

	// Footers saem das tallies do recorder, não da cooperação dos workers:
	// um inlet pendurado não pode impedir um arquivo bem-formado.
	var failure error
	for _, w := range workers {
		c := w.counters()
		if err := writer.WriteStreamFooter(w.streamID, c.FirstTimestamp, c.LastTimestamp, c.SampleCount, c.ClockOffsets); err != nil {
			sessionLog.Error("writing stream footer", "stream_id", w.streamID, "error", err)
			if failure == nil {
				failure = err
			}
		}
	}

	if err := writer.Close(); err != nil {
		sessionLog.Error("closing xdf file", "error", err)
		if failure == nil {
			failure = err
		}
	}

	finalPath := ""
	if failure == nil {
		if err := os.Rename(filename+partSuffix, filename); err != nil {
			sessionLog.Error("promoting part file", "error", err)
			failure = err
		} else {
			finalPath = filename
		}
	}

	sessionLog.Info("recording stopped", "file", finalPath, "bytes", writer.BytesWritten())
	if archived, err := sessionFile.Close(); err != nil {
		r.logger.Warn("closing session log", "error", err)
	} else if archived != "" {
		r.logger.Debug("session log closed", "path", archived)
	}

	r.stateMu.Lock()
	r.state = StateClosed
	r.writer = nil
	r.workers = nil
	r.sessionLog = nil
	if failure != nil {
		r.lastErr = failure.Error()
	}
	// Closed é terminal para a sessão; o recorder volta a Idle para a
	// próxima (um novo writer será criado no próximo start).
	r.state = StateIdle
	r.selected = nil
	r.stateMu.Unlock()

	if failure != nil {
		return Errorf(KindIOError, "session finalization: %v", failure)
	}
	if r.onFinalized != nil && finalPath != "" {
		go r.onFinalized(finalPath)
	}
	return nil
}

// noteFatal registra um erro fatal de writer vindo de um worker e dispara o
// encerramento da sessão em background.
func (r *Recorder) noteFatal(err error) {
	r.stateMu.Lock()
	if r.lastErr == "" {
		r.lastErr = err.Error()
	}
	r.stateMu.Unlock()

	go func() {
		r.cmdMu.Lock()
		defer r.cmdMu.Unlock()
		if stopErr := r.stopSession(); stopErr != nil {
			if KindOf(stopErr) != KindInvalidState {
				r.logger.Error("emergency stop failed", "error", stopErr)
			}
		}
	}()
}

// StreamStatus é a visão por stream do status.
type StreamStatus struct {
	UID           string  `json:"uid"`
	Name          string  `json:"name"`
	SampleCount   uint64  `json:"sample_count"`
	LastTimestamp float64 `json:"last_timestamp"`
}

// Status é o resultado do comando status.
type Status struct {
	State         string         `json:"state"`
	Filename      string         `json:"filename"`
	SessionID     string         `json:"session_id,omitempty"`
	SelectedCount int            `json:"selected_count"`
	Streams       []StreamStatus `json:"per_stream"`
	FileBytes     int64          `json:"file_bytes"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Version       string         `json:"version"`
	System        *SystemStats   `json:"system,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
}

// Status retorna o snapshot da sessão. Puro: não muta estado algum.
func (r *Recorder) Status() Status {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	st := Status{
		State:         r.state.String(),
		Filename:      r.filename,
		SessionID:     r.sessionID,
		SelectedCount: len(r.selected),
		Version:       Version,
		LastError:     r.lastErr,
	}
	if !r.startedAt.IsZero() && (r.state == StateRecording || r.state == StateStopping) {
		st.UptimeSeconds = time.Since(r.startedAt).Seconds()
	}
	if r.writer != nil {
		st.FileBytes = r.writer.BytesWritten()
	}
	if r.monitor != nil {
		s := r.monitor.Stats()
		st.System = &s
	}

	if len(r.workers) > 0 {
		for _, w := range r.workers {
			c := w.counters()
			last := c.LastTimestamp
			if math.IsNaN(last) {
				last = 0
			}
			st.Streams = append(st.Streams, StreamStatus{
				UID:           w.desc.UID,
				Name:          w.desc.Name,
				SampleCount:   c.SampleCount,
				LastTimestamp: last,
			})
		}
	} else {
		for _, d := range r.selected {
			st.Streams = append(st.Streams, StreamStatus{UID: d.UID, Name: d.Name})
		}
	}
	return st
}

// newSessionID gera um identificador curto e único de sessão.
func newSessionID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return time.Now().UTC().Format("20060102-150405") + "-" + hex.EncodeToString(b[:])
}
