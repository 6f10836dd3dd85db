// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/lsl"
	"github.com/nishisan-dev/n-recorder/internal/xdf"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Acquisition.DiscoveryTimeout = 100 * time.Millisecond
	cfg.Acquisition.PullTimeout = 50 * time.Millisecond
	cfg.Acquisition.StopTimeout = 2 * time.Second
	return cfg
}

func newTestRecorder(t *testing.T, specs ...lsl.SimStreamSpec) (*Recorder, *lsl.SimSource) {
	t.Helper()
	clock := lsl.NewClock()
	source := lsl.NewSimSource(clock, specs...)
	rec := New(testConfig(t), source, clock, testLogger())
	return rec, source
}

func TestRecorder_StateMachineLegality(t *testing.T) {
	rec, _ := newTestRecorder(t, lsl.SimStreamSpec{Name: "EEG", Channels: 2, Format: lsl.FormatFloat32, Srate: 200})

	// Stop em Idle é InvalidState e não muda o estado.
	if err := rec.Stop(); KindOf(err) != KindInvalidState {
		t.Errorf("stop in Idle: expected InvalidState, got %v", err)
	}
	if rec.State() != StateIdle {
		t.Errorf("state changed after rejected stop: %s", rec.State())
	}

	// Select antes do update é InvalidState.
	if _, err := rec.Select([]string{"all"}); KindOf(err) != KindInvalidState {
		t.Errorf("select before update: expected InvalidState, got %v", err)
	}

	// Start antes do update é InvalidState.
	if err := rec.Start(); KindOf(err) != KindInvalidState {
		t.Errorf("start in Idle: expected InvalidState, got %v", err)
	}

	if _, err := rec.UpdateStreams(); err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if rec.State() != StateReady {
		t.Fatalf("expected Ready after update, got %s", rec.State())
	}

	// Start sem seleção é NoSelection.
	if err := rec.Start(); KindOf(err) != KindNoSelection {
		t.Errorf("start without selection: expected NoSelection, got %v", err)
	}

	if _, err := rec.Select([]string{"all"}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// Start sem filename é InvalidState.
	if err := rec.Start(); KindOf(err) != KindInvalidState {
		t.Errorf("start without filename: expected InvalidState, got %v", err)
	}

	if _, err := rec.SetFilename("session.xdf"); err != nil {
		t.Fatalf("SetFilename: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	if rec.State() != StateRecording {
		t.Fatalf("expected Recording, got %s", rec.State())
	}

	// Start duplicado é InvalidState.
	if err := rec.Start(); KindOf(err) != KindInvalidState {
		t.Errorf("double start: expected InvalidState, got %v", err)
	}
	// Update durante a gravação é InvalidState.
	if _, err := rec.UpdateStreams(); KindOf(err) != KindInvalidState {
		t.Errorf("update while recording: expected InvalidState, got %v", err)
	}
	// Filename durante a gravação é InvalidState.
	if _, err := rec.SetFilename("other.xdf"); KindOf(err) != KindInvalidState {
		t.Errorf("filename while recording: expected InvalidState, got %v", err)
	}
}

func TestRecorder_SelectSemantics(t *testing.T) {
	rec, _ := newTestRecorder(t,
		lsl.SimStreamSpec{Name: "A", Channels: 1, Format: lsl.FormatFloat32, Srate: 100},
		lsl.SimStreamSpec{Name: "B", Channels: 1, Format: lsl.FormatFloat32, Srate: 100},
	)

	streams, err := rec.UpdateStreams()
	if err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}

	uidA := streams[0].UID

	// UID duplicado é deduplicado.
	uids, err := rec.Select([]string{uidA, uidA})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(uids) != 1 || uids[0] != uidA {
		t.Errorf("expected deduplicated selection [%s], got %v", uidA, uids)
	}

	// UID desconhecido é BadRequest.
	if _, err := rec.Select([]string{"no-such-uid"}); KindOf(err) != KindBadRequest {
		t.Errorf("unknown uid: expected BadRequest, got %v", err)
	}

	// "none" limpa a seleção.
	uids, err = rec.Select([]string{"none"})
	if err != nil {
		t.Fatalf("Select none: %v", err)
	}
	if len(uids) != 0 {
		t.Errorf("expected empty selection, got %v", uids)
	}

	// Sem argumentos é BadRequest.
	if _, err := rec.Select(nil); KindOf(err) != KindBadRequest {
		t.Errorf("empty select: expected BadRequest, got %v", err)
	}
}

func TestRecorder_UpdateClearsVanishedSelection(t *testing.T) {
	rec, source := newTestRecorder(t,
		lsl.SimStreamSpec{Name: "A", Channels: 1, Format: lsl.FormatFloat32, Srate: 100},
		lsl.SimStreamSpec{Name: "B", Channels: 1, Format: lsl.FormatFloat32, Srate: 100},
	)

	streams, err := rec.UpdateStreams()
	if err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if _, err := rec.Select([]string{streams[0].UID}); err != nil {
		t.Fatalf("Select: %v", err)
	}

	source.Sever(streams[0].UID)

	if _, err := rec.UpdateStreams(); err != nil {
		t.Fatalf("UpdateStreams after sever: %v", err)
	}
	if got := rec.Status().SelectedCount; got != 0 {
		t.Errorf("expected selection cleared, got %d selected", got)
	}
}

func TestRecorder_StatusIsPure(t *testing.T) {
	rec, _ := newTestRecorder(t, lsl.SimStreamSpec{Name: "EEG", Channels: 1, Format: lsl.FormatFloat32, Srate: 100})

	before := rec.Status()
	for i := 0; i < 10; i++ {
		rec.Status()
	}
	after := rec.Status()

	if before.State != "Idle" || after.State != "Idle" {
		t.Errorf("status mutated state: before=%s after=%s", before.State, after.State)
	}
	if rec.State() != StateIdle {
		t.Errorf("expected Idle, got %s", rec.State())
	}
}

func TestRecorder_FullSessionProducesWellFormedFile(t *testing.T) {
	rec, _ := newTestRecorder(t,
		lsl.SimStreamSpec{Name: "EEG", Type: "EEG", Channels: 4, Format: lsl.FormatFloat32, Srate: 250},
		lsl.SimStreamSpec{Name: "Aux", Type: "AUX", Channels: 2, Format: lsl.FormatInt16, Srate: 100},
	)

	if _, err := rec.UpdateStreams(); err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if _, err := rec.Select([]string{"all"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	path, err := rec.SetFilename("full-session.xdf")
	if err != nil {
		t.Fatalf("SetFilename: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	status := rec.Status()
	if status.State != "Recording" {
		t.Fatalf("expected Recording, got %s", status.State)
	}
	if len(status.Streams) != 2 {
		t.Fatalf("expected 2 stream statuses, got %d", len(status.Streams))
	}
	for _, st := range status.Streams {
		if st.SampleCount == 0 {
			t.Errorf("stream %s has no samples yet", st.Name)
		}
	}
	if status.FileBytes == 0 {
		t.Error("expected file bytes > 0 during recording")
	}

	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.State() != StateIdle {
		t.Errorf("expected Idle after stop, got %s", rec.State())
	}

	// O .part foi promovido ao nome final.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	if _, err := os.Stat(path + ".part"); !os.IsNotExist(err) {
		t.Error("part file still present after stop")
	}

	assertWellFormed(t, path, 2)
}

// assertWellFormed valida header/footer por stream, a ordem relativa dos
// chunks e a consistência entre o sample_count do footer e os chunks Samples.
func assertWellFormed(t *testing.T, path string, streamCount int) {
	t.Helper()

	chunks, err := xdf.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if chunks[0].Tag != xdf.TagFileHeader {
		t.Fatal("first chunk is not FileHeader")
	}

	headers := make(map[uint32]xdf.StreamInfo)
	footers := make(map[uint32]xdf.FooterInfo)
	counted := make(map[uint32]uint64)

	for _, c := range chunks {
		switch c.Tag {
		case xdf.TagStreamHeader:
			if _, dup := headers[c.StreamID]; dup {
				t.Fatalf("duplicate header for stream %d", c.StreamID)
			}
			info, err := xdf.DecodeStreamHeader(c)
			if err != nil {
				t.Fatalf("DecodeStreamHeader: %v", err)
			}
			headers[c.StreamID] = info
		case xdf.TagSamples:
			info, ok := headers[c.StreamID]
			if !ok {
				t.Fatalf("samples before header for stream %d", c.StreamID)
			}
			if _, closed := footers[c.StreamID]; closed {
				t.Fatalf("samples after footer for stream %d", c.StreamID)
			}
			batch, err := xdf.DecodeSamples(c, info)
			if err != nil {
				t.Fatalf("DecodeSamples: %v", err)
			}
			counted[c.StreamID] += uint64(batch.Len())
		case xdf.TagClockOffset:
			if _, ok := headers[c.StreamID]; !ok {
				t.Fatalf("clock offset before header for stream %d", c.StreamID)
			}
			if _, closed := footers[c.StreamID]; closed {
				t.Fatalf("clock offset after footer for stream %d", c.StreamID)
			}
		case xdf.TagStreamFooter:
			if _, dup := footers[c.StreamID]; dup {
				t.Fatalf("duplicate footer for stream %d", c.StreamID)
			}
			f, err := xdf.DecodeStreamFooter(c)
			if err != nil {
				t.Fatalf("DecodeStreamFooter: %v", err)
			}
			footers[c.StreamID] = f
		}
	}

	if len(headers) != streamCount || len(footers) != streamCount {
		t.Fatalf("expected %d headers and footers, got %d/%d", streamCount, len(headers), len(footers))
	}
	for id, f := range footers {
		if f.SampleCount != counted[id] {
			t.Errorf("stream %d: footer sample_count %d != counted %d", id, f.SampleCount, counted[id])
		}
	}
}

func TestRecorder_SessionLogArchivedOnStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.SessionLogDir = filepath.Join(cfg.Storage.Root, "sessions")
	cfg.Logging.SessionLogArchive = "gzip"

	clock := lsl.NewClock()
	source := lsl.NewSimSource(clock, lsl.SimStreamSpec{Name: "EEG", Channels: 1, Format: lsl.FormatFloat32, Srate: 100})
	rec := New(cfg, source, clock, testLogger())

	if _, err := rec.UpdateStreams(); err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if _, err := rec.Select([]string{"all"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if _, err := rec.SetFilename("archived.xdf"); err != nil {
		t.Fatalf("SetFilename: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, err := os.ReadDir(cfg.Logging.SessionLogDir)
	if err != nil {
		t.Fatalf("reading session log dir: %v", err)
	}
	var archived int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".gz" {
			archived++
		}
		if filepath.Ext(e.Name()) == ".log" {
			t.Errorf("plain session log left behind: %s", e.Name())
		}
	}
	if archived != 1 {
		t.Errorf("expected 1 archived session log, got %d", archived)
	}
}

func TestRecorder_OnFinalizedCallback(t *testing.T) {
	rec, _ := newTestRecorder(t, lsl.SimStreamSpec{Name: "EEG", Channels: 1, Format: lsl.FormatFloat32, Srate: 100})

	finalized := make(chan string, 1)
	rec.SetOnFinalized(func(path string) {
		finalized <- path
	})

	if _, err := rec.UpdateStreams(); err != nil {
		t.Fatalf("UpdateStreams: %v", err)
	}
	if _, err := rec.Select([]string{"all"}); err != nil {
		t.Fatalf("Select: %v", err)
	}
	want, err := rec.SetFilename("callback.xdf")
	if err != nil {
		t.Fatalf("SetFilename: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case got := <-finalized:
		if got != want {
			t.Errorf("expected finalized path %q, got %q", want, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onFinalized callback never fired")
	}
}
