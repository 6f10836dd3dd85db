// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/control"
	"github.com/nishisan-dev/n-recorder/internal/lsl"
	"github.com/nishisan-dev/n-recorder/internal/recorder"
	"github.com/nishisan-dev/n-recorder/internal/xdf"
)

type response struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

type harness struct {
	t      *testing.T
	rec    *recorder.Recorder
	source *lsl.SimSource
	conn   net.Conn
	reader *bufio.Reader
	root   string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness sobe o recorder com streams simulados e o control server em uma
// porta efêmera, e conecta um client de controle.
func newHarness(t *testing.T, specs ...lsl.SimStreamSpec) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.Root = t.TempDir()
	cfg.Acquisition.DiscoveryTimeout = 200 * time.Millisecond
	cfg.Acquisition.PullTimeout = 50 * time.Millisecond
	cfg.Acquisition.StopTimeout = 3 * time.Second

	clock := lsl.NewClock()
	source := lsl.NewSimSource(clock, specs...)
	logger := testLogger()
	rec := recorder.New(cfg, source, clock, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go control.NewServer(cfg.Control, rec, logger).RunWithListener(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &harness{
		t:      t,
		rec:    rec,
		source: source,
		conn:   conn,
		reader: bufio.NewReader(conn),
		root:   cfg.Storage.Root,
	}
}

func (h *harness) send(line string) response {
	h.t.Helper()
	if _, err := h.conn.Write([]byte(line + "\n")); err != nil {
		h.t.Fatalf("writing %q: %v", line, err)
	}
	raw, err := h.reader.ReadString('\n')
	if err != nil {
		h.t.Fatalf("reading response to %q: %v", line, err)
	}
	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		h.t.Fatalf("parsing response %q: %v", raw, err)
	}
	return resp
}

func (h *harness) mustSend(line string) response {
	h.t.Helper()
	resp := h.send(line)
	if !resp.OK {
		h.t.Fatalf("%q failed: %+v", line, resp.Error)
	}
	return resp
}

// parsedFile é o shape agregado de um XDF gravado, por stream id.
type parsedFile struct {
	chunks       []xdf.Chunk
	headers      map[uint32]xdf.StreamInfo
	footers      map[uint32]xdf.FooterInfo
	samples      map[uint32]uint64
	clockOffsets map[uint32]int
	strings      map[uint32][]string
}

func parseRecording(t *testing.T, path string) *parsedFile {
	t.Helper()

	chunks, err := xdf.ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(chunks) == 0 || chunks[0].Tag != xdf.TagFileHeader {
		t.Fatal("file does not start with FileHeader")
	}

	p := &parsedFile{
		chunks:       chunks,
		headers:      make(map[uint32]xdf.StreamInfo),
		footers:      make(map[uint32]xdf.FooterInfo),
		samples:      make(map[uint32]uint64),
		clockOffsets: make(map[uint32]int),
		strings:      make(map[uint32][]string),
	}

	for _, c := range chunks {
		switch c.Tag {
		case xdf.TagStreamHeader:
			info, err := xdf.DecodeStreamHeader(c)
			if err != nil {
				t.Fatalf("DecodeStreamHeader: %v", err)
			}
			p.headers[c.StreamID] = info
		case xdf.TagSamples:
			info, ok := p.headers[c.StreamID]
			if !ok {
				t.Fatalf("samples before header for stream %d", c.StreamID)
			}
			if _, closed := p.footers[c.StreamID]; closed {
				t.Fatalf("samples after footer for stream %d", c.StreamID)
			}
			batch, err := xdf.DecodeSamples(c, info)
			if err != nil {
				t.Fatalf("DecodeSamples: %v", err)
			}
			p.samples[c.StreamID] += uint64(batch.Len())
			p.strings[c.StreamID] = append(p.strings[c.StreamID], batch.Strings...)
		case xdf.TagClockOffset:
			if _, ok := p.headers[c.StreamID]; !ok {
				t.Fatalf("clock offset before header for stream %d", c.StreamID)
			}
			p.clockOffsets[c.StreamID]++
		case xdf.TagStreamFooter:
			if _, dup := p.footers[c.StreamID]; dup {
				t.Fatalf("duplicate footer for stream %d", c.StreamID)
			}
			f, err := xdf.DecodeStreamFooter(c)
			if err != nil {
				t.Fatalf("DecodeStreamFooter: %v", err)
			}
			p.footers[c.StreamID] = f
		}
	}
	return p
}

// TestEndToEnd_ControlScript cobre o script completo de controle: status em
// Idle, descoberta, seleção, filename templated, start (com rejeição de start
// duplicado), gravação de ~2s e stop com arquivo bem-formado.
func TestEndToEnd_ControlScript(t *testing.T) {
	h := newHarness(t,
		lsl.SimStreamSpec{Name: "SimEEG", Type: "EEG", Channels: 4, Format: lsl.FormatFloat32, Srate: 250},
	)

	resp := h.mustSend("status")
	var status struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(resp.Result, &status); err != nil {
		t.Fatalf("parsing status: %v", err)
	}
	if status.State != "Idle" {
		t.Fatalf("expected Idle, got %s", status.State)
	}

	h.mustSend("update")
	h.mustSend("select all")

	resp = h.mustSend(fmt.Sprintf("filename {root:%s} {template:t.xdf}", h.root))
	var resolved string
	if err := json.Unmarshal(resp.Result, &resolved); err != nil {
		t.Fatalf("parsing filename: %v", err)
	}
	if resolved != filepath.Join(h.root, "t.xdf") {
		t.Fatalf("unexpected resolved filename: %s", resolved)
	}

	h.mustSend("start")

	// Start duplicado é rejeitado sem derrubar a sessão.
	if resp := h.send("start"); resp.OK || resp.Error.Kind != "InvalidState" {
		t.Fatalf("double start: expected InvalidState, got %+v", resp)
	}

	time.Sleep(2 * time.Second)

	h.mustSend("stop")

	p := parseRecording(t, resolved)
	if len(p.headers) != 1 || len(p.footers) != 1 {
		t.Fatalf("expected 1 header and 1 footer, got %d/%d", len(p.headers), len(p.footers))
	}
	if p.samples[1] == 0 {
		t.Fatal("no samples recorded")
	}
	if p.clockOffsets[1] == 0 {
		t.Fatal("no clock offsets recorded")
	}
	// ~2s a 250Hz; margem para jitter de scheduling do CI.
	if p.samples[1] < 400 || p.samples[1] > 600 {
		t.Errorf("expected ~500 samples, got %d", p.samples[1])
	}
	if p.footers[1].SampleCount != p.samples[1] {
		t.Errorf("footer count %d != samples %d", p.footers[1].SampleCount, p.samples[1])
	}
}

// TestEndToEnd_MarkerStream grava um stream irregular de markers string e
// confere o round-trip exato de valores, timestamps e tallies do footer.
func TestEndToEnd_MarkerStream(t *testing.T) {
	h := newHarness(t,
		lsl.SimStreamSpec{Name: "Markers", Type: "Markers", Channels: 1, Format: lsl.FormatString},
	)

	h.mustSend("update")
	h.mustSend("select all")
	h.mustSend("filename markers.xdf")
	h.mustSend("start")

	streams := h.rec.AvailableStreams()
	if err := h.source.PushSamples(streams[0].UID,
		[]float64{0.0, 0.5, 1.0, 1.5, 2.0},
		[]string{"a", "b", "c", "d", "e"},
	); err != nil {
		t.Fatalf("PushSamples: %v", err)
	}

	// Dá tempo do worker drenar a fila.
	time.Sleep(300 * time.Millisecond)
	h.mustSend("stop")

	p := parseRecording(t, filepath.Join(h.root, "markers.xdf"))
	footer := p.footers[1]
	if footer.SampleCount != 5 {
		t.Fatalf("expected 5 samples in footer, got %d", footer.SampleCount)
	}
	if footer.FirstTimestamp != 0.0 || footer.LastTimestamp != 2.0 {
		t.Errorf("expected timestamps [0.0, 2.0], got [%v, %v]", footer.FirstTimestamp, footer.LastTimestamp)
	}
	want := []string{"a", "b", "c", "d", "e"}
	got := p.strings[1]
	if len(got) != len(want) {
		t.Fatalf("expected %d markers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("marker %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

// TestEndToEnd_SourceLostMidSession derruba uma das origens no meio da
// gravação: o arquivo final continua bem-formado, com footer para ambos os
// streams e samples>0 no stream perdido.
func TestEndToEnd_SourceLostMidSession(t *testing.T) {
	h := newHarness(t,
		lsl.SimStreamSpec{Name: "A", Type: "EEG", Channels: 2, Format: lsl.FormatFloat32, Srate: 200},
		lsl.SimStreamSpec{Name: "B", Type: "EEG", Channels: 2, Format: lsl.FormatFloat32, Srate: 200},
	)

	h.mustSend("update")
	h.mustSend("select all")
	h.mustSend("filename lost.xdf")
	h.mustSend("start")

	time.Sleep(1 * time.Second)

	// Derruba a origem B; o worker fica em reconexão até o stop.
	var lostUID string
	for _, d := range h.rec.AvailableStreams() {
		if d.Name == "B" {
			lostUID = d.UID
		}
	}
	h.source.Sever(lostUID)

	time.Sleep(1 * time.Second)
	h.mustSend("stop")

	p := parseRecording(t, filepath.Join(h.root, "lost.xdf"))
	if len(p.footers) != 2 {
		t.Fatalf("expected 2 footers, got %d", len(p.footers))
	}
	for id, f := range p.footers {
		if f.SampleCount == 0 {
			t.Errorf("stream %d recorded no samples", id)
		}
		if f.SampleCount != p.samples[id] {
			t.Errorf("stream %d: footer count %d != samples %d", id, f.SampleCount, p.samples[id])
		}
	}
}

// TestEndToEnd_BadTemplateLeavesStateUnchanged cobre o caso de template com
// variável faltando: BadRequest, nenhum arquivo criado, estado preservado.
func TestEndToEnd_BadTemplateLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t,
		lsl.SimStreamSpec{Name: "EEG", Channels: 1, Format: lsl.FormatFloat32, Srate: 100},
	)

	h.mustSend("update")

	resp := h.send(fmt.Sprintf("filename {root:%s} {template:sub-{p}.xdf}", h.root))
	if resp.OK || resp.Error.Kind != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", resp)
	}

	if h.rec.State() != recorder.StateReady {
		t.Errorf("state changed after rejected filename: %s", h.rec.State())
	}

	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatalf("reading root: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".xdf" || filepath.Ext(e.Name()) == ".part" {
			t.Errorf("unexpected file created: %s", e.Name())
		}
	}
}

// TestEndToEnd_SecondSessionAfterStop confirma que o recorder volta a Idle e
// consegue gravar uma segunda sessão em um novo arquivo.
func TestEndToEnd_SecondSessionAfterStop(t *testing.T) {
	h := newHarness(t,
		lsl.SimStreamSpec{Name: "EEG", Channels: 1, Format: lsl.FormatFloat32, Srate: 200},
	)

	for run := 1; run <= 2; run++ {
		h.mustSend("update")
		h.mustSend("select all")
		h.mustSend(fmt.Sprintf("filename run-%d.xdf", run))
		h.mustSend("start")
		time.Sleep(300 * time.Millisecond)
		h.mustSend("stop")

		p := parseRecording(t, filepath.Join(h.root, fmt.Sprintf("run-%d.xdf", run)))
		if p.samples[1] == 0 {
			t.Errorf("run %d: no samples", run)
		}
	}
}
