// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xdf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/lsl"
)

// writeBufferSize é o buffer de montagem entre o framing e o arquivo.
const writeBufferSize = 64 * 1024

// Intervalos de emissão de chunks Boundary: o que vier primeiro.
const (
	defaultBoundaryBytes    = 10 * 1024 * 1024
	defaultBoundaryInterval = 10 * time.Second
)

// streamState acompanha o contrato de ordem e as tallies de um stream.
// As tallies permitem ao Close escrever footers de fallback para streams
// que a sessão não finalizou.
type streamState struct {
	format        lsl.ChannelFormat
	channels      int
	srate         float64
	footerWritten bool

	sampleCount  uint64
	firstTS      float64 // NaN até o primeiro sample
	lastTS       float64 // NaN até o primeiro sample
	clockOffsets int
}

// Writer serializa chunks XDF em um único arquivo, em ordem estrita de
// offset. Todos os métodos são seguros para chamada concorrente; cada chunk
// é escrito atomicamente sob o mutex do writer.
type Writer struct {
	path string

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	gate    *rateGate
	cancel  context.CancelFunc
	streams map[uint32]*streamState
	failed  bool
	failErr error
	closed  bool

	sinceBoundary    int64
	lastBoundary     time.Time
	boundaryBytes    int64
	boundaryInterval time.Duration

	bytesWritten atomic.Int64
}

// NewWriter cria (ou sobrescreve) o arquivo em path e grava o preâmbulo
// "XDF:" seguido do chunk FileHeader. maxWriteRate limita a banda de escrita
// em bytes/segundo; 0 desabilita o throttle.
func NewWriter(path string, maxWriteRate int64) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating xdf file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Writer{
		path:             path,
		f:                f,
		w:                bufio.NewWriterSize(f, writeBufferSize),
		gate:             newRateGate(ctx, maxWriteRate),
		cancel:           cancel,
		streams:          make(map[uint32]*streamState),
		lastBoundary:     time.Now(),
		boundaryBytes:    defaultBoundaryBytes,
		boundaryInterval: defaultBoundaryInterval,
	}

	if _, err := w.w.Write(FileMagic[:]); err != nil {
		cancel()
		f.Close()
		return nil, fmt.Errorf("writing xdf magic: %w", err)
	}
	w.bytesWritten.Add(int64(len(FileMagic)))

	if err := w.appendChunk(TagFileHeader, []byte(fileHeaderXML)); err != nil {
		cancel()
		f.Close()
		return nil, err
	}

	return w, nil
}

// Path retorna o caminho do arquivo em escrita.
func (w *Writer) Path() string {
	return w.path
}

// BytesWritten retorna o total de bytes já serializados no arquivo.
func (w *Writer) BytesWritten() int64 {
	return w.bytesWritten.Load()
}

// WriteStreamHeader grava o chunk StreamHeader do stream. Deve preceder
// qualquer Samples ou ClockOffset do mesmo streamID; um segundo header para
// o mesmo id é ErrOrderViolation.
func (w *Writer) WriteStreamHeader(streamID uint32, desc lsl.StreamDescriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	if _, exists := w.streams[streamID]; exists {
		return fmt.Errorf("%w: duplicate stream header for id %d", ErrOrderViolation, streamID)
	}

	var buf bytes.Buffer
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], streamID)
	buf.Write(id[:])
	buf.WriteString(desc.InfoXML())

	if err := w.appendChunk(TagStreamHeader, buf.Bytes()); err != nil {
		return err
	}

	w.streams[streamID] = &streamState{
		format:   desc.Format,
		channels: desc.ChannelCount,
		srate:    desc.NominalSrate,
		firstTS:  math.NaN(),
		lastTS:   math.NaN(),
	}
	return nil
}

// WriteSamples agrupa o batch inteiro em um único chunk Samples.
// Batches vazios são no-op.
func (w *Writer) WriteSamples(streamID uint32, batch lsl.SampleBatch) error {
	if batch.Empty() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	st, err := w.openStream(streamID)
	if err != nil {
		return err
	}
	if batch.Format != st.format || batch.Channels != st.channels {
		return fmt.Errorf("xdf: batch format %s/%d does not match stream %d header %s/%d",
			batch.Format, batch.Channels, streamID, st.format, st.channels)
	}

	content, err := encodeSamples(streamID, batch)
	if err != nil {
		return err
	}
	if err := w.appendChunk(TagSamples, content); err != nil {
		return err
	}

	n := batch.Len()
	if math.IsNaN(st.firstTS) {
		st.firstTS = batch.Timestamps[0]
	}
	st.lastTS = batch.Timestamps[n-1]
	st.sampleCount += uint64(n)
	return nil
}

// WriteClockOffset grava um chunk ClockOffset para o stream.
func (w *Writer) WriteClockOffset(streamID uint32, collectionTime, offset float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	st, err := w.openStream(streamID)
	if err != nil {
		return err
	}

	var buf [20]byte
	binary.LittleEndian.PutUint32(buf[0:4], streamID)
	binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(collectionTime))
	binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(offset))

	if err := w.appendChunk(TagClockOffset, buf[:]); err != nil {
		return err
	}
	st.clockOffsets++
	return nil
}

// WriteStreamFooter grava o chunk StreamFooter com as tallies informadas.
// Depois do footer nenhum dado do mesmo id pode ser escrito.
func (w *Writer) WriteStreamFooter(streamID uint32, firstTS, lastTS float64, sampleCount uint64, clockOffsets int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writable(); err != nil {
		return err
	}
	st, err := w.openStream(streamID)
	if err != nil {
		return err
	}
	if err := w.appendFooter(streamID, firstTS, lastTS, sampleCount, clockOffsets); err != nil {
		return err
	}
	st.footerWritten = true
	return nil
}

// Close grava footers de fallback para streams ainda abertos (com as tallies
// conhecidas pelo próprio writer), faz flush e fecha o arquivo. Best-effort:
// em estado failed, apenas fecha o descritor.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	defer w.cancel()

	var firstErr error
	if !w.failed {
		for id, st := range w.streams {
			if st.footerWritten {
				continue
			}
			if err := w.appendFooter(id, st.firstTS, st.lastTS, st.sampleCount, st.clockOffsets); err != nil {
				firstErr = err
				break
			}
			st.footerWritten = true
		}
		if err := w.w.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flushing xdf file: %w", err)
		}
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing xdf file: %w", err)
	}
	return firstErr
}

// writable valida o estado do writer antes de qualquer escrita.
func (w *Writer) writable() error {
	if w.closed {
		return ErrWriterClosed
	}
	if w.failed {
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.failErr)
	}
	return nil
}

// openStream retorna o estado de um stream com header escrito e footer
// pendente, ou ErrOrderViolation.
func (w *Writer) openStream(streamID uint32) (*streamState, error) {
	st, ok := w.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: no stream header for id %d", ErrOrderViolation, streamID)
	}
	if st.footerWritten {
		return nil, fmt.Errorf("%w: stream %d already finalized", ErrOrderViolation, streamID)
	}
	return st, nil
}

func (w *Writer) appendFooter(streamID uint32, firstTS, lastTS float64, sampleCount uint64, clockOffsets int) error {
	var buf bytes.Buffer
	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], streamID)
	buf.Write(id[:])
	buf.WriteString(footerXML(firstTS, lastTS, sampleCount, clockOffsets))
	return w.appendChunk(TagStreamFooter, buf.Bytes())
}

// appendChunk grava um chunk completo (framing + tag + content) e dispara a
// emissão de Boundary quando os limiares são atingidos. Deve ser chamado com
// w.mu held.
func (w *Writer) appendChunk(tag uint16, content []byte) error {
	if err := w.rawAppend(tag, content); err != nil {
		return err
	}
	if tag == TagBoundary {
		return nil
	}
	if w.sinceBoundary >= w.boundaryBytes || time.Since(w.lastBoundary) >= w.boundaryInterval {
		if err := w.rawAppend(TagBoundary, BoundaryUUID[:]); err != nil {
			return err
		}
		w.sinceBoundary = 0
		w.lastBoundary = time.Now()
	}
	return nil
}

func (w *Writer) rawAppend(tag uint16, content []byte) error {
	var frame bytes.Buffer
	appendVarLen(&frame, uint64(len(content)+2))
	var tagLE [2]byte
	binary.LittleEndian.PutUint16(tagLE[:], tag)
	frame.Write(tagLE[:])
	frame.Write(content)

	// Cobra o frame inteiro no gate antes de escrever; chunks nunca saem
	// parcialmente pelo throttle.
	if err := w.gate.wait(frame.Len()); err != nil {
		return w.fail(err)
	}
	if _, err := w.w.Write(frame.Bytes()); err != nil {
		return w.fail(err)
	}
	// Flush por chunk: mantém a fronteira de falha por chunk e o arquivo
	// legível a qualquer momento por leitores externos.
	if err := w.w.Flush(); err != nil {
		return w.fail(err)
	}

	n := int64(frame.Len())
	w.bytesWritten.Add(n)
	w.sinceBoundary += n
	return nil
}

// fail transiciona o writer para o estado failed.
func (w *Writer) fail(err error) error {
	w.failed = true
	w.failErr = err
	return fmt.Errorf("%w: %v", ErrWriterFailed, err)
}

// encodeSamples serializa o conteúdo de um chunk Samples: stream id, contagem
// em largura variável e cada sample com timestamp explícito seguido dos
// valores dos canais no formato do stream.
func encodeSamples(streamID uint32, batch lsl.SampleBatch) ([]byte, error) {
	n := batch.Len()
	var buf bytes.Buffer

	var id [4]byte
	binary.LittleEndian.PutUint32(id[:], streamID)
	buf.Write(id[:])
	appendVarLen(&buf, uint64(n))

	ch := batch.Channels
	if err := checkValueCount(batch, n*ch); err != nil {
		return nil, err
	}

	var scratch [8]byte
	for i := 0; i < n; i++ {
		buf.WriteByte(8)
		binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(batch.Timestamps[i]))
		buf.Write(scratch[:])

		base := i * ch
		switch batch.Format {
		case lsl.FormatFloat32:
			for c := 0; c < ch; c++ {
				binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(batch.Float32s[base+c]))
				buf.Write(scratch[:4])
			}
		case lsl.FormatFloat64:
			for c := 0; c < ch; c++ {
				binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(batch.Float64s[base+c]))
				buf.Write(scratch[:])
			}
		case lsl.FormatInt8:
			for c := 0; c < ch; c++ {
				buf.WriteByte(byte(batch.Int8s[base+c]))
			}
		case lsl.FormatInt16:
			for c := 0; c < ch; c++ {
				binary.LittleEndian.PutUint16(scratch[:2], uint16(batch.Int16s[base+c]))
				buf.Write(scratch[:2])
			}
		case lsl.FormatInt32:
			for c := 0; c < ch; c++ {
				binary.LittleEndian.PutUint32(scratch[:4], uint32(batch.Int32s[base+c]))
				buf.Write(scratch[:4])
			}
		case lsl.FormatInt64:
			for c := 0; c < ch; c++ {
				binary.LittleEndian.PutUint64(scratch[:], uint64(batch.Int64s[base+c]))
				buf.Write(scratch[:])
			}
		case lsl.FormatString:
			for c := 0; c < ch; c++ {
				s := batch.Strings[base+c]
				appendVarLen(&buf, uint64(len(s)))
				buf.WriteString(s)
			}
		default:
			return nil, fmt.Errorf("xdf: unsupported channel format %s", batch.Format)
		}
	}
	return buf.Bytes(), nil
}

func checkValueCount(batch lsl.SampleBatch, want int) error {
	var got int
	switch batch.Format {
	case lsl.FormatFloat32:
		got = len(batch.Float32s)
	case lsl.FormatFloat64:
		got = len(batch.Float64s)
	case lsl.FormatInt8:
		got = len(batch.Int8s)
	case lsl.FormatInt16:
		got = len(batch.Int16s)
	case lsl.FormatInt32:
		got = len(batch.Int32s)
	case lsl.FormatInt64:
		got = len(batch.Int64s)
	case lsl.FormatString:
		got = len(batch.Strings)
	}
	if got != want {
		return fmt.Errorf("xdf: batch has %d values, expected %d", got, want)
	}
	return nil
}

// footerXML monta o XML do StreamFooter. Timestamps NaN (stream sem samples)
// são gravados como 0.
func footerXML(firstTS, lastTS float64, sampleCount uint64, clockOffsets int) string {
	if math.IsNaN(firstTS) {
		firstTS = 0
	}
	if math.IsNaN(lastTS) {
		lastTS = 0
	}
	return `<?xml version="1.0"?><info>` +
		"<first_timestamp>" + strconv.FormatFloat(firstTS, 'f', -1, 64) + "</first_timestamp>" +
		"<last_timestamp>" + strconv.FormatFloat(lastTS, 'f', -1, 64) + "</last_timestamp>" +
		"<sample_count>" + strconv.FormatUint(sampleCount, 10) + "</sample_count>" +
		"<clock_offsets><count>" + strconv.Itoa(clockOffsets) + "</count></clock_offsets>" +
		"</info>"
}
