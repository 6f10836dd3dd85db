// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lsl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// discoverSettle é o tempo mínimo que o Discover do SimSource aguarda antes
// de retornar, imitando a latência de resolução do transporte real.
const discoverSettle = 10 * time.Millisecond

// pullPollInterval é o intervalo de polling interno dos inlets simulados.
const pullPollInterval = 2 * time.Millisecond

// SimStreamSpec descreve um stream sintético do SimSource.
type SimStreamSpec struct {
	Name     string
	Type     string
	SourceID string
	Channels int
	Format   ChannelFormat
	Srate    float64 // 0 = irregular (stream de markers, alimentado via PushSamples)

	// ClockOffset é o offset reportado por TimeCorrection.
	ClockOffset float64
}

// SimSource é a implementação sintética de Source usada pelo modo de
// simulação do binário e pela suíte de testes. Streams regulares geram
// samples determinísticos na taxa nominal; streams irregulares entregam o
// que for injetado via PushSamples.
type SimSource struct {
	clock Clock

	mu      sync.Mutex
	seq     int
	streams map[string]*simStream
}

type queuedSample struct {
	timestamp float64
	strings   []string
	floats    []float64
}

type simStream struct {
	desc           StreamDescriptor
	spec           SimStreamSpec
	lost           bool
	correctionFail bool
	queue          []queuedSample
}

// NewSimSource cria um SimSource com os streams especificados já visíveis.
func NewSimSource(clock Clock, specs ...SimStreamSpec) *SimSource {
	s := &SimSource{
		clock:   clock,
		streams: make(map[string]*simStream),
	}
	for _, spec := range specs {
		s.AddStream(spec)
	}
	return s
}

// AddStream registra um novo stream sintético e retorna seu descriptor.
func (s *SimSource) AddStream(spec SimStreamSpec) StreamDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if spec.Channels <= 0 {
		spec.Channels = 1
	}
	desc := StreamDescriptor{
		UID:          fmt.Sprintf("sim-%04d", s.seq),
		Name:         spec.Name,
		Type:         spec.Type,
		Hostname:     "localhost",
		SourceID:     spec.SourceID,
		ChannelCount: spec.Channels,
		Format:       spec.Format,
		NominalSrate: spec.Srate,
		Metadata:     fmt.Sprintf("<synthetic>true</synthetic><origin>%s</origin>", xmlEscape(spec.Name)),
	}
	s.streams[desc.UID] = &simStream{desc: desc, spec: spec}
	return desc
}

// Sever rompe um stream em definitivo: inlets abertos passam a retornar
// ErrSourceLost, e o stream some das próximas descobertas.
func (s *SimSource) Sever(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[uid]; ok {
		st.lost = true
	}
}

// SetCorrectionFailing faz TimeCorrection do stream falhar com ErrTransient.
func (s *SimSource) SetCorrectionFailing(uid string, failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[uid]; ok {
		st.correctionFail = failing
	}
}

// PushSamples injeta samples em um stream irregular. Para formato string,
// values recebe um valor por canal por sample, flat interleaved.
func (s *SimSource) PushSamples(uid string, timestamps []float64, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[uid]
	if !ok {
		return fmt.Errorf("lsl: sim stream %s not found", uid)
	}
	ch := st.desc.ChannelCount
	if len(values) != len(timestamps)*ch {
		return fmt.Errorf("lsl: sim push: %d values for %d samples x %d channels", len(values), len(timestamps), ch)
	}
	for i, ts := range timestamps {
		st.queue = append(st.queue, queuedSample{
			timestamp: ts,
			strings:   values[i*ch : (i+1)*ch],
		})
	}
	return nil
}

// Discover implementa Source.
func (s *SimSource) Discover(ctx context.Context, timeout time.Duration) ([]StreamDescriptor, error) {
	settle := discoverSettle
	if timeout < settle {
		settle = timeout
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(settle):
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StreamDescriptor
	for _, st := range s.streams {
		if !st.lost {
			out = append(out, st.desc)
		}
	}
	return out, nil
}

// Open implementa Source.
func (s *SimSource) Open(desc StreamDescriptor, bufferSeconds, maxChunkLen int) (Inlet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[desc.UID]
	if !ok || st.lost {
		return nil, ErrSourceUnavailable
	}
	return &simInlet{
		src:    s,
		stream: st,
		start:  s.clock.Now(),
	}, nil
}

// simInlet implementa Inlet sobre um simStream.
type simInlet struct {
	src    *SimSource
	stream *simStream
	start  float64

	mu       sync.Mutex
	produced int64
	closed   bool
}

// PullBatch implementa Inlet. Streams regulares geram os samples que a taxa
// nominal já deveria ter produzido desde o open; streams irregulares drenam
// a fila injetada.
func (in *simInlet) PullBatch(maxSamples int, timeout time.Duration) (SampleBatch, error) {
	deadline := time.Now().Add(timeout)
	for {
		batch, ready, err := in.tryPull(maxSamples)
		if err != nil || ready {
			return batch, err
		}
		if time.Now().After(deadline) {
			return SampleBatch{Format: in.stream.desc.Format, Channels: in.stream.desc.ChannelCount}, nil
		}
		time.Sleep(pullPollInterval)
	}
}

func (in *simInlet) tryPull(maxSamples int) (SampleBatch, bool, error) {
	in.src.mu.Lock()
	lost := in.stream.lost
	in.src.mu.Unlock()

	in.mu.Lock()
	closed := in.closed
	in.mu.Unlock()

	if closed || lost {
		return SampleBatch{}, false, ErrSourceLost
	}

	if in.stream.desc.NominalSrate > 0 {
		return in.pullRegular(maxSamples)
	}
	return in.pullQueued(maxSamples)
}

func (in *simInlet) pullRegular(maxSamples int) (SampleBatch, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	desc := in.stream.desc
	srate := desc.NominalSrate
	elapsed := in.src.clock.Now() - in.start
	avail := int64(elapsed*srate) - in.produced
	if avail <= 0 {
		return SampleBatch{}, false, nil
	}
	n := int(avail)
	if n > maxSamples {
		n = maxSamples
	}

	batch := SampleBatch{
		Format:     desc.Format,
		Channels:   desc.ChannelCount,
		Timestamps: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		idx := in.produced + int64(i)
		batch.Timestamps[i] = in.start + float64(idx)/srate
	}
	total := n * desc.ChannelCount
	base := in.produced * int64(desc.ChannelCount)
	switch desc.Format {
	case FormatFloat32:
		batch.Float32s = make([]float32, total)
		for i := range batch.Float32s {
			batch.Float32s[i] = float32(base + int64(i))
		}
	case FormatFloat64:
		batch.Float64s = make([]float64, total)
		for i := range batch.Float64s {
			batch.Float64s[i] = float64(base + int64(i))
		}
	case FormatInt8:
		batch.Int8s = make([]int8, total)
		for i := range batch.Int8s {
			batch.Int8s[i] = int8((base + int64(i)) % 128)
		}
	case FormatInt16:
		batch.Int16s = make([]int16, total)
		for i := range batch.Int16s {
			batch.Int16s[i] = int16((base + int64(i)) % 32768)
		}
	case FormatInt32:
		batch.Int32s = make([]int32, total)
		for i := range batch.Int32s {
			batch.Int32s[i] = int32(base + int64(i))
		}
	case FormatInt64:
		batch.Int64s = make([]int64, total)
		for i := range batch.Int64s {
			batch.Int64s[i] = base + int64(i)
		}
	case FormatString:
		batch.Strings = make([]string, total)
		for i := range batch.Strings {
			batch.Strings[i] = fmt.Sprintf("v%d", base+int64(i))
		}
	}

	in.produced += int64(n)
	return batch, true, nil
}

func (in *simInlet) pullQueued(maxSamples int) (SampleBatch, bool, error) {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()

	st := in.stream
	if len(st.queue) == 0 {
		return SampleBatch{}, false, nil
	}
	n := len(st.queue)
	if n > maxSamples {
		n = maxSamples
	}
	taken := st.queue[:n]
	st.queue = st.queue[n:]

	desc := st.desc
	batch := SampleBatch{
		Format:     desc.Format,
		Channels:   desc.ChannelCount,
		Timestamps: make([]float64, n),
	}
	switch desc.Format {
	case FormatString:
		batch.Strings = make([]string, 0, n*desc.ChannelCount)
		for i, q := range taken {
			batch.Timestamps[i] = q.timestamp
			batch.Strings = append(batch.Strings, q.strings...)
		}
	default:
		batch.Float64s = make([]float64, 0, n*desc.ChannelCount)
		for i, q := range taken {
			batch.Timestamps[i] = q.timestamp
			batch.Float64s = append(batch.Float64s, q.floats...)
		}
	}
	return batch, true, nil
}

// TimeCorrection implementa Inlet.
func (in *simInlet) TimeCorrection(timeout time.Duration) (float64, error) {
	in.src.mu.Lock()
	defer in.src.mu.Unlock()
	if in.stream.correctionFail {
		return 0, ErrTransient
	}
	return in.stream.spec.ClockOffset, nil
}

// Close implementa Inlet. Idempotente.
func (in *simInlet) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}
