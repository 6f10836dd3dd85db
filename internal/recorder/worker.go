// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-recorder/internal/config"
	"github.com/nishisan-dev/n-recorder/internal/lsl"
	"github.com/nishisan-dev/n-recorder/internal/xdf"
)

// Backoff de reconexão do inlet: 0.5s, 1s, 2s, 4s... cap em 10s.
const (
	reconnectInitialBackoff = 500 * time.Millisecond
	reconnectMaxBackoff     = 10 * time.Second
)

// timeCorrectionTimeout é o bloqueio máximo de uma query de time correction.
const timeCorrectionTimeout = 1 * time.Second

// WorkerCounters é o snapshot das tallies de um worker, usado pelo recorder
// para escrever o StreamFooter mesmo quando o worker foi abandonado.
type WorkerCounters struct {
	SampleCount    uint64
	FirstTimestamp float64 // NaN até o primeiro sample
	LastTimestamp  float64 // NaN até o primeiro sample
	ClockOffsets   int
}

// worker é a goroutine de aquisição de um SelectedStream: mantém o inlet
// aberto (com reconexão), puxa batches, encaminha ao writer e emite clock
// offsets periódicos. O worker nunca escreve o próprio footer.
type worker struct {
	desc     lsl.StreamDescriptor
	streamID uint32
	source   lsl.Source
	writer   *xdf.Writer // compartilhado com os demais workers; thread-safe
	clock    lsl.Clock
	acq      config.AcquisitionInfo
	logger   *slog.Logger

	// onFatal é chamado quando o writer fica inutilizável (IOError ou
	// violação de ordem); o recorder então encerra a sessão.
	onFatal func(error)

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sampleCount  atomic.Uint64
	firstTSBits  atomic.Uint64
	lastTSBits   atomic.Uint64
	clockOffsets atomic.Int64
}

func newWorker(desc lsl.StreamDescriptor, streamID uint32, source lsl.Source, writer *xdf.Writer, clock lsl.Clock, acq config.AcquisitionInfo, logger *slog.Logger, onFatal func(error)) *worker {
	w := &worker{
		desc:     desc,
		streamID: streamID,
		source:   source,
		writer:   writer,
		clock:    clock,
		acq:      acq,
		logger:   logger.With("component", "worker", "stream", desc.Name, "stream_id", streamID),
		onFatal:  onFatal,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	nan := math.Float64bits(math.NaN())
	w.firstTSBits.Store(nan)
	w.lastTSBits.Store(nan)
	return w
}

func (w *worker) start() {
	go w.run()
}

// cancel sinaliza o encerramento cooperativo. Idempotente.
func (w *worker) cancel() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// counters retorna o snapshot atual das tallies.
func (w *worker) counters() WorkerCounters {
	return WorkerCounters{
		SampleCount:    w.sampleCount.Load(),
		FirstTimestamp: math.Float64frombits(w.firstTSBits.Load()),
		LastTimestamp:  math.Float64frombits(w.lastTSBits.Load()),
		ClockOffsets:   int(w.clockOffsets.Load()),
	}
}

func (w *worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *worker) run() {
	defer close(w.done)

	var inlet lsl.Inlet
	defer func() {
		if inlet != nil {
			inlet.Close()
		}
	}()

	backoff := reconnectInitialBackoff
	// Força a emissão de um clock offset logo no primeiro ciclo com inlet.
	lastSync := math.Inf(-1)

	for {
		if w.stopped() {
			return
		}

		if inlet == nil {
			in, err := w.source.Open(w.desc, w.acq.BufferSeconds, w.acq.MaxSamplesPerPull)
			if err != nil {
				w.logger.Warn("inlet open failed, will retry", "error", err, "retry_in", backoff)
				if !w.sleep(backoff) {
					return
				}
				backoff *= 2
				if backoff > reconnectMaxBackoff {
					backoff = reconnectMaxBackoff
				}
				continue
			}
			inlet = in
			backoff = reconnectInitialBackoff
			w.logger.Info("inlet opened")
		}

		batch, err := inlet.PullBatch(w.acq.MaxSamplesPerPull, w.acq.PullTimeout)
		if err != nil {
			if errors.Is(err, lsl.ErrSourceLost) {
				w.logger.Warn("inlet lost, reconnecting")
				inlet.Close()
				inlet = nil
				continue
			}
			w.logger.Warn("pull failed", "error", err)
			continue
		}

		if w.stopped() {
			return
		}

		if !batch.Empty() {
			if err := w.writer.WriteSamples(w.streamID, batch); err != nil {
				w.fatal(err)
				return
			}
			n := batch.Len()
			if math.IsNaN(math.Float64frombits(w.firstTSBits.Load())) {
				w.firstTSBits.Store(math.Float64bits(batch.Timestamps[0]))
			}
			w.lastTSBits.Store(math.Float64bits(batch.Timestamps[n-1]))
			w.sampleCount.Add(uint64(n))
		}

		now := w.clock.Now()
		if now-lastSync >= w.acq.ClockSyncInterval.Seconds() {
			offset, err := inlet.TimeCorrection(timeCorrectionTimeout)
			if err != nil {
				if errors.Is(err, lsl.ErrTransient) {
					w.logger.Debug("time correction transient failure, skipping cycle")
				} else {
					w.logger.Warn("time correction failed", "error", err)
				}
				lastSync = now
				continue
			}
			if err := w.writer.WriteClockOffset(w.streamID, now, offset); err != nil {
				w.fatal(err)
				return
			}
			w.clockOffsets.Add(1)
			lastSync = now
		}
	}
}

// fatal propaga um erro fatal de writer para o recorder. Todo erro é
// propagado, inclusive os de um writer já em estado failed; o recorder guarda
// apenas o primeiro erro e ignora o stop de uma sessão já encerrada.
func (w *worker) fatal(err error) {
	w.logger.Error("writer error, stopping worker", "error", err)
	if w.onFatal != nil {
		w.onFatal(err)
	}
}

// sleep aguarda d respeitando o cancelamento; retorna false se cancelado.
func (w *worker) sleep(d time.Duration) bool {
	select {
	case <-w.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
