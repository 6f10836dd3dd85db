// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lsl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Erros da fronteira de transporte.
var (
	// ErrSourceUnavailable indica que o inlet não pôde ser aberto porque a
	// origem sumiu entre a descoberta e o open. Recuperável por retry.
	ErrSourceUnavailable = errors.New("lsl: source unavailable")

	// ErrSourceLost indica que o inlet foi rompido em definitivo durante a
	// sessão. Recuperável por reopen; os samples perdidos viram um gap.
	ErrSourceLost = errors.New("lsl: source lost")

	// ErrTransient indica falha momentânea de uma query (time correction,
	// metadata). O caller deve ignorar e tentar no próximo ciclo.
	ErrTransient = errors.New("lsl: transient failure")
)

// StreamDescriptor identifica um stream descoberto e seu schema.
// O UID é opaco e estável apenas dentro de um ciclo de descoberta.
type StreamDescriptor struct {
	UID          string
	Name         string
	Type         string
	Hostname     string
	SourceID     string
	ChannelCount int
	Format       ChannelFormat
	NominalSrate float64 // 0 = taxa irregular

	// Metadata é a árvore de metadados exportada pela origem, já serializada
	// como XML. O core não interpreta o conteúdo; ele é embutido verbatim
	// dentro do elemento <desc> do StreamHeader.
	Metadata string
}

// InfoXML monta o descriptor XML completo gravado no chunk StreamHeader.
func (d StreamDescriptor) InfoXML() string {
	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\"?>")
	b.WriteString("<info>")
	fmt.Fprintf(&b, "<name>%s</name>", xmlEscape(d.Name))
	fmt.Fprintf(&b, "<type>%s</type>", xmlEscape(d.Type))
	fmt.Fprintf(&b, "<channel_count>%d</channel_count>", d.ChannelCount)
	fmt.Fprintf(&b, "<nominal_srate>%g</nominal_srate>", d.NominalSrate)
	fmt.Fprintf(&b, "<channel_format>%s</channel_format>", d.Format)
	fmt.Fprintf(&b, "<source_id>%s</source_id>", xmlEscape(d.SourceID))
	fmt.Fprintf(&b, "<hostname>%s</hostname>", xmlEscape(d.Hostname))
	fmt.Fprintf(&b, "<uid>%s</uid>", xmlEscape(d.UID))
	if d.Metadata != "" {
		b.WriteString("<desc>")
		b.WriteString(d.Metadata)
		b.WriteString("</desc>")
	} else {
		b.WriteString("<desc/>")
	}
	b.WriteString("</info>")
	return b.String()
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}

// SampleBatch carrega um bloco de N samples de um único stream.
// Os valores ficam em um slice flat interleaved por formato: o valor do canal
// c no sample i está no índice i*Channels+c. Apenas o slice correspondente a
// Format é preenchido.
type SampleBatch struct {
	Format     ChannelFormat
	Channels   int
	Timestamps []float64

	Float32s []float32
	Float64s []float64
	Int8s    []int8
	Int16s   []int16
	Int32s   []int32
	Int64s   []int64
	Strings  []string
}

// Len retorna o número de samples do batch.
func (b SampleBatch) Len() int {
	return len(b.Timestamps)
}

// Empty retorna true quando o batch não contém samples (timeout de pull).
func (b SampleBatch) Empty() bool {
	return len(b.Timestamps) == 0
}

// Inlet é uma assinatura aberta a um stream remoto.
type Inlet interface {
	// PullBatch puxa até maxSamples samples, bloqueando até timeout.
	// Retorna batch vazio em timeout e ErrSourceLost se o inlet foi rompido.
	PullBatch(maxSamples int, timeout time.Duration) (SampleBatch, error)

	// TimeCorrection retorna o offset atual entre o relógio local e o
	// relógio da origem. Pode falhar com ErrTransient.
	TimeCorrection(timeout time.Duration) (float64, error)

	// Close fecha o inlet. Idempotente.
	Close() error
}

// Source é a capacidade de descoberta e abertura de streams.
type Source interface {
	// Discover bloqueia até timeout e retorna os streams visíveis.
	// Uma descoberta vazia não é erro.
	Discover(ctx context.Context, timeout time.Duration) ([]StreamDescriptor, error)

	// Open abre um inlet para o stream descrito. bufferSeconds dimensiona o
	// buffer do transporte; maxChunkLen limita o tamanho dos blocos internos.
	// Falha com ErrSourceUnavailable se a origem sumiu desde a descoberta.
	Open(desc StreamDescriptor, bufferSeconds, maxChunkLen int) (Inlet, error)
}
