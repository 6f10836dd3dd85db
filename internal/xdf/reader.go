// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xdf

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/nishisan-dev/n-recorder/internal/lsl"
)

// Chunk é um chunk lido de um arquivo XDF. Payload é o conteúdo após a tag;
// para tags com stream id (StreamHeader, Samples, ClockOffset, StreamFooter)
// o campo StreamID é preenchido por conveniência.
type Chunk struct {
	Tag      uint16
	StreamID uint32
	Payload  []byte
}

// StreamInfo são os campos do descriptor relevantes para decodificar samples.
type StreamInfo struct {
	Name         string
	Type         string
	ChannelCount int
	Format       lsl.ChannelFormat
	NominalSrate float64
}

// FooterInfo são as tallies de um StreamFooter.
type FooterInfo struct {
	FirstTimestamp float64
	LastTimestamp  float64
	SampleCount    uint64
	ClockOffsets   int
}

// ParseFile lê e valida o framing de um arquivo XDF inteiro, retornando os
// chunks na ordem do arquivo.
func ParseFile(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening xdf file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse lê chunks de r até EOF. Um EOF no meio de um chunk é erro.
func Parse(r io.Reader) ([]Chunk, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading xdf magic: %w", err)
	}
	if magic != FileMagic {
		return nil, fmt.Errorf("xdf: invalid magic %q", magic[:])
	}

	var chunks []Chunk
	for {
		length, err := readVarLen(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return nil, fmt.Errorf("reading chunk length: %w", err)
		}
		if length < 2 {
			return nil, fmt.Errorf("xdf: chunk length %d shorter than tag", length)
		}

		var tagLE [2]byte
		if _, err := io.ReadFull(r, tagLE[:]); err != nil {
			return nil, fmt.Errorf("reading chunk tag: %w", err)
		}
		tag := binary.LittleEndian.Uint16(tagLE[:])

		payload := make([]byte, length-2)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading chunk payload (tag %d): %w", tag, err)
		}

		c := Chunk{Tag: tag, Payload: payload}
		switch tag {
		case TagStreamHeader, TagSamples, TagClockOffset, TagStreamFooter:
			if len(payload) < 4 {
				return nil, fmt.Errorf("xdf: tag %d payload shorter than stream id", tag)
			}
			c.StreamID = binary.LittleEndian.Uint32(payload[:4])
		case TagBoundary:
			if !bytes.Equal(payload, BoundaryUUID[:]) {
				return nil, fmt.Errorf("xdf: boundary chunk with wrong payload")
			}
		}
		chunks = append(chunks, c)
	}
}

// headerXML espelha os campos do descriptor XML que o reader precisa.
type headerXML struct {
	XMLName       xml.Name `xml:"info"`
	Name          string   `xml:"name"`
	Type          string   `xml:"type"`
	ChannelCount  int      `xml:"channel_count"`
	NominalSrate  float64  `xml:"nominal_srate"`
	ChannelFormat string   `xml:"channel_format"`
}

type footerXMLDoc struct {
	XMLName        xml.Name `xml:"info"`
	FirstTimestamp float64  `xml:"first_timestamp"`
	LastTimestamp  float64  `xml:"last_timestamp"`
	SampleCount    uint64   `xml:"sample_count"`
	ClockOffsets   struct {
		Count int `xml:"count"`
	} `xml:"clock_offsets"`
}

// DecodeStreamHeader extrai o StreamInfo de um chunk StreamHeader.
func DecodeStreamHeader(c Chunk) (StreamInfo, error) {
	if c.Tag != TagStreamHeader {
		return StreamInfo{}, fmt.Errorf("xdf: chunk tag %d is not a stream header", c.Tag)
	}
	var doc headerXML
	if err := xml.Unmarshal(c.Payload[4:], &doc); err != nil {
		return StreamInfo{}, fmt.Errorf("parsing stream header xml: %w", err)
	}
	format, err := lsl.ParseChannelFormat(doc.ChannelFormat)
	if err != nil {
		return StreamInfo{}, err
	}
	return StreamInfo{
		Name:         doc.Name,
		Type:         doc.Type,
		ChannelCount: doc.ChannelCount,
		Format:       format,
		NominalSrate: doc.NominalSrate,
	}, nil
}

// DecodeStreamFooter extrai as tallies de um chunk StreamFooter.
func DecodeStreamFooter(c Chunk) (FooterInfo, error) {
	if c.Tag != TagStreamFooter {
		return FooterInfo{}, fmt.Errorf("xdf: chunk tag %d is not a stream footer", c.Tag)
	}
	var doc footerXMLDoc
	if err := xml.Unmarshal(c.Payload[4:], &doc); err != nil {
		return FooterInfo{}, fmt.Errorf("parsing stream footer xml: %w", err)
	}
	return FooterInfo{
		FirstTimestamp: doc.FirstTimestamp,
		LastTimestamp:  doc.LastTimestamp,
		SampleCount:    doc.SampleCount,
		ClockOffsets:   doc.ClockOffsets.Count,
	}, nil
}

// DecodeClockOffset extrai (collection_time, offset) de um chunk ClockOffset.
func DecodeClockOffset(c Chunk) (float64, float64, error) {
	if c.Tag != TagClockOffset {
		return 0, 0, fmt.Errorf("xdf: chunk tag %d is not a clock offset", c.Tag)
	}
	if len(c.Payload) != 20 {
		return 0, 0, fmt.Errorf("xdf: clock offset payload has %d bytes, expected 20", len(c.Payload))
	}
	ct := math.Float64frombits(binary.LittleEndian.Uint64(c.Payload[4:12]))
	off := math.Float64frombits(binary.LittleEndian.Uint64(c.Payload[12:20]))
	return ct, off, nil
}

// DecodeSamples decodifica um chunk Samples usando o StreamInfo do header.
// Suporta timestamps explícitos (8) e deduzidos (0, somente streams de taxa
// regular: anterior + 1/nominal_srate).
func DecodeSamples(c Chunk, info StreamInfo) (lsl.SampleBatch, error) {
	if c.Tag != TagSamples {
		return lsl.SampleBatch{}, fmt.Errorf("xdf: chunk tag %d is not a samples chunk", c.Tag)
	}
	r := bytes.NewReader(c.Payload[4:])

	count, err := readVarLen(r)
	if err != nil {
		return lsl.SampleBatch{}, fmt.Errorf("reading sample count: %w", err)
	}
	n := int(count)
	ch := info.ChannelCount

	batch := lsl.SampleBatch{
		Format:     info.Format,
		Channels:   ch,
		Timestamps: make([]float64, 0, n),
	}
	var prevTS float64
	havePrev := false

	var scratch [8]byte
	for i := 0; i < n; i++ {
		var tsBytes [1]byte
		if _, err := io.ReadFull(r, tsBytes[:]); err != nil {
			return lsl.SampleBatch{}, fmt.Errorf("reading timestamp width: %w", err)
		}
		var ts float64
		switch tsBytes[0] {
		case 8:
			if _, err := io.ReadFull(r, scratch[:]); err != nil {
				return lsl.SampleBatch{}, fmt.Errorf("reading timestamp: %w", err)
			}
			ts = math.Float64frombits(binary.LittleEndian.Uint64(scratch[:]))
		case 0:
			if info.NominalSrate <= 0 {
				return lsl.SampleBatch{}, fmt.Errorf("xdf: deduced timestamp on irregular-rate stream")
			}
			if !havePrev {
				return lsl.SampleBatch{}, fmt.Errorf("xdf: deduced timestamp without predecessor")
			}
			ts = prevTS + 1/info.NominalSrate
		default:
			return lsl.SampleBatch{}, fmt.Errorf("xdf: invalid timestamp width %d", tsBytes[0])
		}
		prevTS = ts
		havePrev = true
		batch.Timestamps = append(batch.Timestamps, ts)

		for c := 0; c < ch; c++ {
			switch info.Format {
			case lsl.FormatFloat32:
				if _, err := io.ReadFull(r, scratch[:4]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading float32 value: %w", err)
				}
				batch.Float32s = append(batch.Float32s, math.Float32frombits(binary.LittleEndian.Uint32(scratch[:4])))
			case lsl.FormatFloat64:
				if _, err := io.ReadFull(r, scratch[:]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading float64 value: %w", err)
				}
				batch.Float64s = append(batch.Float64s, math.Float64frombits(binary.LittleEndian.Uint64(scratch[:])))
			case lsl.FormatInt8:
				if _, err := io.ReadFull(r, scratch[:1]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading int8 value: %w", err)
				}
				batch.Int8s = append(batch.Int8s, int8(scratch[0]))
			case lsl.FormatInt16:
				if _, err := io.ReadFull(r, scratch[:2]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading int16 value: %w", err)
				}
				batch.Int16s = append(batch.Int16s, int16(binary.LittleEndian.Uint16(scratch[:2])))
			case lsl.FormatInt32:
				if _, err := io.ReadFull(r, scratch[:4]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading int32 value: %w", err)
				}
				batch.Int32s = append(batch.Int32s, int32(binary.LittleEndian.Uint32(scratch[:4])))
			case lsl.FormatInt64:
				if _, err := io.ReadFull(r, scratch[:]); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading int64 value: %w", err)
				}
				batch.Int64s = append(batch.Int64s, int64(binary.LittleEndian.Uint64(scratch[:])))
			case lsl.FormatString:
				slen, err := readVarLen(r)
				if err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading string length: %w", err)
				}
				sb := make([]byte, slen)
				if _, err := io.ReadFull(r, sb); err != nil {
					return lsl.SampleBatch{}, fmt.Errorf("reading string value: %w", err)
				}
				batch.Strings = append(batch.Strings, string(sb))
			default:
				return lsl.SampleBatch{}, fmt.Errorf("xdf: unsupported channel format %s", info.Format)
			}
		}
	}
	if r.Len() != 0 {
		return lsl.SampleBatch{}, fmt.Errorf("xdf: %d trailing bytes in samples chunk", r.Len())
	}
	return batch, nil
}
