// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package xdf implementa a serialização do container XDF: framing de chunks
// com comprimento variável, escrita append-only com writer único e o parser
// usado para verificação dos arquivos gravados.
package xdf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tags de chunk do formato XDF.
const (
	TagFileHeader   uint16 = 1
	TagStreamHeader uint16 = 2
	TagSamples      uint16 = 3
	TagClockOffset  uint16 = 4
	TagBoundary     uint16 = 5
	TagStreamFooter uint16 = 6
)

// FileMagic é o preâmbulo de 4 bytes no início de todo arquivo XDF.
var FileMagic = [4]byte{'X', 'D', 'F', ':'}

// BoundaryUUID é o payload fixo de 16 bytes de um chunk Boundary.
var BoundaryUUID = [16]byte{
	0x43, 0xA5, 0x46, 0xDC, 0xCB, 0xF5, 0x41, 0x0F,
	0xB3, 0x0E, 0xD5, 0x46, 0x73, 0x83, 0xCB, 0xE4,
}

// fileHeaderXML é o conteúdo do chunk FileHeader.
const fileHeaderXML = `<?xml version="1.0"?><info><version>1.0</version></info>`

// Erros do writer.
var (
	// ErrOrderViolation indica uso incorreto do contrato de ordem por stream
	// (dados antes do header, dados após o footer, header ou footer em
	// duplicata). Erro de programação, fatal para a sessão.
	ErrOrderViolation = errors.New("xdf: chunk order violation")

	// ErrWriterFailed indica que um erro de I/O anterior colocou o writer em
	// estado failed; escritas subsequentes retornam este erro sem tocar o
	// disco.
	ErrWriterFailed = errors.New("xdf: writer in failed state")

	// ErrWriterClosed indica escrita após Close.
	ErrWriterClosed = errors.New("xdf: writer closed")
)

// appendVarLen codifica v no formato de comprimento variável do XDF:
// [NumBytes u8 ∈ {1,4,8}] [valor little-endian em NumBytes]. Usa sempre a
// menor largura capaz de representar v (1 byte somente para v < 256).
func appendVarLen(buf *bytes.Buffer, v uint64) {
	switch {
	case v < 1<<8:
		buf.WriteByte(1)
		buf.WriteByte(byte(v))
	case v < 1<<32:
		buf.WriteByte(4)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	default:
		buf.WriteByte(8)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
}

// readVarLen decodifica um inteiro de comprimento variável.
func readVarLen(r io.Reader) (uint64, error) {
	var nb [1]byte
	if _, err := io.ReadFull(r, nb[:]); err != nil {
		return 0, err
	}
	// Depois do byte de largura, EOF significa valor truncado.
	truncated := func(err error) error {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	switch nb[0] {
	case 1:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("reading 1-byte length: %w", truncated(err))
		}
		return uint64(b[0]), nil
	case 4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("reading 4-byte length: %w", truncated(err))
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 8:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, fmt.Errorf("reading 8-byte length: %w", truncated(err))
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	default:
		return 0, fmt.Errorf("xdf: invalid length width %d", nb[0])
	}
}
