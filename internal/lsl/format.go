// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package lsl define a fronteira com o transporte de streaming (Lab Streaming
// Layer): descoberta de streams, inlets, batches de samples e relógio. Todos
// os demais pacotes interagem com o transporte apenas por estas interfaces.
package lsl

import "fmt"

// ChannelFormat identifica o tipo dos valores de canal de um stream.
// O encoder de samples do writer é selecionado uma única vez por stream,
// no momento da escrita do StreamHeader.
type ChannelFormat uint8

const (
	FormatFloat32 ChannelFormat = iota + 1
	FormatFloat64
	FormatInt8
	FormatInt16
	FormatInt32
	FormatInt64
	FormatString
)

// Size retorna o tamanho em bytes de um valor deste formato no arquivo.
// Retorna 0 para FormatString (comprimento variável por valor).
func (f ChannelFormat) Size() int {
	switch f {
	case FormatInt8:
		return 1
	case FormatInt16:
		return 2
	case FormatFloat32, FormatInt32:
		return 4
	case FormatFloat64, FormatInt64:
		return 8
	default:
		return 0
	}
}

// String retorna o nome do formato como usado no descriptor XML.
func (f ChannelFormat) String() string {
	switch f {
	case FormatFloat32:
		return "float32"
	case FormatFloat64:
		return "double64"
	case FormatInt8:
		return "int8"
	case FormatInt16:
		return "int16"
	case FormatInt32:
		return "int32"
	case FormatInt64:
		return "int64"
	case FormatString:
		return "string"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// ParseChannelFormat converte o nome textual de um formato (como aparece no
// descriptor XML) para a constante correspondente.
func ParseChannelFormat(s string) (ChannelFormat, error) {
	switch s {
	case "float32":
		return FormatFloat32, nil
	case "double64", "float64":
		return FormatFloat64, nil
	case "int8":
		return FormatInt8, nil
	case "int16":
		return FormatInt16, nil
	case "int32":
		return FormatInt32, nil
	case "int64":
		return FormatInt64, nil
	case "string":
		return FormatString, nil
	default:
		return 0, fmt.Errorf("lsl: unknown channel format %q", s)
	}
}
