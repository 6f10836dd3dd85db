// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package recorder

import (
	"errors"
	"fmt"
)

// Kind classifica os erros do recorder no conjunto canônico exposto pelo
// canal de controle.
type Kind string

const (
	KindSourceUnavailable Kind = "SourceUnavailable"
	KindSourceLost        Kind = "SourceLost"
	KindTransient         Kind = "Transient"
	KindOrderViolation    Kind = "OrderViolation"
	KindIOError           Kind = "IOError"
	KindInvalidState      Kind = "InvalidState"
	KindBadRequest        Kind = "BadRequest"
	KindNoSelection       Kind = "NoSelection"

	// KindInternal cobre falhas fora do conjunto canônico.
	KindInternal Kind = "Internal"
)

// Error é um erro do recorder com a classificação usada nas respostas do
// canal de controle.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf cria um *Error com a mensagem formatada.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extrai o Kind de um erro; erros desconhecidos viram KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
