// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Recorder License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package xdf

import (
	"context"

	"golang.org/x/time/rate"
)

// minGateBurst garante que o gate aceite frames pequenos mesmo com rates
// muito baixos configurados.
const minGateBurst = 4 * 1024

// rateGate limita a banda de escrita em disco do writer. Em vez de embrulhar
// o io.Writer, o gate cobra os tokens por chunk, antes do frame ser escrito:
// o chunk é a unidade de flush do writer, então a contabilidade do token
// bucket fica alinhada à cadência real de syscalls.
type rateGate struct {
	limiter *rate.Limiter
	ctx     context.Context
}

// newRateGate cria o gate para bytesPerSec bytes/segundo, ou nil (sem
// throttle) para bytesPerSec <= 0. O burst é bytesPerSec limitado ao buffer de
// escrita do writer (com piso minGateBurst): com rate >= writeBufferSize, um
// frame que caiba no buffer passa em uma reserva só; com rates menores, frames
// acima do burst são cobrados em várias reservas.
func newRateGate(ctx context.Context, bytesPerSec int64) *rateGate {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > writeBufferSize {
		burst = writeBufferSize
	}
	if burst < minGateBurst {
		burst = minGateBurst
	}
	return &rateGate{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// wait bloqueia até haver tokens para n bytes. Frames maiores que o burst
// são cobrados em fatias, para nunca pedir uma reserva acima do burst.
func (g *rateGate) wait(n int) error {
	if g == nil {
		return nil
	}
	for n > 0 {
		step := n
		if step > g.limiter.Burst() {
			step = g.limiter.Burst()
		}
		if err := g.limiter.WaitN(g.ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
