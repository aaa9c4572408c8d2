package worker

import (
	"context"
	"time"
)

// delay ждёт duration_ms миллисекунд (по умолчанию 1000) и возвращает
// {"delayed_ms": N}. Отмена ctx прерывает ожидание.
func delay(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	ms, err := intInput(inputs, "duration_ms", 1000)
	if err != nil {
		return nil, err
	}
	ms = max(ms, 0)

	if err := sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"delayed_ms": ms}, nil
}
