package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
)

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

// executeWithRetry выполняет job, повторяя неудачные попытки по policy.
//
// Повторы идут под тем же claim: epoch не меняется, и наружу виден только
// итог последней попытки. Отмена ctx (таймаут, потеря claim) прекращает
// повторы.
func (w *Worker) executeWithRetry(ctx context.Context, executor Executor, job *Job, policy *domain.RetryPolicy) (*ExecutionResult, error) {
	attempts := 1
	if policy != nil && policy.MaxAttempts > 1 {
		attempts = policy.MaxAttempts
	}

	for job.Attempt = 1; ; job.Attempt++ {
		res, err := executor.Execute(ctx, job)
		if err == nil && (res == nil || res.Error == "") {
			if res == nil {
				res = &ExecutionResult{}
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if job.Attempt >= attempts || !shouldRetry(res, err) {
			return res, err
		}

		wait := calculateBackoff(job.Attempt, policy)
		w.logger.Debug("retrying task",
			"task_id", job.TaskID,
			"attempt", job.Attempt,
			"wait", wait,
		)
		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}

// shouldRetry: инфраструктурные ошибки и логические повторяются,
// ответы HTTP 4xx (кроме 408 и 429) нет.
func shouldRetry(res *ExecutionResult, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if res == nil {
		return true
	}
	code, ok := res.Outputs["status_code"].(int)
	if !ok || code < 400 || code >= 500 {
		return true
	}
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// calculateBackoff возвращает паузу после попытки attempt (с 1).
// "exponential" удваивает начальную задержку, остальные стратегии её
// не меняют; результат не превышает MaxDelayMs.
func calculateBackoff(attempt int, policy *domain.RetryPolicy) time.Duration {
	if policy == nil {
		return defaultRetryDelay
	}

	base := msOr(policy.InitialDelayMs, defaultRetryDelay)
	ceiling := msOr(policy.MaxDelayMs, defaultMaxRetryDelay)

	d := base
	if policy.Backoff == "exponential" {
		for i := 1; i < attempt && d < ceiling; i++ {
			d *= 2
		}
	}
	return min(d, ceiling)
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
