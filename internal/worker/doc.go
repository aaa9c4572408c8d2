// Package worker выполняет одиночные задачи mesh.
//
// # Обзор
//
// Worker — независимый узел, который объявляет свои возможности и сам
// забирает подходящие задачи. Центрального распределения нет:
//
//   - Heartbeat: объявление возможностей в workers/ и в registry
//   - Watch status/: event-driven реакция на задачи в SUBMITTED
//   - Polling fallback: периодический обход status/
//   - Claim через claim.Arbitrator, продление lease каждые lease/3
//   - Выполнение через Executor по language задачи
//   - Retry внутри воркера с backoff (RetryPolicy)
//   - Публикация результата и финального статуса с epoch claim
//
// Worker берёт только one_shot задачи. Цепочки и stream-задачи ведёт
// orchestrator, а их шаги и запуски приходят сюда как обычные one_shot.
//
// # Использование
//
//	w := worker.New(worker.Config{
//	    Store:      store,
//	    Registry:   reg,
//	    Arbitrator: arb,
//	    Tracker:    tracker,
//	    Results:    publisher,
//	    Logger:     logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Executor
//
//	type Executor interface {
//	    Execute(ctx context.Context, job *Job) (*ExecutionResult, error)
//	}
//
// Встроенные реализации:
//   - BuiltinExecutor — детерминированные функции (factorial, fibonacci, sum, echo, transform, delay)
//   - HTTPExecutor — HTTP-запросы (method, url, headers, body, timeout_sec)
//
// Остальные language (python, wasm, docker) подключаются через
// Registry.Register. Language зарегистрированных executor'ов воркер
// объявляет как свои возможности.
//
// # Обработка задачи
//
//  1. Проверка режима и возможностей (все требуемые, без частичного совпадения)
//  2. Propose claim; проигравший молча отступает
//  3. CLAIMED → RUNNING с epoch claim
//  4. Выполнение с таймаутом requirements.timeout_seconds под продлеваемым lease
//  5. Проверка, что claim всё ещё наш, запись результата
//  6. COMPLETED или FAILED, release claim
//
// Таймаут возвращает задачу в пул (retries+1) или, если бюджет исчерпан,
// переводит её в TIMED_OUT. Потеря claim во время выполнения отменяет
// выполнение, и итог не сообщается.
//
// # Ошибки
//
// Пакет различает два уровня ошибок:
//   - Инфраструктурные (error от Execute) — сеть упала, DNS не резолвится
//   - Логические (ExecutionResult.Error) — HTTP 500, неверный вход
//
// Инфраструктурные всегда retriable. Логические — кроме HTTP 4xx.
package worker
