// Package api содержит HTTP API узла Meshwork.
//
// Структура:
//   - handler.go      — Handler с DI (Service, logger)
//   - routes.go       — chi router и регистрация маршрутов
//   - middleware.go   — middleware (logging, recovery, metrics)
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - dto.go          — Data Transfer Objects (request/response)
//   - task_handler.go — обработчики для /tasks, /streams, /workers
//
// API — тонкая оболочка над точками входа orchestrator: submit,
// submit-and-wait, status, results (в том числе вся цепочка), cancel,
// список активных stream-задач.
package api
