// Package telemetry обеспечивает наблюдаемость узла mesh.
//
// Включает:
//   - logging.go — structured logging через slog (опционально в файл с ротацией)
//   - metrics.go — Prometheus метрики claims, жизненного цикла и stream-задач
//
// Все компоненты используют единый формат логирования
// и экспортируют метрики на /metrics endpoint.
package telemetry
