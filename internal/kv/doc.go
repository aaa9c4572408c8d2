// Package kv описывает общее key-value хранилище, через которое узлы mesh
// координируются: claims, статусы, результаты, кэши и объявления воркеров.
//
// Хранилище внедряется как интерфейс Store. Все изменения, которые должны
// быть атомарными между узлами (claim, статус), выполняются через
// compare-and-swap по ревизии (Create/Update).
//
// Реализации:
//   - Memory — в памяти процесса (тесты, однопроцессный режим)
//   - natskv — NATS JetStream KeyValue
//   - pgkv   — PostgreSQL с LISTEN/NOTIFY
package kv
