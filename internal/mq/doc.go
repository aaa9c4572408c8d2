// Package mq — RabbitMQ как транспорт топиков mesh.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в exchange
//   - consumer.go   — потребление сообщений из очереди
//   - bus.go        — TopicBus, реализация transport.Bus
//
// Exchanges:
//   - meshwork.topics — topic exchange для всех топиков mesh
//   - meshwork.dlq    — dead letter для событий, которые не удалось обработать
//
// Очередь events.task.completed привязана к meshwork.topics с ключом
// meshwork.events.task.completed и накапливает события о завершении задач
// для внешних потребителей.
package mq
