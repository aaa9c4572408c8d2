// Package transport — публикация и подписка на топики.
//
// Ядро не реализует транспорт само: оно работает через интерфейсы
// Publisher и Subscriber. Реализации:
//   - Memory — шина в памяти процесса (тесты, режим одного узла)
//   - NATS   — core pub/sub поверх nats.go
//   - mq.TopicBus — RabbitMQ topic exchange (пакет mq)
//
// Имена топиков пишутся через '/', например sensors/temperature.
// Адаптеры сами переводят их в формат брокера.
package transport
