// Package cli реализует инструмент командной строки Meshwork.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с API узла mesh.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Meshwork API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	st, err := client.Status(id)
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (go-pretty) — по умолчанию
//   - JSON (json.Encoder с отступами) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: meshwork streams --json | jq .
//
// ## Commands
//
//   - submit FILE [--input k=v] [--wait]
//   - status ID
//   - results ID [--chain]
//   - cancel ID [--reason]
//   - streams
//   - workers
//
// Каждая команда создаётся фабричной функцией (NewSubmitCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
