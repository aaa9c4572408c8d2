// Package stream запускает stream_reactive задачи по триггеру.
//
// Engine.Start создаёт Handle, который вызывает InvokeFunc на каждое
// срабатывание триггера, пока Handle не отменён:
//
//   - on_message — каждое сообщение топика = один запуск, в порядке прихода
//   - time_interval — по периоду interval_ms или cron-выражению; пропущенные
//     тики схлопываются (не больше одного ожидающего запуска)
//   - rate_limited — как on_message, но не чаще rate_limit_hz (token bucket,
//     burst 1); лишние сообщения отбрасываются, не копятся
//
// Handle.Cancel синхронный: после возврата ни один новый запуск не
// начнётся. Уже начатый запуск может завершиться.
//
// Engine не пишет статусы и не держит claims: это делает orchestrator,
// которому Handle сообщает о завершении через Done().
package stream
