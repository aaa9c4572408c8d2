// Package orchestrator — точки входа ядра mesh и управление составными задачами.
//
// Orchestrator отвечает за:
//   - Submit / SubmitAndWait / Status / Results / ChainResults / Cancel / ListActiveStreams
//   - Выполнение sequential-цепочек: шаги <parent>-0..k-1 по одному,
//     с явным слиянием выходов предыдущего шага во входы следующего
//   - Запуск stream_reactive задач через stream.Engine; каждый запуск —
//     one_shot подзадача <stream>-<n>
//   - Sweeper: истёкшие claims, таймауты выполнения, таймаут допуска
//
// Одиночные задачи выполняют воркеры; оркестратор только создаёт их
// записи и читает статусы. Родительские задачи цепочек и stream-задачи
// оркестратор захватывает сам, через тот же claim.Arbitrator, поэтому
// несколько оркестраторов могут работать над одним хранилищем.
package orchestrator
