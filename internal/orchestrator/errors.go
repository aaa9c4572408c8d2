package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNotFound — задача с таким TaskID не найдена.
	ErrNotFound = errors.New("task not found")

	// ErrCapabilityUnavailable — ни один воркер сейчас не объявляет все
	// требуемые возможности. Задача остаётся в SUBMITTED.
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrChainAbort — шаг цепочки завершился неуспешно, цепочка остановлена.
	ErrChainAbort = errors.New("chain aborted")

	// ErrNotTerminal — задача ещё не завершена, результата нет.
	ErrNotTerminal = errors.New("task is not finished")

	// ErrNotChain — задача не является sequential-цепочкой.
	ErrNotChain = errors.New("task is not a sequential chain")

	// ErrAlreadyFinished — задача уже в финальном состоянии.
	ErrAlreadyFinished = errors.New("task already finished")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")

	errChainStopped = errors.New("chain stopped")
)
