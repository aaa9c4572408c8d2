package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Meshwork/internal/domain"
)

// Job — задача, переданная executor'у.
type Job struct {
	TaskID   domain.TaskID
	WorkerID string

	// Definition — определение задачи (language, source, outputs).
	Definition *domain.TaskDefinition

	// Inputs — входы после применения значений по умолчанию.
	Inputs map[string]any

	// Attempt — номер попытки внутри воркера, начиная с 1.
	Attempt int
}

// Executor — исполнитель задач одного вида payload (language).
//
// Встроенные реализации: BuiltinExecutor, HTTPExecutor. Песочницы для
// python, wasm, docker подключаются встраивающей программой через
// Registry.Register.
//
// ctx несёт таймаут из requirements.timeout_seconds и отменяется при
// потере claim или отмене задачи.
type Executor interface {
	Execute(ctx context.Context, job *Job) (*ExecutionResult, error)
}

// ExecutorFunc позволяет использовать функцию как Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (*ExecutionResult, error)

// Execute вызывает f.
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (*ExecutionResult, error) {
	return f(ctx, job)
}

// ExecutionResult — результат выполнения.
type ExecutionResult struct {
	// Outputs — выходные данные.
	Outputs map[string]any

	// Error — логическая ошибка выполнения (задача отработала и сообщила об ошибке).
	// Инфраструктурные ошибки возвращаются через error в Execute().
	Error string
}

// Registry — реестр executor'ов по language.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry создаёт реестр со встроенными executor'ами: builtin и http.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[string]Executor)}
	r.Register(string(domain.CapBuiltin), NewBuiltinExecutor())
	r.Register(string(domain.CapHTTP), &HTTPExecutor{})
	return r
}

// Register добавляет executor для language.
func (r *Registry) Register(language string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[string(domain.ParseCapability(language))] = executor
}

// Get возвращает executor для language.
func (r *Registry) Get(language string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[string(domain.ParseCapability(language))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLanguage, language)
	}
	return executor, nil
}

// Languages возвращает отсортированный список зарегистрированных language.
// Воркер объявляет их как свои возможности.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.executors))
	for lang := range r.executors {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}
