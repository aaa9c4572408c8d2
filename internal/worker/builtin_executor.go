package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/shaiso/Meshwork/internal/engine"
)

// BuiltinFunc — встроенная детерминированная функция.
type BuiltinFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// BuiltinExecutor — executor для language "builtin".
//
// Функция выбирается по source.builtin.function, а если источник не
// задан, по имени задачи. Ошибка ErrInvalidInput от функции считается
// логической: задача завершается FAILED без повторов.
type BuiltinExecutor struct {
	funcs map[string]BuiltinFunc
}

// NewBuiltinExecutor создаёт executor с функциями factorial, fibonacci,
// sum, echo, transform и delay.
func NewBuiltinExecutor() *BuiltinExecutor {
	e := &BuiltinExecutor{funcs: make(map[string]BuiltinFunc)}
	e.Register("factorial", factorial)
	e.Register("fibonacci", fibonacci)
	e.Register("sum", sum)
	e.Register("echo", transform)
	e.Register("transform", transform)
	e.Register("delay", delay)
	return e
}

// Register добавляет функцию.
func (e *BuiltinExecutor) Register(name string, fn BuiltinFunc) {
	e.funcs[name] = fn
}

// Functions возвращает отсортированные имена функций.
func (e *BuiltinExecutor) Functions() []string {
	out := make([]string, 0, len(e.funcs))
	for name := range e.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Execute вызывает функцию задачи.
func (e *BuiltinExecutor) Execute(ctx context.Context, job *Job) (*ExecutionResult, error) {
	name := job.Definition.Name
	if ref := job.Definition.Source.Builtin; ref != nil && ref.Function != "" {
		name = ref.Function
	}

	fn, ok := e.funcs[name]
	if !ok {
		return &ExecutionResult{Error: fmt.Sprintf("%v: %s", ErrUnknownFunction, name)}, nil
	}

	outputs, err := fn(ctx, job.Inputs)
	if errors.Is(err, ErrInvalidInput) {
		return &ExecutionResult{Error: err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Outputs: outputs}, nil
}

// factorial: {"number": 5} → {"result": 120}.
func factorial(_ context.Context, inputs map[string]any) (map[string]any, error) {
	n, err := intInput(inputs, "number", 10)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: factorial of negative number %d", ErrInvalidInput, n)
	}
	if n > 20 {
		return nil, fmt.Errorf("%w: factorial of %d overflows uint64", ErrInvalidInput, n)
	}

	result := uint64(1)
	for i := uint64(2); i <= uint64(n); i++ {
		result *= i
	}
	return map[string]any{"result": result}, nil
}

// fibonacci: {"terms": 5} → {"sequence": [0 1 1 2 3], "result": 3, ...}.
func fibonacci(_ context.Context, inputs map[string]any) (map[string]any, error) {
	terms, err := intInput(inputs, "terms", 10)
	if err != nil {
		return nil, err
	}
	if terms < 0 || terms > 93 {
		return nil, fmt.Errorf("%w: terms must be in [0, 93], got %d", ErrInvalidInput, terms)
	}

	seq := make([]uint64, 0, terms)
	var a, b uint64 = 0, 1
	var total uint64
	for i := int64(0); i < terms; i++ {
		seq = append(seq, a)
		total += a
		a, b = b, a+b
	}

	out := map[string]any{
		"sequence": seq,
		"terms":    len(seq),
		"sum":      total,
	}
	if len(seq) > 0 {
		out["result"] = seq[len(seq)-1]
	}
	return out, nil
}

// sum: {"values": [1, 2, 3]} → {"result": 6}.
func sum(_ context.Context, inputs map[string]any) (map[string]any, error) {
	raw, ok := inputs["values"]
	if !ok {
		return nil, fmt.Errorf("%w: values is required", ErrInvalidInput)
	}
	values, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: values must be an array", ErrInvalidInput)
	}

	var total float64
	for i, v := range values {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: values[%d]: %v", ErrInvalidInput, i, err)
		}
		total += f
	}
	return map[string]any{"result": total, "count": len(values)}, nil
}

// intInput читает целочисленный вход name или возвращает def.
func intInput(inputs map[string]any, name string, def int64) (int64, error) {
	v, ok := inputs[name]
	if !ok || v == nil {
		return def, nil
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidInput, name, err)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidInput, name, f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// withoutReserved возвращает копию входов без служебных ключей.
func withoutReserved(inputs map[string]any) map[string]any {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k == engine.PreviousKey {
			continue
		}
		out[k] = v
	}
	return out
}
