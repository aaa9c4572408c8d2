package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shaiso/Meshwork/internal/domain"
)

// MergeInputs строит входы следующего шага цепочки из результата предыдущего.
//
// Правила:
//   - base (входы родителя) копируются как есть;
//   - объявленные входы next заполняются из prior по совпадающему имени;
//   - весь prior доступен как вход "previous";
//   - незаполненные входы получают значения по умолчанию, строковые
//     значения по умолчанию рендерятся как шаблоны над .previous и .inputs.
//
// Результат проверяется по объявленным входам next.
func MergeInputs(prior map[string]any, next *domain.TaskDefinition, base map[string]any) (map[string]any, error) {
	if next == nil {
		return nil, NewValidationError("", "", "next step is nil", ErrEmptyDefinition)
	}

	merged := make(map[string]any, len(base)+len(next.Inputs)+1)
	for k, v := range base {
		merged[k] = v
	}

	previous := make(map[string]any, len(prior))
	for k, v := range prior {
		previous[k] = v
	}

	for _, in := range next.Inputs {
		if v, ok := previous[in.Name]; ok {
			merged[in.Name] = v
		}
	}
	merged[PreviousKey] = previous

	tctx := NewContext(base).WithPrevious(previous)
	return applyInputs(next.Name, next, merged, tctx)
}

// coerce приводит отрендеренную строку к объявленному типу входа.
// Если привести не удаётся, строка возвращается как есть, и её отклонит
// проверка типа.
func coerce(typ string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	s = strings.TrimSpace(s)

	switch typ {
	case "number", "integer":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	case "object", "array", "any":
		var out any
		if err := json.Unmarshal([]byte(s), &out); err == nil {
			return out
		}
	}
	return v
}

// MessageInputs строит входы запуска stream-задачи из payload сообщения.
//
// Payload доступен как вход "message". Если payload — JSON-объект,
// его поля также заполняют объявленные входы по имени.
func MessageInputs(def *domain.TaskDefinition, base map[string]any, payload []byte) (map[string]any, error) {
	var message any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &message); err != nil {
			message = string(payload)
		}
	}

	merged := make(map[string]any, len(base)+len(def.Inputs)+1)
	for k, v := range base {
		merged[k] = v
	}
	if fields, ok := message.(map[string]any); ok {
		for _, in := range def.Inputs {
			if v, ok := fields[in.Name]; ok {
				merged[in.Name] = v
			}
		}
	}
	merged[MessageKey] = message

	result, err := applyInputs(def.Name, def, merged, NewContext(base).WithMessage(message))
	if err != nil {
		return nil, fmt.Errorf("message inputs: %w", err)
	}
	return result, nil
}
