package engine

import (
	"fmt"
	"math"
	"strings"

	"github.com/shaiso/Meshwork/internal/domain"
)

// Зарезервированные имена входов.
const (
	// PreviousKey — полный результат предыдущего шага цепочки.
	PreviousKey = "previous"

	// MessageKey — payload сообщения, запустившего stream-задачу.
	MessageKey = "message"
)

// ApplyInputs проверяет входные данные по объявленным inputs и подставляет
// значения по умолчанию. Возвращает новую map; исходная не изменяется.
//
// Необъявленные ключи пропускаются как есть. Шаблонные значения по
// умолчанию здесь не рендерятся (см. MergeInputs).
func ApplyInputs(def *domain.TaskDefinition, inputs map[string]any) (map[string]any, error) {
	return applyInputs("", def, inputs, nil)
}

func applyInputs(path string, def *domain.TaskDefinition, inputs map[string]any, tctx *Context) (map[string]any, error) {
	result := make(map[string]any, len(inputs)+len(def.Inputs))
	for k, v := range inputs {
		result[k] = v
	}

	for _, in := range def.Inputs {
		value, ok := result[in.Name]
		if !ok || value == nil {
			if in.Default == nil {
				if in.Required {
					return nil, NewValidationError(path, "inputs",
						fmt.Sprintf("required input missing: %s", in.Name), ErrMissingInput)
				}
				continue
			}

			value = in.Default
			if isTemplate(value) {
				if tctx == nil {
					if in.Required {
						return nil, NewValidationError(path, "inputs",
							fmt.Sprintf("required input missing: %s", in.Name), ErrMissingInput)
					}
					continue
				}
				rendered, err := RenderValue(value, tctx)
				if err != nil {
					return nil, NewValidationError(path, "inputs",
						fmt.Sprintf("render default of %s: %v", in.Name, err), err)
				}
				value = coerce(in.Type, rendered)
			}
			result[in.Name] = value
		}

		if !matchesType(in.Type, value) {
			return nil, NewValidationError(path, "inputs",
				fmt.Sprintf("input %s must be %s, got %T", in.Name, in.Type, value), ErrInputType)
		}
	}

	return result, nil
}

// matchesType проверяет значение на соответствие объявленному типу.
// Значения ожидаются в JSON-представлении (числа — float64).
func matchesType(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// isTemplate сообщает, содержит ли строковое значение шаблон.
func isTemplate(v any) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, "{{")
}
