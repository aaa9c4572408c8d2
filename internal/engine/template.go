package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Context — данные, доступные шаблонам значений входов:
//
//	{{ .inputs.device_id }}    входы задачи
//	{{ .previous.result }}     outputs предыдущего шага цепочки
//	{{ .message.reading }}     payload сообщения stream-задачи
type Context struct {
	Inputs   map[string]any
	Previous map[string]any
	Message  any
}

// NewContext создаёт контекст над входами. Если среди входов уже есть
// payload сообщения, он доступен как .message.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return &Context{
		Inputs:   inputs,
		Previous: make(map[string]any),
		Message:  inputs[MessageKey],
	}
}

// WithPrevious задаёт outputs предыдущего шага.
func (c *Context) WithPrevious(outputs map[string]any) *Context {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	c.Previous = outputs
	return c
}

// WithMessage задаёт payload сообщения.
func (c *Context) WithMessage(message any) *Context {
	c.Message = message
	return c
}

func (c *Context) data() map[string]any {
	return map[string]any{
		"inputs":   c.Inputs,
		"previous": c.Previous,
		"message":  c.Message,
	}
}

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
	"contains": strings.Contains,
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// Render подставляет значения в строку-шаблон. Строка без "{{"
// возвращается как есть. Обращение к отсутствующему ключу — ошибка.
func Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx.data()); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// RenderValue рендерит строки внутри value, обходя map и slice.
// Остальные значения возвращаются без изменений.
func RenderValue(value any, ctx *Context) (any, error) {
	switch v := value.(type) {
	case string:
		return Render(v, ctx)

	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := RenderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil

	default:
		return value, nil
	}
}
