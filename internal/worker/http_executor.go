package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBody — сколько байт ответа попадает в outputs.
	maxResponseBody = 4 << 20
)

// HTTPExecutor — executor для language "http".
//
// Входы:
//   - method (string): HTTP-метод. Default: GET
//   - url (string): URL запроса; если не задан, берётся source.url
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//
// Строки в url, headers и body могут быть шаблонами над входами задачи:
// {{ .inputs.device_id }}.
//
// Выходы: status_code, headers, body. Если тело ответа — JSON-объект,
// его поля также заполняют объявленные outputs с совпадающими именами.
// HTTP >= 400 — логическая ошибка.
type HTTPExecutor struct {
	// Client — HTTP-клиент (по умолчанию http.DefaultClient).
	Client *http.Client
}

// httpCall — запрос, собранный из входов задачи.
type httpCall struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
	timeout time.Duration
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, job *Job) (*ExecutionResult, error) {
	call, err := newHTTPCall(job)
	if err != nil {
		return &ExecutionResult{Error: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()

	var body io.Reader
	if call.body != nil {
		body = bytes.NewReader(call.body)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, body)
	if err != nil {
		return &ExecutionResult{Error: fmt.Sprintf("%v: %v", ErrHTTPRequest, err)}, nil
	}
	for k, v := range call.headers {
		req.Header.Set(k, v)
	}
	if call.body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := responseOutputs(job.Definition, resp, raw)
	if resp.StatusCode >= 400 {
		return &ExecutionResult{
			Outputs: outputs,
			Error:   fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200)),
		}, nil
	}
	return &ExecutionResult{Outputs: outputs}, nil
}

// newHTTPCall собирает запрос из входов, рендеря шаблоны.
// Ошибка — логическая: задача описана неверно.
func newHTTPCall(job *Job) (*httpCall, error) {
	rendered, err := engine.RenderValue(job.Inputs, engine.NewContext(job.Inputs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	inputs, _ := rendered.(map[string]any)

	call := &httpCall{
		method:  strings.ToUpper(stringInput(inputs, "method", http.MethodGet)),
		url:     stringInput(inputs, "url", ""),
		headers: make(map[string]string),
		timeout: durationInput(inputs, "timeout_sec", defaultHTTPTimeout),
	}
	if call.url == "" && job.Definition != nil && job.Definition.Source.URL != nil {
		call.url = job.Definition.Source.URL.URL
	}
	if call.url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	if h, ok := inputs["headers"].(map[string]any); ok {
		for k, v := range h {
			if s, ok := v.(string); ok {
				call.headers[k] = s
			}
		}
	}

	if b, ok := inputs["body"]; ok && b != nil {
		if call.body, err = json.Marshal(b); err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
	}
	return call, nil
}

// responseOutputs строит outputs из ответа.
func responseOutputs(def *domain.TaskDefinition, resp *http.Response, raw []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var body any
	if err := json.Unmarshal(raw, &body); err != nil {
		body = string(raw)
	}

	outputs := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}

	if fields, ok := body.(map[string]any); ok && def != nil {
		for _, out := range def.Outputs {
			if _, reserved := outputs[out.Name]; reserved {
				continue
			}
			if v, ok := fields[out.Name]; ok {
				outputs[out.Name] = v
			}
		}
	}
	return outputs
}

func stringInput(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func durationInput(m map[string]any, key string, def time.Duration) time.Duration {
	switch v := m[key].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return def
}

// truncate обрезает строку до maxLen байт.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
