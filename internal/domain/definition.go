package domain

import "time"

// DefaultTimeout — таймаут выполнения, если в requirements он не задан.
const DefaultTimeout = 300 * time.Second

// ExecutionMode — режим выполнения задачи.
type ExecutionMode string

const (
	// ModeOneShot — одиночная задача, выполняется одним воркером один раз.
	ModeOneShot ExecutionMode = "one_shot"

	// ModeSequential — цепочка подзадач, выполняемых строго по порядку.
	ModeSequential ExecutionMode = "sequential"

	// ModeStreamReactive — долгоживущая задача, перезапускаемая по триггеру.
	ModeStreamReactive ExecutionMode = "stream_reactive"
)

// Trigger — политика запуска stream-задачи.
type Trigger string

const (
	// TriggerOnMessage — каждое сообщение во входном топике = один запуск.
	TriggerOnMessage Trigger = "on_message"

	// TriggerTimeInterval — запуск по таймеру (interval_ms или cron).
	TriggerTimeInterval Trigger = "time_interval"

	// TriggerRateLimited — как on_message, но не чаще rate_limit_hz; лишнее отбрасывается.
	TriggerRateLimited Trigger = "rate_limited"
)

// CacheScope — куда Result Publisher кладёт output помимо results.
type CacheScope string

const (
	CacheNone       CacheScope = ""
	CacheEphemeral  CacheScope = "ephemeral"
	CachePersistent CacheScope = "persistent"
)

// TaskDefinition — неизменяемое описание задачи, присланное клиентом.
//
// Definition — это "рецепт": что выполнить (language + source),
// какие входы и выходы, какие возможности нужны воркеру и как запускать
// (one_shot, sequential, stream_reactive).
type TaskDefinition struct {
	// Name — человекочитаемое имя задачи (например, "factorial").
	Name string `json:"name" yaml:"name"`

	// Description — описание назначения задачи.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Language — вид payload, определяет внешний executor ("python", "builtin", "http", ...).
	Language string `json:"language,omitempty" yaml:"language,omitempty"`

	// Source — откуда брать код задачи.
	Source TaskSource `json:"source,omitempty" yaml:"source,omitempty"`

	// Inputs — именованные типизированные входы.
	Inputs []InputDef `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Outputs — именованные выходы (опционально с sink-топиком и кэшем).
	Outputs []OutputDef `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Requirements — ресурсы и возможности, нужные воркеру.
	Requirements Requirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`

	// Retry — политика повторных попыток выполнения внутри воркера.
	Retry *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// ExecutionMode — режим выполнения. Пустой = one_shot.
	ExecutionMode ExecutionMode `json:"execution_mode,omitempty" yaml:"execution_mode,omitempty"`

	// Tasks — шаги цепочки (только для sequential).
	Tasks []TaskDefinition `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// StreamConfig — настройки триггера (только для stream_reactive).
	StreamConfig *StreamConfig `json:"stream_config,omitempty" yaml:"stream_config,omitempty"`
}

// TaskSource — источник кода задачи. Задаётся ровно одно поле.
type TaskSource struct {
	Inline  *InlineSource `json:"inline,omitempty" yaml:"inline,omitempty"`
	URL     *URLSource    `json:"url,omitempty" yaml:"url,omitempty"`
	Git     *GitSource    `json:"git,omitempty" yaml:"git,omitempty"`
	Gist    *GistSource   `json:"gist,omitempty" yaml:"gist,omitempty"`
	Wasm    *WasmSource   `json:"wasm,omitempty" yaml:"wasm,omitempty"`
	Docker  *DockerSource `json:"docker,omitempty" yaml:"docker,omitempty"`
	Builtin *BuiltinRef   `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

type InlineSource struct {
	Code string `json:"code" yaml:"code"`
}

type URLSource struct {
	URL string `json:"url" yaml:"url"`
}

type GitSource struct {
	Repo   string `json:"repo" yaml:"repo"`
	Path   string `json:"path" yaml:"path"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

type GistSource struct {
	ID       string `json:"id" yaml:"id"`
	Filename string `json:"filename" yaml:"filename"`
}

type WasmSource struct {
	Bytes []byte `json:"wasm_bytes" yaml:"wasm_bytes"`
}

type DockerSource struct {
	Image   string   `json:"image" yaml:"image"`
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`
}

// BuiltinRef — ссылка на встроенную детерминированную функцию воркера.
type BuiltinRef struct {
	Function string `json:"function" yaml:"function"`
}

// Kinds возвращает имена заданных вариантов источника.
func (s TaskSource) Kinds() []string {
	var kinds []string
	if s.Inline != nil {
		kinds = append(kinds, "inline")
	}
	if s.URL != nil {
		kinds = append(kinds, "url")
	}
	if s.Git != nil {
		kinds = append(kinds, "git")
	}
	if s.Gist != nil {
		kinds = append(kinds, "gist")
	}
	if s.Wasm != nil {
		kinds = append(kinds, "wasm")
	}
	if s.Docker != nil {
		kinds = append(kinds, "docker")
	}
	if s.Builtin != nil {
		kinds = append(kinds, "builtin")
	}
	return kinds
}

// InputDef — определение входного параметра.
type InputDef struct {
	// Name — имя входа.
	Name string `json:"name" yaml:"name"`

	// Type — тип: "string", "number", "integer", "boolean", "object", "array", "any".
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Required — обязательный ли вход.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Default — значение по умолчанию. Строка может быть Go template
	// над результатом предыдущего шага цепочки: "{{ .previous.result }}".
	Default any `json:"default,omitempty" yaml:"default,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// OutputDef — определение выхода.
type OutputDef struct {
	Name string `json:"name" yaml:"name"`

	// Type — тип значения (см. InputDef.Type).
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Sink — топик транспорта, куда публикуется значение выхода.
	Sink string `json:"sink,omitempty" yaml:"sink,omitempty"`

	// Cache — ephemeral | persistent.
	Cache CacheScope `json:"cache,omitempty" yaml:"cache,omitempty"`

	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Requirements — ограничения ресурсов и требуемые возможности.
type Requirements struct {
	MemoryMB       uint64   `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUCores       uint32   `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	TimeoutSeconds uint64   `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// MaxRetries — сколько раз задачу можно вернуть в пул после истечения
	// lease или таймаута. 0 = значение из конфигурации.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// RetryPolicy — политика повторных попыток выполнения внутри воркера.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
}

// StreamConfig — настройки триггера stream-задачи.
type StreamConfig struct {
	Trigger Trigger `json:"trigger" yaml:"trigger"`

	// Topic — входной топик для on_message и rate_limited.
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// IntervalMs — период для time_interval.
	IntervalMs int64 `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`

	// Cron — cron-выражение для time_interval (альтернатива IntervalMs).
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`

	// RateLimitHz — максимальная частота запусков для rate_limited.
	RateLimitHz float64 `json:"rate_limit_hz,omitempty" yaml:"rate_limit_hz,omitempty"`
}

// Mode возвращает режим выполнения с учётом значения по умолчанию.
func (d *TaskDefinition) Mode() ExecutionMode {
	if d.ExecutionMode == "" {
		return ModeOneShot
	}
	return d.ExecutionMode
}

// Timeout возвращает таймаут выполнения.
func (d *TaskDefinition) Timeout() time.Duration {
	if d.Requirements.TimeoutSeconds == 0 {
		return DefaultTimeout
	}
	return time.Duration(d.Requirements.TimeoutSeconds) * time.Second
}

// RequiredCapabilities возвращает полный набор возможностей, нужных воркеру:
// явные requirements.capabilities плюс возможность, соответствующая language.
func (d *TaskDefinition) RequiredCapabilities() CapabilitySet {
	set := NewCapabilitySet()
	for _, c := range d.Requirements.Capabilities {
		set.Add(ParseCapability(c))
	}
	if d.Language != "" {
		set.Add(ParseCapability(d.Language))
	}
	return set
}

// Output возвращает определение выхода по имени.
func (d *TaskDefinition) Output(name string) (OutputDef, bool) {
	for _, o := range d.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return OutputDef{}, false
}
