package engine

import "errors"

// Ошибки разбора и валидации TaskDefinition.
var (
	// ErrMalformed — документ не является корректным JSON/YAML.
	ErrMalformed = errors.New("malformed task definition")

	// ErrEmptyDefinition — определение отсутствует.
	ErrEmptyDefinition = errors.New("empty task definition")

	// ErrEmptyName — у задачи нет имени.
	ErrEmptyName = errors.New("task has empty name")

	// ErrUnknownMode — неизвестный execution_mode.
	ErrUnknownMode = errors.New("unknown execution mode")

	// ErrMissingLanguage — не указан вид payload.
	ErrMissingLanguage = errors.New("task has no language")

	// ErrInvalidSource — источник кода не задан или задано несколько вариантов.
	ErrInvalidSource = errors.New("task source must have exactly one variant")

	// ErrInvalidInput — некорректное определение входа.
	ErrInvalidInput = errors.New("invalid input definition")

	// ErrInvalidOutput — некорректное определение выхода.
	ErrInvalidOutput = errors.New("invalid output definition")

	// ErrInvalidCapability — пустой тег возможности.
	ErrInvalidCapability = errors.New("invalid capability")

	// ErrInvalidRetry — некорректная политика повторов.
	ErrInvalidRetry = errors.New("invalid retry policy")

	// ErrEmptyChain — sequential-задача без шагов.
	ErrEmptyChain = errors.New("sequential task has no steps")

	// ErrNestedChain — шаг цепочки сам является цепочкой или stream.
	ErrNestedChain = errors.New("chain steps must be one_shot")

	// ErrUnexpectedField — поле не применимо к режиму выполнения.
	ErrUnexpectedField = errors.New("field not allowed for execution mode")

	// ErrMissingStreamConfig — stream-задача без stream_config.
	ErrMissingStreamConfig = errors.New("stream task has no stream_config")

	// ErrUnknownTrigger — неизвестный тип триггера.
	ErrUnknownTrigger = errors.New("unknown stream trigger")

	// ErrMissingTopic — триггеру нужен входной топик.
	ErrMissingTopic = errors.New("stream trigger requires a topic")

	// ErrInvalidInterval — некорректный interval_ms или cron.
	ErrInvalidInterval = errors.New("invalid stream interval")

	// ErrInvalidRate — rate_limit_hz должен быть положительным.
	ErrInvalidRate = errors.New("invalid stream rate limit")
)

// Ошибки проверки входных данных.
var (
	// ErrMissingInput — не передан обязательный вход.
	ErrMissingInput = errors.New("required input missing")

	// ErrInputType — значение входа не соответствует объявленному типу.
	ErrInputType = errors.New("input has wrong type")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Path    string // путь к определению: "", "tasks[1]"
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return e.Path + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(path, field, message string, err error) *ValidationError {
	return &ValidationError{
		Path:    path,
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// IsValidationError сообщает, является ли err ошибкой валидации.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
