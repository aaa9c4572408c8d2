package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Meshwork/internal/domain"
)

// Допустимые типы входов и выходов.
var validValueTypes = map[string]bool{
	"":        true,
	"any":     true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

var validModes = map[domain.ExecutionMode]bool{
	domain.ModeOneShot:        true,
	domain.ModeSequential:     true,
	domain.ModeStreamReactive: true,
}

// Parse разбирает определение задачи из JSON или YAML и валидирует его.
//
// Формат определяется по первому значимому символу: '{' — JSON, иначе YAML.
func Parse(data []byte) (*domain.TaskDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewValidationError("", "", "empty document", ErrEmptyDefinition)
	}

	var (
		def *domain.TaskDefinition
		err error
	)
	if trimmed[0] == '{' {
		def, err = ParseJSON(trimmed)
	} else {
		def, err = ParseYAML(trimmed)
	}
	if err != nil {
		return nil, err
	}

	if err := Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// ParseJSON декодирует определение из JSON без валидации.
func ParseJSON(data []byte) (*domain.TaskDefinition, error) {
	var def domain.TaskDefinition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, NewValidationError("", "", fmt.Sprintf("decode json: %v", err), ErrMalformed)
	}
	return &def, nil
}

// ParseYAML декодирует определение из YAML без валидации.
//
// YAML сначала приводится к JSON-дереву, чтобы числа во входах и
// значениях по умолчанию имели те же типы (float64), что и при JSON-submit.
func ParseYAML(data []byte) (*domain.TaskDefinition, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, NewValidationError("", "", fmt.Sprintf("decode yaml: %v", err), ErrMalformed)
	}
	if _, ok := tree.(map[string]any); !ok {
		return nil, NewValidationError("", "", "yaml document is not a mapping", ErrMalformed)
	}

	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, NewValidationError("", "", fmt.Sprintf("convert yaml: %v", err), ErrMalformed)
	}
	return ParseJSON(raw)
}

// Validate выполняет полную валидацию TaskDefinition.
//
// Проверяет:
// - Наличие имени и допустимый execution_mode
// - Для one_shot: language и ровно один вариант source
// - Уникальность и типы inputs/outputs
// - Для sequential: наличие шагов, каждый шаг — валидный one_shot
// - Для stream_reactive: корректный stream_config
func Validate(def *domain.TaskDefinition) error {
	if def == nil {
		return NewValidationError("", "", "task definition is nil", ErrEmptyDefinition)
	}
	return validateDefinition("", def)
}

func validateDefinition(path string, def *domain.TaskDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return NewValidationError(path, "name", "task has empty name", ErrEmptyName)
	}

	mode := def.Mode()
	if !validModes[mode] {
		return NewValidationError(path, "execution_mode",
			fmt.Sprintf("unknown execution mode: %s", def.ExecutionMode), ErrUnknownMode)
	}

	if err := validateInputs(path, def.Inputs); err != nil {
		return err
	}
	if err := validateOutputs(path, def.Outputs); err != nil {
		return err
	}
	if err := validateRequirements(path, &def.Requirements); err != nil {
		return err
	}
	if err := validateRetry(path, def.Retry); err != nil {
		return err
	}

	switch mode {
	case domain.ModeOneShot:
		if len(def.Tasks) > 0 {
			return NewValidationError(path, "tasks", "tasks is only allowed for sequential mode", ErrUnexpectedField)
		}
		if def.StreamConfig != nil {
			return NewValidationError(path, "stream_config", "stream_config is only allowed for stream_reactive mode", ErrUnexpectedField)
		}
		return validatePayload(path, def)

	case domain.ModeSequential:
		if def.StreamConfig != nil {
			return NewValidationError(path, "stream_config", "stream_config is only allowed for stream_reactive mode", ErrUnexpectedField)
		}
		return validateChain(path, def)

	case domain.ModeStreamReactive:
		if len(def.Tasks) > 0 {
			return NewValidationError(path, "tasks", "tasks is only allowed for sequential mode", ErrUnexpectedField)
		}
		if err := validatePayload(path, def); err != nil {
			return err
		}
		return validateStream(path, def.StreamConfig)
	}

	return nil
}

// validatePayload проверяет language и source.
func validatePayload(path string, def *domain.TaskDefinition) error {
	if strings.TrimSpace(def.Language) == "" {
		return NewValidationError(path, "language", "task has no language", ErrMissingLanguage)
	}

	kinds := def.Source.Kinds()
	if len(kinds) != 1 {
		return NewValidationError(path, "source",
			fmt.Sprintf("source must have exactly one variant, got %d", len(kinds)), ErrInvalidSource)
	}

	if def.Source.Builtin != nil && def.Source.Builtin.Function == "" {
		return NewValidationError(path, "source.builtin.function", "builtin source has no function", ErrInvalidSource)
	}
	if def.Source.Docker != nil && def.Source.Docker.Image == "" {
		return NewValidationError(path, "source.docker.image", "docker source has no image", ErrInvalidSource)
	}
	if def.Source.URL != nil && def.Source.URL.URL == "" {
		return NewValidationError(path, "source.url.url", "url source is empty", ErrInvalidSource)
	}
	if def.Source.Git != nil && def.Source.Git.Repo == "" {
		return NewValidationError(path, "source.git.repo", "git source has no repo", ErrInvalidSource)
	}

	return nil
}

func validateInputs(path string, inputs []domain.InputDef) error {
	seen := make(map[string]bool, len(inputs))
	for i, in := range inputs {
		if in.Name == "" {
			return NewValidationError(path, "inputs",
				fmt.Sprintf("input %d has empty name", i), ErrInvalidInput)
		}
		if in.Name == PreviousKey || in.Name == MessageKey {
			return NewValidationError(path, "inputs",
				fmt.Sprintf("input name %q is reserved", in.Name), ErrInvalidInput)
		}
		if seen[in.Name] {
			return NewValidationError(path, "inputs",
				fmt.Sprintf("duplicate input: %s", in.Name), ErrInvalidInput)
		}
		seen[in.Name] = true

		if !validValueTypes[in.Type] {
			return NewValidationError(path, "inputs",
				fmt.Sprintf("input %s has unknown type: %s", in.Name, in.Type), ErrInvalidInput)
		}
		if in.Default != nil && !isTemplate(in.Default) && !matchesType(in.Type, in.Default) {
			return NewValidationError(path, "inputs",
				fmt.Sprintf("default of input %s is not %s", in.Name, in.Type), ErrInvalidInput)
		}
	}
	return nil
}

func validateOutputs(path string, outputs []domain.OutputDef) error {
	seen := make(map[string]bool, len(outputs))
	for i, out := range outputs {
		if out.Name == "" {
			return NewValidationError(path, "outputs",
				fmt.Sprintf("output %d has empty name", i), ErrInvalidOutput)
		}
		if seen[out.Name] {
			return NewValidationError(path, "outputs",
				fmt.Sprintf("duplicate output: %s", out.Name), ErrInvalidOutput)
		}
		seen[out.Name] = true

		if !validValueTypes[out.Type] {
			return NewValidationError(path, "outputs",
				fmt.Sprintf("output %s has unknown type: %s", out.Name, out.Type), ErrInvalidOutput)
		}
		switch out.Cache {
		case domain.CacheNone, domain.CacheEphemeral, domain.CachePersistent:
		default:
			return NewValidationError(path, "outputs",
				fmt.Sprintf("output %s has unknown cache scope: %s", out.Name, out.Cache), ErrInvalidOutput)
		}
	}
	return nil
}

func validateRequirements(path string, req *domain.Requirements) error {
	for _, c := range req.Capabilities {
		if domain.ParseCapability(c) == "" {
			return NewValidationError(path, "requirements.capabilities",
				"capability tag is empty", ErrInvalidCapability)
		}
	}
	if req.MaxRetries < 0 {
		return NewValidationError(path, "requirements.max_retries",
			"max_retries must not be negative", ErrInvalidRetry)
	}
	return nil
}

func validateRetry(path string, policy *domain.RetryPolicy) error {
	if policy == nil {
		return nil
	}
	if policy.MaxAttempts < 0 || policy.InitialDelayMs < 0 || policy.MaxDelayMs < 0 {
		return NewValidationError(path, "retry", "retry values must not be negative", ErrInvalidRetry)
	}
	switch policy.Backoff {
	case "", "fixed", "exponential":
	default:
		return NewValidationError(path, "retry.backoff",
			fmt.Sprintf("unknown backoff: %s", policy.Backoff), ErrInvalidRetry)
	}
	return nil
}

// validateChain проверяет шаги sequential-задачи.
func validateChain(path string, def *domain.TaskDefinition) error {
	if len(def.Tasks) == 0 {
		return NewValidationError(path, "tasks", "sequential task has no steps", ErrEmptyChain)
	}

	for i := range def.Tasks {
		step := &def.Tasks[i]
		stepPath := fmt.Sprintf("%stasks[%d]", prefix(path), i)

		if step.Mode() != domain.ModeOneShot {
			return NewValidationError(stepPath, "execution_mode",
				fmt.Sprintf("chain step must be one_shot, got %s", step.Mode()), ErrNestedChain)
		}
		if err := validateDefinition(stepPath, step); err != nil {
			return err
		}
	}
	return nil
}

// validateStream проверяет stream_config.
func validateStream(path string, cfg *domain.StreamConfig) error {
	if cfg == nil {
		return NewValidationError(path, "stream_config", "stream task has no stream_config", ErrMissingStreamConfig)
	}

	switch cfg.Trigger {
	case domain.TriggerOnMessage:
		if cfg.Topic == "" {
			return NewValidationError(path, "stream_config.topic", "on_message trigger requires a topic", ErrMissingTopic)
		}

	case domain.TriggerRateLimited:
		if cfg.Topic == "" {
			return NewValidationError(path, "stream_config.topic", "rate_limited trigger requires a topic", ErrMissingTopic)
		}
		if cfg.RateLimitHz <= 0 {
			return NewValidationError(path, "stream_config.rate_limit_hz", "rate_limit_hz must be positive", ErrInvalidRate)
		}

	case domain.TriggerTimeInterval:
		if cfg.IntervalMs > 0 && cfg.Cron != "" {
			return NewValidationError(path, "stream_config", "interval_ms and cron are mutually exclusive", ErrInvalidInterval)
		}
		if cfg.Cron != "" {
			if _, err := cron.ParseStandard(cfg.Cron); err != nil {
				return NewValidationError(path, "stream_config.cron",
					fmt.Sprintf("invalid cron expression: %v", err), ErrInvalidInterval)
			}
			return nil
		}
		if cfg.IntervalMs <= 0 {
			return NewValidationError(path, "stream_config.interval_ms", "interval_ms must be positive", ErrInvalidInterval)
		}

	default:
		return NewValidationError(path, "stream_config.trigger",
			fmt.Sprintf("unknown trigger: %s", cfg.Trigger), ErrUnknownTrigger)
	}
	return nil
}

func prefix(path string) string {
	if path == "" {
		return ""
	}
	return path + "."
}

// IsValidValueType проверяет, является ли тип входа/выхода допустимым.
func IsValidValueType(t string) bool {
	return validValueTypes[t]
}
