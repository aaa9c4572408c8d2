package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/Meshwork/internal/domain"
)

func builtinDef(name, fn string) domain.TaskDefinition {
	return domain.TaskDefinition{
		Name:     name,
		Language: "builtin",
		Source:   domain.TaskSource{Builtin: &domain.BuiltinRef{Function: fn}},
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{
		"name": "factorial",
		"language": "builtin",
		"source": {"builtin": {"function": "factorial"}},
		"inputs": [{"name": "number", "type": "integer", "required": true}],
		"outputs": [{"name": "result", "type": "integer", "cache": "ephemeral"}],
		"requirements": {"timeout_seconds": 30, "capabilities": ["builtin"]}
	}`

	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Name != "factorial" {
		t.Errorf("expected name factorial, got %s", def.Name)
	}
	if def.Mode() != domain.ModeOneShot {
		t.Errorf("expected one_shot mode, got %s", def.Mode())
	}
	if def.Timeout().Seconds() != 30 {
		t.Errorf("expected 30s timeout, got %v", def.Timeout())
	}
	if def.Outputs[0].Cache != domain.CacheEphemeral {
		t.Errorf("expected ephemeral cache, got %s", def.Outputs[0].Cache)
	}
}

func TestParse_YAML(t *testing.T) {
	doc := `
name: pipeline
execution_mode: sequential
tasks:
  - name: fetch
    language: http
    source:
      url:
        url: https://example.com/data
  - name: count
    language: builtin
    source:
      builtin:
        function: echo
    inputs:
      - name: size
        type: number
        default: "{{ .previous.size }}"
`

	def, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.Mode() != domain.ModeSequential {
		t.Errorf("expected sequential mode, got %s", def.Mode())
	}
	if len(def.Tasks) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Tasks))
	}
	if def.Tasks[0].Source.URL == nil || def.Tasks[0].Source.URL.URL != "https://example.com/data" {
		t.Errorf("expected url source on first step")
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{name: "empty", doc: "   ", want: ErrEmptyDefinition},
		{name: "broken json", doc: `{"name": `, want: ErrMalformed},
		{name: "unknown field", doc: `{"name": "x", "bogus": 1}`, want: ErrMalformed},
		{name: "yaml scalar", doc: `just a string`, want: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsValidationError(err) {
				t.Errorf("expected ValidationError, got %T", err)
			}
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *domain.TaskDefinition)
		want   error
	}{
		{
			name:   "empty name",
			mutate: func(d *domain.TaskDefinition) { d.Name = " " },
			want:   ErrEmptyName,
		},
		{
			name:   "unknown mode",
			mutate: func(d *domain.TaskDefinition) { d.ExecutionMode = "batch" },
			want:   ErrUnknownMode,
		},
		{
			name:   "missing language",
			mutate: func(d *domain.TaskDefinition) { d.Language = "" },
			want:   ErrMissingLanguage,
		},
		{
			name:   "no source",
			mutate: func(d *domain.TaskDefinition) { d.Source = domain.TaskSource{} },
			want:   ErrInvalidSource,
		},
		{
			name: "two sources",
			mutate: func(d *domain.TaskDefinition) {
				d.Source.Inline = &domain.InlineSource{Code: "print(1)"}
			},
			want: ErrInvalidSource,
		},
		{
			name: "duplicate input",
			mutate: func(d *domain.TaskDefinition) {
				d.Inputs = []domain.InputDef{{Name: "a"}, {Name: "a"}}
			},
			want: ErrInvalidInput,
		},
		{
			name: "reserved input previous",
			mutate: func(d *domain.TaskDefinition) {
				d.Inputs = []domain.InputDef{{Name: PreviousKey}}
			},
			want: ErrInvalidInput,
		},
		{
			name: "reserved input message",
			mutate: func(d *domain.TaskDefinition) {
				d.Inputs = []domain.InputDef{{Name: MessageKey}}
			},
			want: ErrInvalidInput,
		},
		{
			name: "default of wrong type",
			mutate: func(d *domain.TaskDefinition) {
				d.Inputs = []domain.InputDef{{Name: "n", Type: "integer", Default: "five"}}
			},
			want: ErrInvalidInput,
		},
		{
			name: "unknown cache scope",
			mutate: func(d *domain.TaskDefinition) {
				d.Outputs = []domain.OutputDef{{Name: "r", Cache: "forever"}}
			},
			want: ErrInvalidOutput,
		},
		{
			name: "empty capability",
			mutate: func(d *domain.TaskDefinition) {
				d.Requirements.Capabilities = []string{""}
			},
			want: ErrInvalidCapability,
		},
		{
			name: "unknown backoff",
			mutate: func(d *domain.TaskDefinition) {
				d.Retry = &domain.RetryPolicy{MaxAttempts: 3, Backoff: "random"}
			},
			want: ErrInvalidRetry,
		},
		{
			name: "tasks on one_shot",
			mutate: func(d *domain.TaskDefinition) {
				d.Tasks = []domain.TaskDefinition{builtinDef("x", "echo")}
			},
			want: ErrUnexpectedField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := builtinDef("task", "factorial")
			tt.mutate(&def)

			err := Validate(&def)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %T", err)
			}
			if !errors.Is(vErr.Err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, vErr.Err)
			}
		})
	}
}

func TestValidate_Chain(t *testing.T) {
	t.Run("empty chain", func(t *testing.T) {
		def := domain.TaskDefinition{Name: "chain", ExecutionMode: domain.ModeSequential}
		if err := Validate(&def); !errors.Is(err, ErrEmptyChain) {
			t.Errorf("expected ErrEmptyChain, got %v", err)
		}
	})

	t.Run("nested chain", func(t *testing.T) {
		inner := builtinDef("inner", "echo")
		inner.ExecutionMode = domain.ModeSequential
		def := domain.TaskDefinition{
			Name:          "chain",
			ExecutionMode: domain.ModeSequential,
			Tasks:         []domain.TaskDefinition{builtinDef("a", "echo"), inner},
		}
		err := Validate(&def)
		if !errors.Is(err, ErrNestedChain) {
			t.Fatalf("expected ErrNestedChain, got %v", err)
		}
		var vErr *ValidationError
		if errors.As(err, &vErr) && vErr.Path != "tasks[1]" {
			t.Errorf("expected path tasks[1], got %q", vErr.Path)
		}
	})

	t.Run("invalid step", func(t *testing.T) {
		bad := builtinDef("b", "echo")
		bad.Language = ""
		def := domain.TaskDefinition{
			Name:          "chain",
			ExecutionMode: domain.ModeSequential,
			Tasks:         []domain.TaskDefinition{builtinDef("a", "echo"), bad},
		}
		if err := Validate(&def); !errors.Is(err, ErrMissingLanguage) {
			t.Errorf("expected ErrMissingLanguage, got %v", err)
		}
	})

	t.Run("valid chain", func(t *testing.T) {
		def := domain.TaskDefinition{
			Name:          "chain",
			ExecutionMode: domain.ModeSequential,
			Tasks:         []domain.TaskDefinition{builtinDef("a", "echo"), builtinDef("b", "echo")},
		}
		if err := Validate(&def); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

func TestValidate_Stream(t *testing.T) {
	tests := []struct {
		name string
		cfg  *domain.StreamConfig
		want error
	}{
		{name: "missing config", cfg: nil, want: ErrMissingStreamConfig},
		{name: "unknown trigger", cfg: &domain.StreamConfig{Trigger: "webhook"}, want: ErrUnknownTrigger},
		{name: "on_message without topic", cfg: &domain.StreamConfig{Trigger: domain.TriggerOnMessage}, want: ErrMissingTopic},
		{name: "rate_limited without rate", cfg: &domain.StreamConfig{Trigger: domain.TriggerRateLimited, Topic: "in"}, want: ErrInvalidRate},
		{name: "interval zero", cfg: &domain.StreamConfig{Trigger: domain.TriggerTimeInterval}, want: ErrInvalidInterval},
		{name: "bad cron", cfg: &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, Cron: "every minute"}, want: ErrInvalidInterval},
		{name: "interval and cron", cfg: &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, IntervalMs: 10, Cron: "* * * * *"}, want: ErrInvalidInterval},
		{name: "valid on_message", cfg: &domain.StreamConfig{Trigger: domain.TriggerOnMessage, Topic: "in"}},
		{name: "valid rate_limited", cfg: &domain.StreamConfig{Trigger: domain.TriggerRateLimited, Topic: "in", RateLimitHz: 10}},
		{name: "valid interval", cfg: &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, IntervalMs: 1000}},
		{name: "valid cron", cfg: &domain.StreamConfig{Trigger: domain.TriggerTimeInterval, Cron: "*/5 * * * *"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := builtinDef("stream", "echo")
			def.ExecutionMode = domain.ModeStreamReactive
			def.StreamConfig = tt.cfg

			err := Validate(&def)
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIsValidValueType(t *testing.T) {
	for _, typ := range []string{"string", "number", "integer", "boolean", "object", "array", "any", ""} {
		if !IsValidValueType(typ) {
			t.Errorf("expected %q to be valid", typ)
		}
	}
	if IsValidValueType("float") {
		t.Error("expected float to be invalid")
	}
}
