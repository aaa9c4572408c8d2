package api

import (
	"encoding/json"

	"github.com/shaiso/Meshwork/internal/domain"
)

// SubmitRequest — запрос на отправку задачи.
//
// Definition — объект TaskDefinition либо строка с документом JSON/YAML.
type SubmitRequest struct {
	Definition json.RawMessage `json:"definition"`
	Inputs     map[string]any  `json:"inputs,omitempty"`

	// Wait — ждать финального результата (submit-and-wait).
	Wait bool `json:"wait,omitempty"`
}

// SubmitResponse — ответ на submit без ожидания.
type SubmitResponse struct {
	TaskID domain.TaskID `json:"task_id"`
	State  domain.State  `json:"state,omitempty"`

	// Warning — задача принята, но сейчас нет воркера с нужными возможностями.
	Warning string `json:"warning,omitempty"`
}

// CancelRequest — запрос на отмену задачи.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}
