package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shaiso/Meshwork/internal/domain"
	"github.com/shaiso/Meshwork/internal/engine"
)

// maxBodySize — предел тела запроса submit.
const maxBodySize = 1 << 20

// defaultCancelReason — причина отмены, если клиент её не указал.
const defaultCancelReason = "cancelled by user"

// SubmitTask отправляет задачу в mesh.
// POST /api/v1/tasks
//
// Тело — SubmitRequest (application/json) или сам документ определения
// (application/yaml). Параметр ?wait=true включает ожидание результата.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	var req SubmitRequest
	if isYAML(r.Header.Get("Content-Type")) {
		req.Definition, _ = json.Marshal(string(body))
	} else if err := json.Unmarshal(body, &req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if wait, err := strconv.ParseBool(r.URL.Query().Get("wait")); err == nil && wait {
		req.Wait = true
	}

	def, err := decodeDefinition(req.Definition)
	if err != nil {
		if errors.Is(err, errNoDefinition) {
			BadRequest(w, err.Error())
			return
		}
		HandleServiceError(w, h.logger, err)
		return
	}

	if req.Wait {
		ctx, cancel := context.WithTimeout(r.Context(), h.waitTimeout)
		defer cancel()

		res, err := h.service.SubmitAndWait(ctx, def, req.Inputs)
		if HandleServiceError(w, h.logger, err) {
			return
		}
		Success(w, res)
		return
	}

	id, err := h.service.Submit(r.Context(), def, req.Inputs)
	if id == "" {
		HandleServiceError(w, h.logger, err)
		return
	}

	resp := SubmitResponse{TaskID: id}
	if err != nil {
		resp.Warning = err.Error()
	}
	if st, err := h.service.Status(r.Context(), id); err == nil {
		resp.State = st.State
	}
	Accepted(w, resp)
}

// GetTask возвращает статус задачи.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Status(r.Context(), taskID(r))
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, st)
}

// GetResult возвращает результат завершённой задачи.
// GET /api/v1/tasks/{id}/result[?chain=true]
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	if chain, err := strconv.ParseBool(r.URL.Query().Get("chain")); err == nil && chain {
		h.GetChain(w, r)
		return
	}

	res, err := h.service.Results(r.Context(), taskID(r))
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, res)
}

// GetChain возвращает всю цепочку: статус родителя и шаги по порядку.
// GET /api/v1/tasks/{id}/chain
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.ChainResults(r.Context(), taskID(r))
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, view)
}

// CancelTask отменяет задачу.
// POST /api/v1/tasks/{id}/cancel
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = defaultCancelReason
	}

	st, err := h.service.Cancel(r.Context(), taskID(r), req.Reason)
	if HandleServiceError(w, h.logger, err) {
		return
	}
	Success(w, st)
}

// ListStreams возвращает активные stream-задачи.
// GET /api/v1/streams
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.service.ListActiveStreams(r.Context())
	if HandleServiceError(w, h.logger, err) {
		return
	}
	if streams == nil {
		streams = []domain.StreamInfo{}
	}
	List(w, streams, len(streams))
}

// ListWorkers возвращает живых воркеров из registry.
// GET /api/v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.service.Workers()
	List(w, workers, len(workers))
}

var errNoDefinition = errors.New("definition is required")

// decodeDefinition разбирает и валидирует определение задачи.
func decodeDefinition(raw json.RawMessage) (*domain.TaskDefinition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errNoDefinition
	}
	if raw[0] == '"' {
		var doc string
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, errNoDefinition
		}
		return engine.Parse([]byte(doc))
	}
	return engine.Parse(raw)
}

func taskID(r *http.Request) domain.TaskID {
	return domain.TaskID(chi.URLParam(r, "id"))
}

func isYAML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}
