package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// --- Response types (дублируются из domain, CLI не импортирует internal/) ---

// StatusResponse — статус задачи из API.
type StatusResponse struct {
	TaskID      string `json:"task_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Mode        string `json:"mode"`
	State       string `json:"state"`
	Epoch       uint64 `json:"epoch"`
	WorkerID    string `json:"worker_id,omitempty"`
	Retries     int    `json:"retries"`
	Error       string `json:"error,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	FinishedAt  string `json:"finished_at,omitempty"`
}

// ResultResponse — результат задачи из API.
type ResultResponse struct {
	TaskID          string         `json:"task_id"`
	WorkerID        string         `json:"worker_id,omitempty"`
	Epoch           uint64         `json:"epoch"`
	State           string         `json:"state"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	CompletedAt     string         `json:"completed_at,omitempty"`
}

// ChainStepResponse — шаг цепочки из API.
type ChainStepResponse struct {
	TaskID  string         `json:"task_id"`
	Index   int            `json:"index"`
	Name    string         `json:"name,omitempty"`
	State   string         `json:"state"`
	Error   string         `json:"error,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ChainResponse — вся цепочка из API.
type ChainResponse struct {
	ParentID string              `json:"parent_id"`
	State    string              `json:"state"`
	Error    string              `json:"error,omitempty"`
	Steps    []ChainStepResponse `json:"steps"`
	Total    int                 `json:"total"`
}

// StreamResponse — активная stream-задача из API.
type StreamResponse struct {
	TaskID      string `json:"task_id"`
	Name        string `json:"name"`
	Trigger     string `json:"trigger"`
	State       string `json:"state"`
	Invocations uint64 `json:"invocations"`
	Dropped     uint64 `json:"dropped"`
	StartedAt   string `json:"started_at"`
}

// WorkerResponse — воркер из API.
type WorkerResponse struct {
	WorkerID      string   `json:"worker_id"`
	Capabilities  []string `json:"capabilities"`
	State         string   `json:"state,omitempty"`
	ActiveTasks   int      `json:"active_tasks"`
	LastHeartbeat string   `json:"last_heartbeat"`
}

// SubmitResponse — ответ на submit без ожидания.
type SubmitResponse struct {
	TaskID  string `json:"task_id"`
	State   string `json:"state,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// --- Request types ---

// SubmitRequest — отправка задачи. Definition — документ JSON или YAML.
type SubmitRequest struct {
	Definition string         `json:"definition"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Meshwork API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Tasks ---

// Submit отправляет задачу и сразу возвращает её TaskID.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	err := c.post("/api/v1/tasks", req, &resp)
	return &resp, err
}

// SubmitAndWait отправляет задачу и ждёт результата не дольше wait.
func (c *Client) SubmitAndWait(req SubmitRequest, wait time.Duration) (*ResultResponse, error) {
	waiting := &Client{
		baseURL:    c.baseURL,
		httpClient: &http.Client{Timeout: wait + c.httpClient.Timeout},
	}

	var res ResultResponse
	err := waiting.post("/api/v1/tasks?wait=true", req, &res)
	return &res, err
}

// Status возвращает статус задачи.
func (c *Client) Status(id string) (*StatusResponse, error) {
	var st StatusResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(id), &st)
	return &st, err
}

// Result возвращает результат завершённой задачи.
func (c *Client) Result(id string) (*ResultResponse, error) {
	var res ResultResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(id)+"/result", &res)
	return &res, err
}

// Chain возвращает всю цепочку.
func (c *Client) Chain(id string) (*ChainResponse, error) {
	var view ChainResponse
	err := c.get("/api/v1/tasks/"+url.PathEscape(id)+"/chain", &view)
	return &view, err
}

// Cancel отменяет задачу.
func (c *Client) Cancel(id, reason string) (*StatusResponse, error) {
	var st StatusResponse
	err := c.post("/api/v1/tasks/"+url.PathEscape(id)+"/cancel", cancelRequest{Reason: reason}, &st)
	return &st, err
}

// --- Streams & workers ---

// Streams возвращает активные stream-задачи.
func (c *Client) Streams() ([]StreamResponse, error) {
	var streams []StreamResponse
	err := c.list("/api/v1/streams", nil, &streams)
	return streams, err
}

// Workers возвращает живых воркеров.
func (c *Client) Workers() ([]WorkerResponse, error) {
	var workers []WorkerResponse
	err := c.list("/api/v1/workers", nil, &workers)
	return workers, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
