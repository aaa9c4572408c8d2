package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Meshwork/internal/domain"
)

// Service — точки входа mesh, которые обслуживает API.
// Реализуется *orchestrator.Orchestrator.
type Service interface {
	Submit(ctx context.Context, def *domain.TaskDefinition, inputs map[string]any) (domain.TaskID, error)
	SubmitAndWait(ctx context.Context, def *domain.TaskDefinition, inputs map[string]any) (*domain.TaskResult, error)
	Status(ctx context.Context, id domain.TaskID) (*domain.TaskStatus, error)
	Results(ctx context.Context, id domain.TaskID) (*domain.TaskResult, error)
	ChainResults(ctx context.Context, id domain.TaskID) (*domain.ChainView, error)
	Cancel(ctx context.Context, id domain.TaskID, reason string) (*domain.TaskStatus, error)
	ListActiveStreams(ctx context.Context) ([]domain.StreamInfo, error)
	Workers() []domain.WorkerInfo
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	service     Service
	waitTimeout time.Duration
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Service Service

	// WaitTimeout — предел ожидания для submit с wait (default: 5m).
	WaitTimeout time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		service:     cfg.Service,
		waitTimeout: cfg.WaitTimeout,
		logger:      cfg.Logger,
	}
}
