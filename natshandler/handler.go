package natshandler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codexxengine/model"
	appErr "codexxengine/pkg/errors"
	"codexxengine/service"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handler answers execution requests arriving over NATS request/reply
// with the same bodies the HTTP API returns.
type Handler struct {
	svc      *service.ExecutionService
	logger   *zap.Logger
	inflight sync.WaitGroup
}

func New(svc *service.ExecutionService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Subscribe registers the handler on subject within a queue group, so
// several engine instances share the load.
func (h *Handler) Subscribe(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, "codexx-engine", h.dispatch)
}

func (h *Handler) dispatch(msg *nats.Msg) {
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		h.HandleExecutionRequest(msg)
	}()
}

// Subscription is the part of *nats.Subscription that Shutdown drives.
type Subscription interface {
	Drain() error
	IsValid() bool
}

// Shutdown drains sub and returns once every message it had already
// buffered has been delivered and answered, or ctx is done. The
// connection must stay open until then so replies can be published.
func (h *Handler) Shutdown(ctx context.Context, sub Subscription) error {
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for sub.IsValid() {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return fmt.Errorf("drain subscription: %w", ctx.Err())
		}
	}
	return h.Wait(ctx)
}

// Wait blocks until every request already received has been answered or
// ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) HandleExecutionRequest(msg *nats.Msg) {
	resData := h.Process(context.Background(), msg.Data)
	if msg.Reply == "" {
		h.logger.Warn("Execution request without reply subject", zap.String("subject", msg.Subject))
		return
	}
	if err := msg.Respond(resData); err != nil {
		h.logger.Error("Failed to publish execution response", zap.Error(err))
	}
}

// Process decodes one request and returns the encoded reply.
func (h *Handler) Process(ctx context.Context, data []byte) []byte {
	var (
		req  model.ExecutionRequest
		body any
	)
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn("Failed to parse execution request", zap.Error(err))
		_, body = h.svc.Failure(appErr.BadRequest("Invalid request format: " + err.Error()))
	} else {
		_, body = h.svc.Execute(ctx, req)
	}

	resData, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("Failed to encode execution response", zap.Error(err))
		resData, _ = json.Marshal(model.ErrorResponse{Error: appErr.InternalServerError.Message(), Code: int(appErr.InternalServerError)})
	}
	return resData
}
