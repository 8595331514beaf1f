package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/remittance/internal/eventlog"
	remittancedomain "github.com/smallbiznis/remittance/internal/remittance/domain"
	usagedomain "github.com/smallbiznis/remittance/internal/usage/domain"
	"go.uber.org/zap"
)

// StatusMessage is the provider's verdict as published on the status topic.
type StatusMessage struct {
	RemittanceUUIDs []string           `json:"remittanceUuids"`
	Status          usagedomain.Status `json:"status"`
	ErrorCode       string             `json:"errorCode,omitempty"`
	BilledOn        *time.Time         `json:"billedOn,omitempty"`
}

func (m StatusMessage) toUpdate() (remittancedomain.StatusUpdate, error) {
	update := remittancedomain.StatusUpdate{
		Status:    m.Status,
		ErrorCode: remittancedomain.ErrorCode(m.ErrorCode),
	}
	if m.BilledOn != nil {
		update.BilledOn = m.BilledOn.UTC()
	}
	for _, raw := range m.RemittanceUUIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return remittancedomain.StatusUpdate{}, fmt.Errorf("%w: remittance uuid %q", remittancedomain.ErrInvalidStatusUpdate, raw)
		}
		update.RemittanceUUIDs = append(update.RemittanceUUIDs, id)
	}
	return update, nil
}

// StatusHandler applies provider verdicts to the ledger.
type StatusHandler struct {
	ledger remittancedomain.Service
	dlq    deadLetter
	log    *zap.Logger
}

func NewStatusHandler(ledger remittancedomain.Service, dlq deadLetter, log *zap.Logger) *StatusHandler {
	return &StatusHandler{ledger: ledger, dlq: dlq, log: log.Named("billing.status")}
}

func (h *StatusHandler) Handle(ctx context.Context, msg eventlog.Message) error {
	var status StatusMessage
	if err := json.Unmarshal(msg.Value, &status); err != nil {
		return h.reject(ctx, msg, fmt.Errorf("unmarshal status message: %w", err))
	}
	update, err := status.toUpdate()
	if err != nil {
		return h.reject(ctx, msg, err)
	}

	applied, err := h.ledger.ApplyStatus(ctx, update)
	if err != nil {
		if isValidation(err) {
			return h.reject(ctx, msg, err)
		}
		return fmt.Errorf("apply remittance status: %w", err)
	}
	h.log.Info("remittance status applied",
		zap.String("status", string(update.Status)),
		zap.String("error_code", string(update.ErrorCode)),
		zap.Int("requested", len(update.RemittanceUUIDs)),
		zap.Int("applied", applied),
	)
	return nil
}

func (h *StatusHandler) reject(ctx context.Context, msg eventlog.Message, cause error) error {
	h.log.Warn("status message rejected",
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause),
	)
	if err := h.dlq.Send(ctx, msg, cause); err != nil {
		return fmt.Errorf("dead-letter status message: %w", err)
	}
	return nil
}

func isValidation(err error) bool {
	return errors.Is(err, remittancedomain.ErrInvalidStatusUpdate) ||
		errors.Is(err, remittancedomain.ErrInvalidErrorCode) ||
		errors.Is(err, usagedomain.ErrInvalidStatus)
}
