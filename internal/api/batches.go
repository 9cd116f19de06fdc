package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"transfer-orchestrator/backend/internal/admission"
	"transfer-orchestrator/backend/internal/dispatch"
	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/internal/sms"
	"transfer-orchestrator/backend/pkg/models"
)

// maxBatchBody caps the bulk request body.
const maxBatchBody = 16 << 20

// recordCheck validates one element of a bulk body before admission.
type recordCheck func(json.RawMessage) error

// BatchAccepted acknowledges a batch handed to the background dispatcher.
type BatchAccepted struct {
	TotalRecords int    `json:"total_records"`
	Status       string `json:"status"`
	BatchID      string `json:"batch_id"`
}

// BatchView is the state of a batch, live or finished.
type BatchView struct {
	ID        string               `json:"id"`
	Kind      models.BatchKind     `json:"kind"`
	Status    dispatch.Status      `json:"status"`
	Total     int                  `json:"total"`
	Processed int                  `json:"processed"`
	Succeeded *int                 `json:"succeeded,omitempty"`
	Failures  []models.ItemFailure `json:"failures,omitempty"`
}

// SubmitSMSBatch queues a bulk SMS send for the operator.
// (POST /api/v1/sms/bulk)
func (s *Server) SubmitSMSBatch(c echo.Context) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	return s.submit(c, s.sms, owner, owner, models.BatchKindSMS, sms.ValidateItem)
}

// SubmitImportBatch queues a bulk record import for the operator.
// (POST /api/v1/imports/bulk)
func (s *Server) SubmitImportBatch(c echo.Context) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	return s.submit(c, s.imports, owner, owner, models.BatchKindImport, objectRecord)
}

// submit admits the batch against gate, keyed by rateKey, and hands it to the
// dispatcher. The admission slot is held until the batch finishes.
func (s *Server) submit(c echo.Context, gate *admission.Controller, owner, rateKey string, kind models.BatchKind, check recordCheck) error {
	ctx := c.Request().Context()

	records, err := decodeRecords(c.Request().Body, check)
	if err != nil {
		return err
	}

	release, err := gate.Admit(ctx, rateKey, len(records))
	if err != nil {
		return err
	}
	h, err := s.dispatcher.Submit(ctx, dispatch.Batch{
		OwnerID: owner,
		Kind:    kind,
		Items:   records,
		OnDone:  release,
	})
	if err != nil {
		release()
		return err
	}

	s.logger.Info("batch accepted", "batch_id", h.ID, "owner_id", owner, "kind", kind, "total", h.Total)
	return c.JSON(http.StatusAccepted, BatchAccepted{
		TotalRecords: h.Total,
		Status:       "processing",
		BatchID:      h.ID,
	})
}

// decodeRecords reads a bulk body, a top-level JSON array, and rejects the
// whole batch if any element fails check.
func decodeRecords(body io.Reader, check recordCheck) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(body, maxBatchBody)).Decode(&records); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "request body must be a JSON array of records: "+err.Error())
	}
	if len(records) == 0 {
		return nil, dispatch.ErrEmptyBatch
	}
	for i, r := range records {
		if err := check(r); err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("record %d: %v", i, err))
		}
	}
	return records, nil
}

func objectRecord(raw json.RawMessage) error {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("record must be a JSON object")
	}
	return nil
}

// GetBatch returns a running batch, or the operator's last finished batch if
// its id matches.
// (GET /api/v1/batches/{id})
func (s *Server) GetBatch(c echo.Context, id string) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}

	if h, ok := s.dispatcher.Get(id); ok && h.Owner == owner {
		return c.JSON(http.StatusOK, BatchView{
			ID:        h.ID,
			Kind:      h.Kind,
			Status:    h.Status(),
			Total:     h.Total,
			Processed: h.Processed(),
		})
	}

	rec, err := s.lastBatch(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	if rec.ID != id {
		return dispatch.ErrNotFound
	}
	status := dispatch.StatusCompleted
	for _, f := range rec.Failures {
		if f.Reason == "canceled" {
			status = dispatch.StatusCanceled
			break
		}
	}
	return c.JSON(http.StatusOK, BatchView{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Status:    status,
		Total:     rec.Total,
		Processed: rec.Total,
		Succeeded: &rec.Succeeded,
		Failures:  rec.Failures,
	})
}

// GetBatchFailures returns the operator's last finished batch record.
// (GET /api/v1/batches/failures)
func (s *Server) GetBatchFailures(c echo.Context) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	rec, err := s.lastBatch(c.Request().Context(), owner)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// DeleteBatchFailures clears the operator's last batch record.
// (DELETE /api/v1/batches/failures)
func (s *Server) DeleteBatchFailures(c echo.Context) error {
	owner, err := operatorID(c)
	if err != nil {
		return err
	}
	if err := s.batches.DeleteBatchRecord(c.Request().Context(), owner); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) lastBatch(ctx context.Context, owner string) (*models.BatchRecord, error) {
	rec, err := s.batches.GetBatchRecord(ctx, owner)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, dispatch.ErrNotFound
	}
	return rec, err
}
