package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"transfer-orchestrator/backend/internal/repository"
	"transfer-orchestrator/backend/pkg/models"
)

// ImportItem is one record of a bulk import.
type ImportItem struct {
	ExternalRef string          `json:"external_ref"`
	Reference   string          `json:"reference,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ImportHandler writes import items to a record sink.
type ImportHandler struct {
	sink repository.RecordSink
}

// NewImportHandler returns an ItemHandler for models.BatchKindImport.
func NewImportHandler(sink repository.RecordSink) *ImportHandler {
	return &ImportHandler{sink: sink}
}

func (h *ImportHandler) Handle(ctx context.Context, ownerID string, raw json.RawMessage) error {
	var item ImportItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Permanentf("malformed item: %v", err)
	}
	item.ExternalRef = strings.TrimSpace(item.ExternalRef)
	if item.ExternalRef == "" {
		return Permanentf("external_ref is required")
	}

	err := h.sink.ImportRecord(ctx, &models.ImportedRecord{
		OwnerID:     ownerID,
		ExternalRef: item.ExternalRef,
		Reference:   strings.TrimSpace(item.Reference),
		Data:        item.Data,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrDuplicate):
		return Permanentf("duplicate record %q", item.ExternalRef)
	case errors.Is(err, repository.ErrNotFound):
		return Permanentf("unresolvable reference %q", item.Reference)
	default:
		return err
	}
}
