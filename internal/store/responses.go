package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/formsync/formsync/internal/models"
)

// ResponseStore is the durable store behind the collaboration engine. It
// reads and upserts a form's single response row and resolves field labels.
type ResponseStore struct {
	db *gorm.DB
}

// NewResponseStore constructs a gorm-backed ResponseStore.
func NewResponseStore(db *gorm.DB) (*ResponseStore, error) {
	if db == nil {
		return nil, errors.New("response store: db is required")
	}
	return &ResponseStore{db: db}, nil
}

// GetResponse returns the stored mapping for a form. ok is false when the form
// has never been saved.
func (s *ResponseStore) GetResponse(ctx context.Context, formID string) (map[string]any, bool, error) {
	var row models.FormResponse
	err := s.db.WithContext(ctx).Take(&row, "form_id = ?", formID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get response %s: %w", formID, err)
	}

	response := make(map[string]any)
	if len(row.Response) > 0 {
		if err := json.Unmarshal(row.Response, &response); err != nil {
			return nil, false, fmt.Errorf("decode response %s: %w", formID, err)
		}
	}
	return response, true, nil
}

// PutResponse replaces the stored mapping for a form, creating the row on the
// first save. The full mapping is written so repeated calls are idempotent.
func (s *ResponseStore) PutResponse(ctx context.Context, formID string, response map[string]any) error {
	if strings.TrimSpace(formID) == "" {
		return errors.New("put response: form id is required")
	}
	if response == nil {
		response = map[string]any{}
	}

	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response %s: %w", formID, err)
	}

	row := models.FormResponse{
		FormID:   formID,
		Response: datatypes.JSON(payload),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "form_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"response", "updated_at"}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("put response %s: %w", formID, err)
	}
	return nil
}

// GetFieldLabel resolves a field id to its label.
func (s *ResponseStore) GetFieldLabel(ctx context.Context, fieldID string) (string, bool, error) {
	var field models.Field
	err := s.db.WithContext(ctx).Select("id", "label").Take(&field, "id = ?", fieldID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get field %s: %w", fieldID, err)
	}
	return field.Label, true, nil
}
