package models

import "gorm.io/datatypes"

// FormResponse holds the shared response for a form, keyed by field label.
// There is exactly one row per form.
type FormResponse struct {
	BaseModel
	FormID   string         `gorm:"size:36;uniqueIndex;not null" json:"form_id"`
	Response datatypes.JSON `gorm:"not null" json:"response"`
}
