package models

// Form is the definition users fill in collaboratively. Forms and fields are
// owned by the form builder; the collaboration engine only reads them.
type Form struct {
	BaseModel
	Title       string  `gorm:"size:255;not null" json:"title"`
	Description string  `gorm:"type:text" json:"description,omitempty"`
	Fields      []Field `gorm:"foreignKey:FormID;constraint:OnDelete:CASCADE" json:"fields,omitempty"`
}

// Field is a single input of a form. Its label keys the stored response.
type Field struct {
	BaseModel
	FormID   string `gorm:"size:36;index;not null" json:"form_id"`
	Label    string `gorm:"size:255;not null" json:"label"`
	Type     string `gorm:"size:32;not null;default:'text'" json:"type"`
	Position int    `gorm:"not null;default:0" json:"position"`
}
