package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions
const (
	AuditActionStore       = "STORE"
	AuditActionMerge       = "MERGE_PATIENT"
	AuditActionRecalculate = "RECALCULATE"
	AuditActionRegister    = "REGISTER_FILE"
	AuditActionGrant       = "GRANT_PERMISSION"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Subject      string         `gorm:"type:varchar(255);index" json:"subject"`
	Action       string         `gorm:"type:varchar(100);not null;index" json:"action"`
	ResourceType string         `gorm:"type:varchar(50);index" json:"resource_type"`
	ResourceUID  string         `gorm:"type:varchar(255);index" json:"resource_uid"`
	SourceAET    string         `gorm:"type:varchar(16)" json:"source_aet,omitempty"`
	Status       string         `gorm:"type:varchar(20);index" json:"status"` // success, failure
	ErrorMessage string         `gorm:"type:text" json:"error_message,omitempty"`
	Details      datatypes.JSON `gorm:"type:jsonb" json:"details,omitempty"`
	Duration     int64          `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time      `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
