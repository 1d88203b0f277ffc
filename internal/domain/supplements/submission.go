package supplements

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Attachment struct {
	QuestionXPath string `json:"question_xpath"`
	MimeType      string `json:"mime_type,omitempty"`
	StorageURI    string `json:"storage_uri"`
	Filename      string `json:"filename,omitempty"`
}

func (a Attachment) IsVideo() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.MimeType)), "video/")
}

// Submission is the read model of a survey submission owned by the form platform.
type Submission struct {
	UUID        string       `json:"uuid"`
	RootUUID    string       `json:"root_uuid"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (s Submission) AttachmentFor(xpath string) *Attachment {
	for i := range s.Attachments {
		if s.Attachments[i].QuestionXPath == xpath {
			return &s.Attachments[i]
		}
	}
	return nil
}

// SubmissionSnapshot mirrors the platform submission locally, keyed by root uuid.
type SubmissionSnapshot struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AssetUID       string         `gorm:"column:asset_uid;not null;uniqueIndex:idx_submission_snapshot_asset_root,priority:1" json:"asset_uid"`
	RootUUID       string         `gorm:"column:root_uuid;not null;uniqueIndex:idx_submission_snapshot_asset_root,priority:2" json:"root_uuid"`
	SubmissionUUID string         `gorm:"column:submission_uuid;not null" json:"submission_uuid"`
	Attachments    datatypes.JSON `gorm:"column:attachments;type:jsonb" json:"attachments"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (SubmissionSnapshot) TableName() string { return "submission_snapshot" }

func (r *SubmissionSnapshot) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

func (r *SubmissionSnapshot) Submission() Submission {
	out := Submission{UUID: r.SubmissionUUID, RootUUID: r.RootUUID}
	if len(r.Attachments) > 0 {
		_ = json.Unmarshal(r.Attachments, &out.Attachments)
	}
	return out
}
