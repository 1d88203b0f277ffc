package supplements

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ReviewMode string

const (
	ReviewNone         ReviewMode = ""
	ReviewAcceptance   ReviewMode = "acceptance"
	ReviewVerification ReviewMode = "verification"
)

// ActionConfig is the resolved configuration of one action on one question.
// The behavioral flags come from the action variant; Params are per asset.
type ActionConfig struct {
	AssetUID      string          `json:"asset_uid"`
	QuestionXPath string          `json:"question_xpath"`
	ActionID      string          `json:"action_id"`
	AllowMultiple bool            `json:"allow_multiple"`
	KeyingField   string          `json:"keying_field,omitempty"`
	Automatic     bool            `json:"automatic"`
	ReviewMode    ReviewMode      `json:"review_mode,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// AssetActionConfig is the stored row; one per (asset, question, action).
type AssetActionConfig struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	AssetUID      string         `gorm:"column:asset_uid;not null;uniqueIndex:idx_action_config_asset_question_action,priority:1" json:"asset_uid"`
	QuestionXPath string         `gorm:"column:question_xpath;not null;uniqueIndex:idx_action_config_asset_question_action,priority:2" json:"question_xpath"`
	ActionID      string         `gorm:"column:action_id;not null;uniqueIndex:idx_action_config_asset_question_action,priority:3" json:"action_id"`
	Params        datatypes.JSON `gorm:"column:params;type:jsonb" json:"params"`
	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (AssetActionConfig) TableName() string { return "asset_action_config" }

func (r *AssetActionConfig) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
