package models

import "time"

// ValuationRun is the audit record of one valuation request. Cached runs
// were answered from the result cache without invoking the engine.
type ValuationRun struct {
	ID              string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	SnapshotVersion int64     `gorm:"index" json:"snapshot_version"`
	Location        string    `gorm:"type:varchar(128);index" json:"location"`
	PropertyType    string    `gorm:"type:varchar(64)" json:"property_type"`
	Input           string    `gorm:"type:text;not null" json:"input"`
	Result          string    `gorm:"type:text" json:"result,omitempty"`
	ErrorKind       string    `gorm:"type:varchar(32)" json:"error_kind,omitempty"`
	ErrorMessage    string    `gorm:"type:text" json:"error_message,omitempty"`
	MarketValue     float64   `json:"market_value"`
	ConfidenceLevel float64   `json:"confidence_level"`
	Cached          bool      `gorm:"not null;default:false" json:"cached"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
}

func (ValuationRun) TableName() string {
	return "valuation_runs"
}
