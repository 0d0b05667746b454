package db

import "time"

type SignReceiptModel struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	JobID          string `gorm:"index;not null"`
	Worker         string `gorm:"index;not null"`
	Path           string `gorm:"index:idx_sign_receipts_path_created,priority:1;not null"`
	SignatureType  string `gorm:"not null"`
	Outcome        string `gorm:"not null"`
	Stage          string
	Error          string
	SignatureCount int `gorm:"not null"`
	PolicyHash     string
	CreatedAt      time.Time `gorm:"index:idx_sign_receipts_path_created,priority:2;not null"`
}

func (SignReceiptModel) TableName() string {
	return "sign_receipts"
}
