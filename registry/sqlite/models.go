package sqlite

import "time"

type credentialRecord struct {
	ID             string `gorm:"primaryKey"`
	Scope          string `gorm:"not null"`
	TenantID       string `gorm:"index"`
	Active         bool   `gorm:"not null"`
	DisplayName    string
	APIKey         string // fernet token
	AllowedTenants string // comma separated
	DisabledReason string
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (credentialRecord) TableName() string { return "credentials" }

type instanceRecord struct {
	CredentialID    string `gorm:"primaryKey"`
	Model           string `gorm:"primaryKey"`
	Family          string `gorm:"index"`
	Priority        int    `gorm:"not null;default:0"`
	Enabled         bool   `gorm:"not null"`
	RPM             int64  `gorm:"column:rpm;not null;default:0"`
	RPH             int64  `gorm:"column:rph;not null;default:0"`
	RPD             int64  `gorm:"column:rpd;not null;default:0"`
	Total           int64  `gorm:"not null;default:0"`
	TotalResetEvery time.Duration
	Unit            string
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (instanceRecord) TableName() string { return "instances" }

type tenantRecord struct {
	ID              string `gorm:"primaryKey"`
	Family          string
	BatchingEnabled *bool
	BatchWait       time.Duration
	MaxBatchSize    int
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

func (tenantRecord) TableName() string { return "tenants" }

type setting struct {
	Name  string `gorm:"primaryKey"`
	Value string `gorm:"not null"`
}

func (setting) TableName() string { return "settings" }
