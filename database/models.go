package database

import (
	"time"
)

const (
	StatusPending    = "pending"
	StatusDeployed   = "deployed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

type Site struct {
	Path      string `gorm:"primaryKey"`
	CreatedAt time.Time
}

type Release struct {
	ID          string `gorm:"primaryKey"`
	SitePath    string
	Site        Site `gorm:"foreignKey:SitePath"`
	ArchivePath string
	ArchiveHash int64
	Output      string
	Status      string
	Error       string
	FileCount   int
	SizeBytes   int64
	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}
