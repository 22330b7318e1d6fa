package config

import "github.com/rs/zerolog"

type Config struct {
	Sites []ConfigSite `json:"sites,omitempty"`
}

type ConfigSite struct {
	DropDir        string       `json:"drop_dir"`
	ArchivePattern string       `json:"archive_pattern,omitempty"`
	TargetDir      string       `json:"target_dir"`
	BackupDir      string       `json:"backup_dir"`
	MaxArchiveSize SizeArgument `json:"max_archive_size,omitempty"`
	Retention      int          `json:"retention,omitempty"`
	Enable         bool         `json:"enable"`
	Schedule       string       `json:"cron"`
}

// DefaultArchivePattern matches release archives dropped without an
// explicit pattern configured.
const DefaultArchivePattern = "*.tar.gz"

func (s ConfigSite) Pattern() string {
	if s.ArchivePattern == "" {
		return DefaultArchivePattern
	}
	return s.ArchivePattern
}

func (s ConfigSite) MarshalZerologObject(e *zerolog.Event) {
	e.Str("drop_dir", s.DropDir)
	e.Str("target_dir", s.TargetDir)
	e.Str("backup_dir", s.BackupDir)
	e.Bool("enable", s.Enable)
	e.Str("schedule", s.Schedule)

	if s.ArchivePattern != "" {
		e.Str("archive_pattern", s.ArchivePattern)
	}
	if s.MaxArchiveSize.Size > 0 {
		e.Int64("max_archive_size", s.MaxArchiveSize.Size)
	}
	if s.Retention > 0 {
		e.Int("retention", s.Retention)
	}
}
