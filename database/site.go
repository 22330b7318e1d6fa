package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const iterateBatchSize = 50

var ErrNoRelease = errors.New("no matching release")

type SiteRecord struct {
	db     *Database
	record *Site
	logger zerolog.Logger
}

func (sr *SiteRecord) Path() string {
	return sr.record.Path
}

type NewReleaseParams struct {
	ArchivePath string
	ArchiveHash uint64
	Output      string
}

// NewRelease records a pending deployment attempt and returns its row.
func (sr *SiteRecord) NewRelease(ctx context.Context, params NewReleaseParams) (*Release, error) {
	sr.db.Lock.Lock()
	defer sr.db.Lock.Unlock()

	release := &Release{
		ID:          uuid.NewString(),
		SitePath:    sr.record.Path,
		ArchivePath: params.ArchivePath,
		ArchiveHash: int64(params.ArchiveHash),
		Output:      params.Output,
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
	}

	if sr.db.DryRun {
		sr.logger.Info().Str("release", release.ID).Msg("would record release (dry run)")
		return release, nil
	}

	if err := sr.db.Cli.WithContext(ctx).Create(release).Error; err != nil {
		return nil, fmt.Errorf("could not record release: %w", err)
	}

	sr.logger.Debug().Str("release", release.ID).Msg("recorded pending release")
	return release, nil
}

type ReleaseUpdate struct {
	Status      string
	Error       string
	ArchivePath string
	FileCount   int
	SizeBytes   int64
}

// MarkRelease finalizes a release row with its outcome.
func (sr *SiteRecord) MarkRelease(ctx context.Context, id string, update ReleaseUpdate) error {
	sr.db.Lock.Lock()
	defer sr.db.Lock.Unlock()

	now := time.Now().UTC()
	fields := map[string]any{
		"status":       update.Status,
		"completed_at": &now,
	}
	if update.Error != "" {
		fields["error"] = update.Error
	}
	if update.ArchivePath != "" {
		fields["archive_path"] = update.ArchivePath
	}
	if update.FileCount > 0 {
		fields["file_count"] = update.FileCount
	}
	if update.SizeBytes > 0 {
		fields["size_bytes"] = update.SizeBytes
	}

	if sr.db.DryRun {
		sr.logger.Info().Str("release", id).Str("status", update.Status).Msg("would mark release (dry run)")
		return nil
	}

	err := sr.db.Cli.WithContext(ctx).Model(&Release{}).
		Where("id = ?", id).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("could not mark release %s: %w", id, err)
	}

	sr.logger.Debug().Str("release", id).Str("status", update.Status).Msg("marked release")
	return nil
}

// GetRelease returns a single release of this site by id.
func (sr *SiteRecord) GetRelease(ctx context.Context, id string) (*Release, error) {
	sr.db.Lock.Lock()
	defer sr.db.Lock.Unlock()

	release := &Release{}
	err := sr.db.Cli.WithContext(ctx).
		Where("site_path = ? AND id = ?", sr.record.Path, id).
		First(release).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoRelease, id)
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// LatestRelease returns the newest release of this site, optionally
// restricted to the given statuses.
func (sr *SiteRecord) LatestRelease(ctx context.Context, statuses ...string) (*Release, error) {
	sr.db.Lock.Lock()
	defer sr.db.Lock.Unlock()

	query := sr.db.Cli.WithContext(ctx).
		Where("site_path = ?", sr.record.Path).
		Order("started_at DESC")
	if len(statuses) > 0 {
		query = query.Where("status IN (?)", statuses)
	}

	release := &Release{}
	err := query.First(release).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoRelease
	}
	if err != nil {
		return nil, err
	}
	return release, nil
}

// FindReleases yields releases of this site, newest first.
func (sr *SiteRecord) FindReleases(ctx context.Context, opts ...FindReleasesOptions) (iter.Seq[Release], error) {
	o := findReleasesOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	return func(yield func(Release) bool) {
		offset := o.offset
		remaining := o.limit
		for {
			thisBatchSize := iterateBatchSize
			if remaining > 0 {
				thisBatchSize = min(remaining, iterateBatchSize)
			}

			query := sr.db.Cli.WithContext(ctx).
				Where("site_path = ?", sr.record.Path).
				Order("started_at DESC").
				Limit(thisBatchSize).
				Offset(offset)
			if len(o.statuses) > 0 {
				query = query.Where("status IN (?)", o.statuses)
			}

			releases := []Release{}
			sr.db.Lock.Lock()
			err := query.Find(&releases).Error
			sr.db.Lock.Unlock()
			if err != nil {
				sr.db.Logger.Error().Err(err).Msg("error fetching releases from database")
				return
			}
			if len(releases) == 0 {
				return
			}
			for i := range releases {
				if ctx.Err() != nil {
					return
				}
				if !yield(releases[i]) {
					return
				}
			}
			offset += len(releases)
			if o.limit > 0 {
				remaining -= len(releases)
				if remaining <= 0 {
					return
				}
			}
		}
	}, nil
}

// DeleteReleases removes release rows by id.
func (sr *SiteRecord) DeleteReleases(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	sr.db.Lock.Lock()
	defer sr.db.Lock.Unlock()

	if sr.db.DryRun {
		sr.logger.Info().Strs("releases", ids).Msg("would delete release records (dry run)")
		return nil
	}

	err := sr.db.Cli.WithContext(ctx).
		Where("site_path = ? AND id IN (?)", sr.record.Path, ids).
		Delete(&Release{}).Error
	if err != nil {
		return fmt.Errorf("could not delete releases: %w", err)
	}

	sr.logger.Debug().Int("count", len(ids)).Msg("deleted release records")
	return nil
}
