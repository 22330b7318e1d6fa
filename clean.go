package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/database"
)

func cleanCommand(ctx context.Context, args Command, logger zerolog.Logger) error {
	if args.Clean.DryRun {
		logger = logger.With().Bool("dryrun", true).Logger()
	}

	startTime := time.Now()
	logger.Info().Msg("starting cleaning old releases")
	defer func() {
		tookSeconds := time.Since(startTime).Seconds()
		if ctx.Err() != nil {
			logger.Info().Float64("seconds", tookSeconds).Msg("cleaning cancelled")
		} else {
			logger.Info().Float64("seconds", tookSeconds).Msg("cleaning done")
		}
	}()

	dbCli, err := newSQLite(args.Clean.Database, logger)
	if err != nil {
		return err
	}

	db := &database.Database{
		Cli:    dbCli,
		Logger: logger,
		DryRun: args.Clean.DryRun,
	}

	return cleanOldReleases(ctx, cleanParams{
		paths: sitePaths{
			target:    args.Clean.Target,
			backupDir: args.Clean.BackupDir,
		},
		keep:   args.Clean.Keep,
		dryRun: args.Clean.DryRun,
		db:     db,
		logger: logger,
	})
}

type cleanParams struct {
	paths  sitePaths
	keep   int
	dryRun bool
	db     *database.Database
	logger zerolog.Logger
}

// cleanOldReleases deletes stored archives and registry rows beyond the
// newest keep releases of the site.
func cleanOldReleases(ctx context.Context, p cleanParams) error {
	if p.keep < 1 {
		return fmt.Errorf("retention count must be at least 1")
	}

	site, err := p.db.GetSite(ctx, p.paths.target)
	if err != nil {
		return err
	}
	logger := p.logger.With().Str("site", site.Path()).Logger()

	seq, err := site.FindReleases(ctx, database.WithFindReleasesOffset(p.keep))
	if err != nil {
		return err
	}

	oldIDs := []string{}
	oldArchives := []string{}
	for release := range seq {
		if ctx.Err() != nil {
			break
		}
		logger.Info().
			Str("release", release.ID).
			Str("status", release.Status).
			Str("archive", release.ArchivePath).
			Msg("found old release")
		oldIDs = append(oldIDs, release.ID)
		if release.ArchivePath != "" {
			oldArchives = append(oldArchives, release.ArchivePath)
		}
	}
	if len(oldIDs) == 0 {
		logger.Info().Msg("no old releases found")
		return nil
	}

	if p.dryRun {
		logger.Info().Int("releases", len(oldIDs)).Msg("would delete old releases")
		return nil
	}

	if err := site.DeleteReleases(ctx, oldIDs); err != nil {
		return fmt.Errorf("error deleting old releases from registry: %w", err)
	}

	totalSizeFreed := int64(0)
	filesDeleted := 0
	store := p.paths.releaseStore()
	for _, path := range oldArchives {
		if !withinDir(store, path) {
			logger.Debug().Str("path", path).Msg("archive outside release store, leaving in place")
			continue
		}
		stat, err := os.Stat(path)
		if err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("stored archive already gone")
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Error().Err(err).Str("path", path).
				Int64("size", stat.Size()).
				Msg("failed to delete stored archive")
		} else {
			logger.Info().Str("path", path).Int64("size", stat.Size()).Msg("deleted stored archive")
			totalSizeFreed += stat.Size()
			filesDeleted++
		}
	}

	if totalSizeFreed > 0 {
		logger.Info().
			Int("files_deleted", filesDeleted).
			Int64("total_freed", totalSizeFreed).
			Msg("deleted stored archives")
	}

	return nil
}

func withinDir(dir string, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
