package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/database"
	"github.com/stupid-simple/deploy/fileutils"
)

func rollbackCommand(ctx context.Context, args Command, logger zerolog.Logger) error {
	if args.Rollback.DryRun {
		logger = logger.With().Bool("dryrun", true).Logger()
	}

	paths := sitePaths{
		target:    args.Rollback.Target,
		backupDir: args.Rollback.BackupDir,
	}

	startTime := time.Now()
	logger.Info().Str("target", paths.target).Msg("starting rollback")
	defer func() {
		tookSeconds := time.Since(startTime).Seconds()
		if ctx.Err() != nil {
			logger.Info().Str("target", paths.target).Float64("seconds", tookSeconds).Msg("rollback cancelled")
		} else {
			logger.Info().Str("target", paths.target).Float64("seconds", tookSeconds).Msg("rollback done")
		}
	}()

	dbCli, err := newSQLite(args.Rollback.Database, logger)
	if err != nil {
		return err
	}
	db := &database.Database{Cli: dbCli, Logger: logger, DryRun: args.Rollback.DryRun}

	if args.Rollback.Release != "" {
		return rollbackToRelease(ctx, args, paths, db, logger)
	}

	return rollbackToBackup(ctx, args, paths, db, logger)
}

// rollbackToBackup restores the whole-tree backup taken by the last
// deploy.
func rollbackToBackup(ctx context.Context, args Command, paths sitePaths, db *database.Database, logger zerolog.Logger) error {
	if !fileutils.Exists(paths.backupTree()) {
		return fmt.Errorf("no backup to restore at %s", paths.backupTree())
	}

	if args.Rollback.DryRun {
		logger.Info().Str("backup", paths.backupTree()).Msg("would restore backup over target")
		return nil
	}

	if err := restoreBackup(ctx, paths, logger); err != nil {
		return err
	}

	site, err := db.GetSite(ctx, paths.target)
	if err != nil {
		return err
	}
	latest, err := site.LatestRelease(ctx, database.StatusDeployed)
	if errors.Is(err, database.ErrNoRelease) {
		logger.Warn().Msg("no deployed release recorded, registry left untouched")
		return nil
	}
	if err != nil {
		return err
	}

	return site.MarkRelease(ctx, latest.ID, database.ReleaseUpdate{
		Status: database.StatusRolledBack,
		Error:  "manual rollback",
	})
}

// rollbackToRelease re-runs the deploy sequence from a stored release
// archive.
func rollbackToRelease(ctx context.Context, args Command, paths sitePaths, db *database.Database, logger zerolog.Logger) error {
	site, err := db.GetSite(ctx, paths.target)
	if err != nil {
		return err
	}

	release, err := site.GetRelease(ctx, args.Rollback.Release)
	if err != nil {
		return err
	}
	if !fileutils.Exists(release.ArchivePath) {
		return fmt.Errorf("stored archive for release %s is gone: %s", release.ID, release.ArchivePath)
	}

	logger.Info().Str("release", release.ID).Str("archive", release.ArchivePath).Msg("redeploying stored release")

	return deployRelease(ctx, deployParams{
		archivePath: release.ArchivePath,
		paths:       paths,
		noStart:     args.Rollback.NoStart,
		keepArchive: true,
		db:          db,
		dryRun:      args.Rollback.DryRun,
		logger:      logger,
	})
}
