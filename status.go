package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/database"
	"github.com/stupid-simple/deploy/fileutils"
	"github.com/stupid-simple/deploy/health"
	"github.com/stupid-simple/deploy/manifest"
	"github.com/stupid-simple/deploy/process"
)

var errUnhealthy = errors.New("deployment is unhealthy")

func statusCommand(ctx context.Context, args Command, logger zerolog.Logger) error {
	target := args.Status.Target
	logger = logger.With().Str("target", target).Logger()

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		logger.Error().Msg("target directory missing")
		return fmt.Errorf("%w: target directory missing", errUnhealthy)
	}
	logger.Info().Msg("target directory present")

	man, err := loadDeployedManifest(target)
	if err != nil {
		logger.Warn().Err(err).Msg("deployed manifest unreadable, assuming static release")
		man = manifest.Default()
	}

	healthy := true
	for _, marker := range man.Markers {
		if fileutils.Exists(filepath.Join(target, marker)) {
			logger.Info().Str("marker", marker).Msg("marker present")
		} else {
			logger.Error().Str("marker", marker).Msg("marker missing")
			healthy = false
		}
	}

	if man.Output == manifest.OutputStandalone {
		if args.Status.BackupDir == "" {
			logger.Warn().Msg("no backup dir given, skipping process check")
		} else {
			paths := sitePaths{target: target, backupDir: args.Status.BackupDir}
			if pid, alive := process.Alive(paths.pidFile()); alive {
				logger.Info().Int("pid", pid).Msg("server process running")
			} else {
				logger.Error().Msg("server process not running")
				healthy = false
			}
		}

		if url := man.HealthURL(); url != "" {
			if err := health.Probe(ctx, health.ProbeParams{URL: url, Attempts: 1}, logger); err != nil {
				logger.Error().Err(err).Msg("health endpoint not answering")
				healthy = false
			}
		}
	}

	if args.Status.Database != "" {
		if err := reportLatestRelease(ctx, args, target, logger); err != nil {
			logger.Warn().Err(err).Msg("could not read release registry")
		}
	}

	if !healthy {
		return errUnhealthy
	}
	logger.Info().Msg("deployment healthy")
	return nil
}

func reportLatestRelease(ctx context.Context, args Command, target string, logger zerolog.Logger) error {
	dbCli, err := newSQLite(args.Status.Database, logger)
	if err != nil {
		return err
	}
	db := &database.Database{Cli: dbCli, Logger: logger}

	site, err := db.GetSite(ctx, target)
	if err != nil {
		return err
	}
	latest, err := site.LatestRelease(ctx)
	if errors.Is(err, database.ErrNoRelease) {
		logger.Info().Msg("no releases recorded")
		return nil
	}
	if err != nil {
		return err
	}

	e := logger.Info().
		Str("release", latest.ID).
		Str("status", latest.Status).
		Str("output", latest.Output).
		Time("started_at", latest.StartedAt)
	if latest.CompletedAt != nil {
		e = e.Time("completed_at", *latest.CompletedAt)
	}
	e.Msg("latest release")
	return nil
}
