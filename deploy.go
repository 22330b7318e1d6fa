package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/database"
	"github.com/stupid-simple/deploy/fileutils"
	"github.com/stupid-simple/deploy/health"
	"github.com/stupid-simple/deploy/manifest"
	"github.com/stupid-simple/deploy/process"
	"github.com/stupid-simple/deploy/tarball"
)

var (
	errArchiveMissing = errors.New("release archive not found")
	errMarkerMissing  = errors.New("expected marker file missing")
)

const stopGrace = 10 * time.Second

// sitePaths derives the working locations of one deployed site from its
// backup directory.
type sitePaths struct {
	target    string
	backupDir string
}

func (p sitePaths) backupTree() string {
	return filepath.Join(p.backupDir, "previous")
}

func (p sitePaths) releaseStore() string {
	return filepath.Join(p.backupDir, "releases")
}

func (p sitePaths) pidFile() string {
	return filepath.Join(p.backupDir, "server.pid")
}

func (p sitePaths) serverLog() string {
	return filepath.Join(p.backupDir, "server.log")
}

func deployCommand(ctx context.Context, args Command, logger zerolog.Logger) error {
	if args.Deploy.DryRun {
		logger = logger.With().Bool("dryrun", true).Logger()
	}

	dbCli, err := newSQLite(args.Deploy.Database, logger)
	if err != nil {
		return err
	}

	return deployRelease(ctx, deployParams{
		archivePath: args.Deploy.Archive,
		paths: sitePaths{
			target:    args.Deploy.Target,
			backupDir: args.Deploy.BackupDir,
		},
		maxBytes:    args.Deploy.MaxSize.Size,
		skipBackup:  args.Deploy.SkipBackup,
		noStart:     args.Deploy.NoStart,
		keepArchive: args.Deploy.KeepArchive,
		db:          &database.Database{Cli: dbCli, Logger: logger, DryRun: args.Deploy.DryRun},
		dryRun:      args.Deploy.DryRun,
		logger:      logger,
	})
}

type deployParams struct {
	archivePath string
	paths       sitePaths
	maxBytes    int64
	skipBackup  bool
	noStart     bool
	keepArchive bool
	db          *database.Database
	dryRun      bool
	logger      zerolog.Logger
}

func deployRelease(ctx context.Context, p deployParams) error {
	logger := p.logger.With().Str("archive", p.archivePath).Str("target", p.paths.target).Logger()

	startTime := time.Now()
	logger.Info().Msg("starting deploy")
	defer func() {
		tookSeconds := time.Since(startTime).Seconds()
		if ctx.Err() != nil {
			logger.Info().Float64("seconds", tookSeconds).Msg("deploy cancelled")
		} else {
			logger.Info().Float64("seconds", tookSeconds).Msg("deploy finished")
		}
	}()

	if !fileutils.Exists(p.archivePath) {
		return fmt.Errorf("%w: %s", errArchiveMissing, p.archivePath)
	}

	archiveHash, err := fileutils.ComputeFileHash(p.archivePath)
	if err != nil {
		return fmt.Errorf("could not hash archive: %w", err)
	}

	man, err := loadManifest(p.archivePath, logger)
	if err != nil {
		return err
	}
	logger.Info().Object("manifest", man).Msg("loaded release manifest")

	site, err := p.db.GetSite(ctx, p.paths.target)
	if err != nil {
		return err
	}
	release, err := site.NewRelease(ctx, database.NewReleaseParams{
		ArchivePath: p.archivePath,
		ArchiveHash: archiveHash,
		Output:      string(man.Output),
	})
	if err != nil {
		return err
	}
	logger = logger.With().Str("release", release.ID).Logger()

	// Markers are checked against the archive listing before anything
	// on disk is touched.
	entries, err := tarball.List(p.archivePath)
	if err != nil {
		return failRelease(ctx, site, release.ID, err)
	}
	if err := markersInEntries(entries, man.Markers); err != nil {
		return failRelease(ctx, site, release.ID, err)
	}

	if !p.dryRun {
		if err := os.MkdirAll(p.paths.backupDir, 0755); err != nil {
			return fmt.Errorf("could not create backup directory: %w", err)
		}
		if err := fileutils.VerifyWritable(p.paths.backupDir); err != nil {
			return fmt.Errorf("backup directory must be writable: %w", err)
		}
	}

	staging, err := stageRelease(ctx, p, logger)
	if err != nil {
		return failRelease(ctx, site, release.ID, err)
	}
	defer func() {
		if staging != "" {
			if err := os.RemoveAll(staging); err != nil {
				logger.Warn().Err(err).Str("path", staging).Msg("could not remove staging directory")
			}
		}
	}()

	if !p.dryRun {
		if err := verifyMarkers(staging, man.Markers); err != nil {
			return failRelease(ctx, site, release.ID, err)
		}
	}

	backupTaken, err := takeBackup(ctx, p, logger)
	if err != nil {
		return failRelease(ctx, site, release.ID, err)
	}

	if err := activateRelease(ctx, p, man, staging, logger); err != nil {
		if backupTaken {
			restoreErr := restoreBackup(ctx, p.paths, logger)
			if restoreErr != nil {
				logger.Error().Err(restoreErr).Msg("rollback after failed deploy also failed")
			} else {
				logger.Info().Msg("rolled back to previous deployment")
			}
		}
		markErr := site.MarkRelease(ctx, release.ID, database.ReleaseUpdate{
			Status: database.StatusRolledBack,
			Error:  err.Error(),
		})
		if markErr != nil {
			logger.Error().Err(markErr).Msg("could not mark release rolled back")
		}
		return err
	}

	storedArchive := storeArchive(p, release.ID, logger)

	var fileCount int
	var sizeBytes int64
	for _, e := range entries {
		fileCount++
		sizeBytes += e.Size
	}
	if err := site.MarkRelease(ctx, release.ID, database.ReleaseUpdate{
		Status:      database.StatusDeployed,
		ArchivePath: storedArchive,
		FileCount:   fileCount,
		SizeBytes:   sizeBytes,
	}); err != nil {
		logger.Error().Err(err).Msg("could not mark release deployed")
	}

	logger.Info().Int("files", fileCount).Int64("bytes", sizeBytes).Msg("release deployed")
	return nil
}

// stageRelease extracts the archive into a fresh staging directory
// under the backup directory. Dry runs validate the extraction without
// writing.
func stageRelease(ctx context.Context, p deployParams, logger zerolog.Logger) (string, error) {
	if p.dryRun {
		_, _, err := tarball.Extract(ctx, p.archivePath, os.TempDir(), logger,
			tarball.WithDryRun(true),
			tarball.WithMaxBytes(p.maxBytes))
		return "", err
	}

	staging, err := os.MkdirTemp(p.paths.backupDir, "staging-")
	if err != nil {
		return "", fmt.Errorf("could not create staging directory: %w", err)
	}

	_, _, err = tarball.Extract(ctx, p.archivePath, staging, logger,
		tarball.WithMaxBytes(p.maxBytes))
	if err != nil {
		_ = os.RemoveAll(staging)
		return "", err
	}
	return staging, nil
}

func takeBackup(ctx context.Context, p deployParams, logger zerolog.Logger) (bool, error) {
	if p.skipBackup {
		logger.Info().Msg("skipping backup")
		return false, nil
	}
	if !fileutils.Exists(p.paths.target) {
		logger.Info().Msg("nothing to back up, target does not exist yet")
		return false, nil
	}
	if p.dryRun {
		logger.Info().Str("backup", p.paths.backupTree()).Msg("would back up current deployment")
		return false, nil
	}

	logger.Info().Str("backup", p.paths.backupTree()).Msg("backing up current deployment")
	copied, bytes, err := fileutils.ReplaceTree(ctx, p.paths.target, p.paths.backupTree())
	if err != nil {
		return false, fmt.Errorf("could not back up current deployment: %w", err)
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	logger.Info().Int("files", copied).Int64("bytes", bytes).Msg("backup done")
	return true, nil
}

// activateRelease copies the staged tree into the target, fixes
// permissions and, for standalone releases, swaps the server process.
func activateRelease(ctx context.Context, p deployParams, man *manifest.Manifest, staging string, logger zerolog.Logger) error {
	if p.dryRun {
		logger.Info().Msg("would copy release into target and normalize permissions")
		if man.Output == manifest.OutputStandalone && !p.noStart {
			logger.Info().Str("command", man.Start.Command).Msg("would restart server process")
		}
		return nil
	}

	if man.Output == manifest.OutputStandalone && !p.noStart {
		err := process.Stop(p.paths.pidFile(), stopGrace, logger)
		if err != nil && !errors.Is(err, process.ErrNotRunning) {
			return fmt.Errorf("could not stop previous server: %w", err)
		}
	}

	copied, bytes, err := fileutils.CopyTree(ctx, staging, p.paths.target)
	if err != nil {
		return fmt.Errorf("could not copy release into target: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	logger.Info().Int("files", copied).Int64("bytes", bytes).Msg("copied release into target")

	if err := fileutils.NormalizeTree(p.paths.target, man.Executables); err != nil {
		return fmt.Errorf("could not normalize permissions: %w", err)
	}

	if err := verifyMarkers(p.paths.target, man.Markers); err != nil {
		return err
	}

	if man.Output == manifest.OutputStandalone && !p.noStart {
		if err := startServer(ctx, p.paths, man, logger); err != nil {
			return err
		}
	}

	return nil
}

func startServer(ctx context.Context, paths sitePaths, man *manifest.Manifest, logger zerolog.Logger) error {
	_, err := process.Start(process.StartParams{
		Dir:     paths.target,
		Command: man.Start.Command,
		Args:    man.Start.Args,
		Env:     man.Start.Env,
		PidFile: paths.pidFile(),
		LogFile: paths.serverLog(),
	}, logger)
	if err != nil {
		return err
	}

	if url := man.HealthURL(); url != "" {
		if err := health.Probe(ctx, health.ProbeParams{URL: url}, logger); err != nil {
			return err
		}
	}
	return nil
}

// restoreBackup puts the backup tree back over the target and restarts
// the previous server if its manifest calls for one.
func restoreBackup(ctx context.Context, paths sitePaths, logger zerolog.Logger) error {
	backup := paths.backupTree()
	if !fileutils.Exists(backup) {
		return fmt.Errorf("no backup tree at %s", backup)
	}

	_ = process.Stop(paths.pidFile(), stopGrace, logger)

	copied, bytes, err := fileutils.ReplaceTree(ctx, backup, paths.target)
	if err != nil {
		return fmt.Errorf("could not restore backup: %w", err)
	}
	logger.Info().Int("files", copied).Int64("bytes", bytes).Msg("restored backup over target")

	man, err := loadDeployedManifest(paths.target)
	if err != nil {
		logger.Warn().Err(err).Msg("could not read restored manifest, not restarting server")
		return nil
	}
	if man.Output == manifest.OutputStandalone {
		if err := startServer(ctx, paths, man, logger); err != nil {
			return fmt.Errorf("restored files but could not restart server: %w", err)
		}
	}
	return nil
}

// storeArchive moves the consumed archive into the release store so
// retention cleaning and registry rollback can find it. Returns the
// final archive location.
func storeArchive(p deployParams, releaseID string, logger zerolog.Logger) string {
	if p.keepArchive || p.dryRun {
		return p.archivePath
	}

	store := p.paths.releaseStore()
	if err := os.MkdirAll(store, 0755); err != nil {
		logger.Warn().Err(err).Msg("could not create release store, leaving archive in place")
		return p.archivePath
	}

	dest := filepath.Join(store, releaseID+".tar.gz")
	if err := os.Rename(p.archivePath, dest); err != nil {
		logger.Warn().Err(err).Str("dest", dest).Msg("could not move archive into release store")
		return p.archivePath
	}

	logger.Info().Str("dest", dest).Msg("stored release archive")
	return dest
}

func loadManifest(archivePath string, logger zerolog.Logger) (*manifest.Manifest, error) {
	data, err := tarball.ReadFile(archivePath, manifest.Filename)
	if errors.Is(err, tarball.ErrEntryNotFound) {
		logger.Info().Msg("archive has no manifest, assuming static release")
		return manifest.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

func loadDeployedManifest(targetDir string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(targetDir, manifest.Filename))
	if os.IsNotExist(err) {
		return manifest.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return manifest.Parse(data)
}

func markersInEntries(entries []tarball.Entry, markers []string) error {
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[path.Clean(e.Name)] = struct{}{}
	}
	for _, marker := range markers {
		if _, ok := names[path.Clean(marker)]; !ok {
			return fmt.Errorf("%w in archive: %s", errMarkerMissing, marker)
		}
	}
	return nil
}

func verifyMarkers(root string, markers []string) error {
	for _, marker := range markers {
		if !fileutils.Exists(filepath.Join(root, marker)) {
			return fmt.Errorf("%w: %s", errMarkerMissing, filepath.Join(root, marker))
		}
	}
	return nil
}

func failRelease(ctx context.Context, site *database.SiteRecord, releaseID string, cause error) error {
	if err := site.MarkRelease(ctx, releaseID, database.ReleaseUpdate{
		Status: database.StatusFailed,
		Error:  cause.Error(),
	}); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}
