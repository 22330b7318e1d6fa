package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stupid-simple/deploy/config"
	"github.com/stupid-simple/deploy/database"
	"github.com/stupid-simple/deploy/fileutils"
	"github.com/stupid-simple/deploy/scheduler"
	"github.com/stupid-simple/deploy/watcher"
	"gopkg.in/natefinch/lumberjack.v2"
)

func daemonCommand(ctx context.Context, args Command, logger zerolog.Logger) error {
	if args.Daemon.DryRun {
		logger = logger.With().Bool("dryrun", true).Logger()
	}

	if args.Daemon.Database == "" {
		return fmt.Errorf("no database specified")
	}

	if args.Daemon.LogFile != "" {
		logger = withRotatingFile(logger, args.Daemon.LogFile)
	}

	cfg, err := config.LoadFromFile(args.Daemon.Config)
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	dbCli, err := newSQLite(args.Daemon.Database, logger)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	db := &database.Database{
		Cli:    dbCli,
		Logger: logger,
		DryRun: args.Daemon.DryRun,
	}

	sched := scheduler.NewScheduler(scheduler.SchedulerParams{
		Logger: logger,
	})

	var genCancel context.CancelFunc
	rebuild := func(cfg *config.Config) {
		if genCancel != nil {
			genCancel()
		}
		var genCtx context.Context
		genCtx, genCancel = context.WithCancel(ctx)

		sched.RemoveJobs()
		if err := addSiteJobsFromConfig(genCtx, sched, cfg, db, logger, args.Daemon.DryRun); err != nil {
			logger.Error().Err(err).Msg("failed to add deploy jobs")
		}
	}
	rebuild(cfg)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	startConfigFileWatcher(ctx, args.Daemon.Config, logger, ticker, rebuild)

	sched.Start()
	defer sched.Stop()

	<-ctx.Done()

	return nil
}

func addSiteJobsFromConfig(
	ctx context.Context,
	sched *scheduler.Scheduler,
	cfg *config.Config,
	db *database.Database,
	logger zerolog.Logger,
	dryRun bool,
) error {
	dropDirs := make(map[string]struct{})
	targetDirs := make(map[string]struct{})

	for _, cfgSite := range cfg.Sites {
		site, err := configSiteToDeploySite(ctx, cfgSite, db, logger, dryRun)
		if err != nil {
			logger.Warn().AnErr("cause", err).Msg("skipping site")
			continue
		}

		if _, ok := dropDirs[cfgSite.DropDir]; ok {
			logger.Warn().Str("drop_dir", cfgSite.DropDir).Msg("skipping duplicate drop directory")
			continue
		}
		dropDirs[cfgSite.DropDir] = struct{}{}

		if _, ok := targetDirs[cfgSite.TargetDir]; ok {
			logger.Warn().Str("target_dir", cfgSite.TargetDir).Msg("skipping duplicate target")
			continue
		}
		targetDirs[cfgSite.TargetDir] = struct{}{}

		if !cfgSite.Enable {
			logger.Info().Str("target", cfgSite.TargetDir).Msg("skipping disabled site")
			continue
		}

		if err := sched.AddDeployJob(ctx, cfgSite.Schedule, site); err != nil {
			logger.Error().Err(err).Str("target", cfgSite.TargetDir).Msg("could not add deploy job")
			continue
		}

		site.startWatching(ctx)

		logger.Info().
			Object("site", cfgSite).
			Msg("added deploy job")
	}
	return nil
}

func configSiteToDeploySite(
	ctx context.Context,
	cfgSite config.ConfigSite,
	db *database.Database,
	logger zerolog.Logger,
	dryRun bool,
) (*deploySite, error) {
	if cfgSite.DropDir == "" {
		return nil, fmt.Errorf("site must have a drop directory")
	}
	if cfgSite.TargetDir == "" {
		return nil, fmt.Errorf("site must have a target directory")
	}
	if cfgSite.BackupDir == "" {
		return nil, fmt.Errorf("site must have a backup directory")
	}
	if cfgSite.Schedule == "" {
		return nil, fmt.Errorf("site must have a schedule")
	}

	return &deploySite{
		ctx:    ctx,
		cfg:    cfgSite,
		db:     db,
		dryRun: dryRun,
		logger: logger.With().Str("target", cfgSite.TargetDir).Logger(),
	}, nil
}

// deploySite deploys archives dropped for one site. The mutex
// serializes the fsnotify path against the cron sweep so a site never
// runs two deploys at once.
type deploySite struct {
	mu     sync.Mutex
	ctx    context.Context
	cfg    config.ConfigSite
	db     *database.Database
	dryRun bool
	logger zerolog.Logger
}

// Run is the cron sweep: deploy whatever matching archives are sitting
// in the drop directory.
func (s *deploySite) Run() {
	if !s.mu.TryLock() {
		s.logger.Info().Msg("deploy already running, skipping sweep")
		return
	}
	defer s.mu.Unlock()

	archives, err := watcher.ScanDropDir(s.cfg.DropDir, s.cfg.Pattern())
	if err != nil {
		s.logger.Error().Err(err).Msg("could not scan drop directory")
		return
	}

	for _, archive := range archives {
		if s.ctx.Err() != nil {
			return
		}
		s.deployArchive(archive, true)
	}
}

func (s *deploySite) startWatching(ctx context.Context) {
	ch, err := watcher.WatchDropDir(ctx, s.cfg.DropDir, s.cfg.Pattern(), s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not watch drop directory, relying on cron sweep only")
		return
	}

	go func() {
		for archive := range ch {
			s.mu.Lock()
			s.deployArchive(archive, false)
			s.mu.Unlock()
		}
	}()
}

// deployArchive runs one deploy. When skipIfCurrent is set, an archive
// hashing identical to the newest deployed release is left alone so the
// sweep stays idempotent.
func (s *deploySite) deployArchive(archivePath string, skipIfCurrent bool) {
	if skipIfCurrent && s.alreadyDeployed(archivePath) {
		s.logger.Debug().Str("archive", archivePath).Msg("archive matches current release, skipping")
		return
	}

	err := deployRelease(s.ctx, deployParams{
		archivePath: archivePath,
		paths: sitePaths{
			target:    s.cfg.TargetDir,
			backupDir: s.cfg.BackupDir,
		},
		maxBytes: s.cfg.MaxArchiveSize.Size,
		db:       s.db,
		dryRun:   s.dryRun,
		logger:   s.logger,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("archive", archivePath).Msg("deploy job failed")
		return
	}

	if s.cfg.Retention > 0 {
		err := cleanOldReleases(s.ctx, cleanParams{
			paths: sitePaths{
				target:    s.cfg.TargetDir,
				backupDir: s.cfg.BackupDir,
			},
			keep:   s.cfg.Retention,
			dryRun: s.dryRun,
			db:     s.db,
			logger: s.logger,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("retention cleaning failed")
		}
	}
}

func (s *deploySite) alreadyDeployed(archivePath string) bool {
	hash, err := fileutils.ComputeFileHash(archivePath)
	if err != nil {
		return false
	}

	site, err := s.db.GetSite(s.ctx, s.cfg.TargetDir)
	if err != nil {
		return false
	}
	latest, err := site.LatestRelease(s.ctx, database.StatusDeployed)
	if err != nil {
		return false
	}
	return latest.ArchiveHash == int64(hash)
}

func startConfigFileWatcher(ctx context.Context, cfgPath string, logger zerolog.Logger, ticker *time.Ticker, onChanged func(cfg *config.Config)) {
	logger.Info().Str("path", cfgPath).Msg("watching config file for changes")
	watch, err := fileutils.WatchFile(ctx, cfgPath, when(ticker.C), func(err error) {
		logger.Error().Err(err).Msg("could not watch config file")
	})
	if err != nil {
		logger.Error().Err(err).Msg("could not watch config file")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-watch:
				logger.Info().Str("path", cfgPath).Msg("config file changed, reloading")

				cfg, err := config.LoadFromFile(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("could not load config")
					break
				}

				onChanged(cfg)
			}
		}
	}()
}

func when[T any](ch <-chan T) <-chan struct{} {
	out := make(chan struct{})
	go func() {
		defer close(out)
		for range ch {
			out <- struct{}{}
		}
	}()
	return out
}

func withRotatingFile(logger zerolog.Logger, path string) zerolog.Logger {
	fileSink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
	}
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: false, TimeFormat: "[" + time.RFC3339 + "]"}
	return logger.Output(zerolog.MultiLevelWriter(consoleWriter, fileSink))
}
