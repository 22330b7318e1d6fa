package main

import "github.com/stupid-simple/deploy/config"

type Command struct {
	Version struct{} `cmd:"" help:"Print version information."`
	Deploy  struct {
		Archive     string              `help:"release archive path (.tar.gz)" short:"a" required:""`
		Target      string              `help:"target directory, e.g. public_html" short:"t" required:""`
		BackupDir   string              `help:"directory holding the backup tree, stored releases and pidfile" short:"b" required:""`
		Database    string              `help:"database path" short:"d" required:""`
		MaxSize     config.SizeArgument `help:"maximum uncompressed archive size"`
		SkipBackup  bool                `help:"deploy without taking a backup first"`
		NoStart     bool                `help:"do not start the standalone server after deploying"`
		KeepArchive bool                `help:"leave the consumed archive where it was found"`
		DryRun      bool                `help:"don't write any files, just print the output"`
	} `cmd:"" help:"Deploy a release archive into the target directory."`
	Rollback struct {
		Target    string `help:"target directory" short:"t" required:""`
		BackupDir string `help:"directory holding the backup tree and stored releases" short:"b" required:""`
		Database  string `help:"database path" short:"d" required:""`
		Release   string `help:"redeploy a stored release by id instead of restoring the backup tree"`
		NoStart   bool   `help:"do not start the standalone server after rolling back"`
		DryRun    bool   `help:"don't write any files, just print the output"`
	} `cmd:"" help:"Restore the previous deployment from backup."`
	Status struct {
		Target    string `help:"target directory" short:"t" required:""`
		BackupDir string `help:"directory holding the pidfile" short:"b"`
		Database  string `help:"database path" short:"d"`
	} `cmd:"" help:"Report deployment state: markers, server process, health."`
	Clean struct {
		Target    string `help:"target directory" short:"t" required:""`
		BackupDir string `help:"directory holding stored releases" short:"b" required:""`
		Database  string `help:"database path" short:"d" required:""`
		Keep      int    `help:"number of stored releases to keep" default:"5"`
		DryRun    bool   `help:"don't write any files, just print the output"`
	} `cmd:"" help:"Prune stored release archives beyond the retention count."`
	Daemon struct {
		Config   string `help:"config file path" short:"c" required:""`
		Database string `help:"database path" short:"d" required:""`
		LogFile  string `help:"also write logs to this rotating file"`
		DryRun   bool   `help:"don't write any files, just print the output"`
	} `cmd:"" help:"Run the deploy service: watch drop directories and deploy on schedule."`
}
