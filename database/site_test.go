package database_test

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stupid-simple/deploy/database"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()

	cli, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, cli.AutoMigrate(&database.Site{}, &database.Release{}))

	return &database.Database{
		Cli:    cli,
		Logger: zerolog.New(zerolog.NewTestWriter(t)),
	}
}

func TestGetSite_CreatesOnFirstUse(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)
	assert.Equal(t, "/var/www/public_html", site.Path())

	again, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)
	assert.Equal(t, site.Path(), again.Path())
}

func TestNewReleaseAndMark(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	release, err := site.NewRelease(ctx, database.NewReleaseParams{
		ArchivePath: "/deploys/site-deploy.tar.gz",
		ArchiveHash: 0xdeadbeef,
		Output:      "standalone",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, release.ID)
	assert.Equal(t, database.StatusPending, release.Status)

	err = site.MarkRelease(ctx, release.ID, database.ReleaseUpdate{
		Status:    database.StatusDeployed,
		FileCount: 42,
		SizeBytes: 1024,
	})
	require.NoError(t, err)

	got, err := site.GetRelease(ctx, release.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDeployed, got.Status)
	assert.Equal(t, 42, got.FileCount)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetRelease_NotFound(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	_, err = site.GetRelease(ctx, "no-such-id")
	assert.ErrorIs(t, err, database.ErrNoRelease)
}

func TestLatestRelease(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	_, err = site.LatestRelease(ctx)
	assert.ErrorIs(t, err, database.ErrNoRelease)

	first, err := site.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "a.tar.gz"})
	require.NoError(t, err)
	require.NoError(t, site.MarkRelease(ctx, first.ID, database.ReleaseUpdate{Status: database.StatusDeployed}))

	second, err := site.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "b.tar.gz"})
	require.NoError(t, err)
	require.NoError(t, site.MarkRelease(ctx, second.ID, database.ReleaseUpdate{Status: database.StatusFailed}))

	latest, err := site.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	latestDeployed, err := site.LatestRelease(ctx, database.StatusDeployed)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latestDeployed.ID)
}

func TestFindReleases_OffsetAndStatus(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		release, err := site.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "r.tar.gz"})
		require.NoError(t, err)
		require.NoError(t, site.MarkRelease(ctx, release.ID, database.ReleaseUpdate{Status: database.StatusDeployed}))
		ids = append(ids, release.ID)
	}

	seq, err := site.FindReleases(ctx,
		database.WithFindReleasesStatus(database.StatusDeployed),
		database.WithFindReleasesOffset(2))
	require.NoError(t, err)

	var found []string
	for r := range seq {
		found = append(found, r.ID)
	}
	assert.Len(t, found, 3)
	assert.NotContains(t, found, ids[4])
	assert.NotContains(t, found, ids[3])
}

func TestGetSite_DryRunDoesNotCreate(t *testing.T) {
	db := newTestDatabase(t)
	db.DryRun = true
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)
	assert.Equal(t, "/var/www/public_html", site.Path())

	err = db.Cli.Where(database.Site{Path: "/var/www/public_html"}).First(&database.Site{}).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestDryRunSuppressesWrites(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)
	seeded, err := site.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "v1.tar.gz"})
	require.NoError(t, err)
	require.NoError(t, site.MarkRelease(ctx, seeded.ID, database.ReleaseUpdate{Status: database.StatusDeployed}))

	db.DryRun = true
	dry, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	// Reads stay real under dry run.
	latest, err := dry.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, latest.ID)

	release, err := dry.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "v2.tar.gz"})
	require.NoError(t, err)
	assert.NotEmpty(t, release.ID)
	require.NoError(t, dry.MarkRelease(ctx, release.ID, database.ReleaseUpdate{Status: database.StatusFailed}))
	require.NoError(t, dry.DeleteReleases(ctx, []string{seeded.ID}))

	db.DryRun = false
	latest, err = site.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, latest.ID)
	assert.Equal(t, database.StatusDeployed, latest.Status)
}

func TestDeleteReleases(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	site, err := db.GetSite(ctx, "/var/www/public_html")
	require.NoError(t, err)

	release, err := site.NewRelease(ctx, database.NewReleaseParams{ArchivePath: "r.tar.gz"})
	require.NoError(t, err)

	require.NoError(t, site.DeleteReleases(ctx, []string{release.ID}))

	_, err = site.GetRelease(ctx, release.ID)
	assert.ErrorIs(t, err, database.ErrNoRelease)
}
