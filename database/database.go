package database

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

type Database struct {
	Lock   sync.Mutex
	Cli    *gorm.DB
	Logger zerolog.Logger
	DryRun bool
}

func (d *Database) GetSite(ctx context.Context, path string) (*SiteRecord, error) {
	d.Lock.Lock()
	defer d.Lock.Unlock()

	d.Logger.Debug().Str("path", path).Msg("get site")

	site := &Site{}
	if d.DryRun {
		err := d.Cli.WithContext(ctx).Where(Site{Path: path}).First(site).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			site.Path = path
		} else if err != nil {
			return nil, err
		}
	} else if err := d.Cli.WithContext(ctx).Where(Site{Path: path}).FirstOrCreate(site).Error; err != nil {
		return nil, err
	}

	return &SiteRecord{db: d, record: site, logger: d.Logger.With().Str("site", path).Logger()}, nil
}
