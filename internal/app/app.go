package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/CLIProxyAPILedger/internal/accounting"
	"github.com/router-for-me/CLIProxyAPILedger/internal/config"
	"github.com/router-for-me/CLIProxyAPILedger/internal/coupon"
	"github.com/router-for-me/CLIProxyAPILedger/internal/db"
	"github.com/router-for-me/CLIProxyAPILedger/internal/ledger"
	"github.com/router-for-me/CLIProxyAPILedger/internal/logging"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App is the assembled accounting engine with its background workers.
type App struct {
	DB       *gorm.DB
	Service  *accounting.Service
	cleaner  *ledger.RetentionCleaner
	redisCli *redis.Client
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	dsn, err := config.LoadDatabaseDSN(cfg.ConfigPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Build loads configuration, opens the database, migrates it and wires the
// accounting service. Custom coupon rules plug into the validation pipeline.
func Build(ctx context.Context, cfg config.AppConfig, rules ...coupon.Rule) (*App, error) {
	fileCfg, errLoad := config.Load(cfg.ConfigPath)
	if errLoad != nil {
		return nil, errLoad
	}
	logging.Configure(fileCfg.Log)

	conn, errOpen := db.Open(fileCfg.Database.DSN)
	if errOpen != nil {
		return nil, errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return nil, errMigrate
	}

	var redisCli *redis.Client
	if fileCfg.Redis.Addr != "" {
		redisCli = redis.NewClient(&redis.Options{
			Addr:     fileCfg.Redis.Addr,
			Password: fileCfg.Redis.Password,
			DB:       fileCfg.Redis.DB,
		})
		if errPing := redisCli.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).Warn("redis unreachable, coupon velocity falls back to database counting")
		}
	}

	service := accounting.NewService(conn, redisCli, rules...)
	if errReload := service.Reload(ctx); errReload != nil {
		return nil, errReload
	}

	cleaner := ledger.NewRetentionCleaner(conn, fileCfg.Retention.UsageDays)
	cleaner.SetInterval(time.Duration(fileCfg.Retention.SweepInterval) * time.Minute)

	return &App{DB: conn, Service: service, cleaner: cleaner, redisCli: redisCli}, nil
}

// Run starts the background workers and blocks until the context ends.
func (a *App) Run(ctx context.Context) error {
	a.cleaner.Start(ctx)
	log.Info("accounting engine running")
	<-ctx.Done()
	return a.Close()
}

// Close releases the redis connection; the gorm pool closes with the process.
func (a *App) Close() error {
	if a.redisCli != nil {
		return a.redisCli.Close()
	}
	return nil
}
