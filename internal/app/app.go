package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/db"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
	"github.com/router-for-me/chatgate/internal/watcher"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	conn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// RunServer boots the gate HTTP server and blocks until ctx is canceled.
// A positive port overrides the configured one.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	gateCfg, err := config.LoadGateConfig(configPath)
	if err != nil {
		return err
	}
	if errLog := ConfigureLogging(gateCfg.Logging); errLog != nil {
		return errLog
	}
	if port > 0 {
		gateCfg.Port = port
	}

	conn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	jwtConfig, errJWT := config.LoadJWTConfig(configPath)
	if errJWT != nil {
		return errJWT
	}
	if strings.TrimSpace(jwtConfig.Secret) == "" {
		log.Warn("jwt secret not set: every caller is treated as anonymous and bearer tokens are rejected")
	}
	if strings.TrimSpace(gateCfg.Admin.KeyHash) == "" {
		log.Warn("admin key hash not set: admin routes are disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	comps, err := Build(ctx, gateCfg, jwtConfig, conn)
	if err != nil {
		return err
	}
	defer comps.Close()

	cfgWatcher := watcher.New(configPath, 0, comps.ApplyConfig)
	cfgWatcher.Prime()
	cfgWatcher.Start(ctx)
	defer cfgWatcher.Stop()

	addr := fmt.Sprintf(":%d", gateCfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           comps.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting gate on %s with config=%s", addr, configPath)
	if errListen := srv.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
		return errListen
	}
	log.Info("gate stopped")
	return nil
}

// openDatabase connects to the configured database, falling back to a local
// SQLite file when none is configured.
func openDatabase(configPath string) (*gorm.DB, error) {
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		if !errors.Is(err, config.ErrMissingDatabaseDSN) {
			return nil, err
		}
		dsn = internalsettings.DefaultDatabaseDSN
		log.Warnf("no database configured, using %s", dsn)
	}
	return db.Open(dsn)
}
