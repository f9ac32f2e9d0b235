package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/router-for-me/chatgate/internal/app"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/security"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		if errors.Is(errRun, flag.ErrHelp) {
			return
		}
		log.WithError(errRun).Error("command failed")
		stop()
		os.Exit(1)
	}
}

// run parses flags and dispatches to key hashing, migration, or the server.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("chatgate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	port := fs.Int("port", 0, "server port (overrides gate.port when set)")
	migrateOnly := fs.Bool("migrate", false, "run database migrations and exit")
	hashKey := fs.String("hash-admin-key", "", "print the bcrypt hash of an admin key and exit")
	issueFor := fs.String("issue-token", "", "print a signed user token for the given user id and exit")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}

	if strings.TrimSpace(*hashKey) != "" {
		hash, errHash := security.HashAdminKey(*hashKey)
		if errHash != nil {
			return errHash
		}
		_, errWrite := fmt.Fprintln(stdout, hash)
		return errWrite
	}

	if *port != 0 {
		if errValidate := validatePort(*port); errValidate != nil {
			return errValidate
		}
	}

	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(*cfgPath)
	}

	if userID := strings.TrimSpace(*issueFor); userID != "" {
		return issueToken(appCfg, userID, stdout)
	}

	if *migrateOnly {
		if errMigrate := app.Migrate(ctx, appCfg); errMigrate != nil {
			return errMigrate
		}
		log.Info("migrations applied")
		return nil
	}
	return app.RunServer(ctx, appCfg, *port)
}

// issueToken mints a user token with the configured secret and expiry.
func issueToken(appCfg config.AppConfig, userID string, stdout io.Writer) error {
	jwtCfg, errJWT := config.LoadJWTConfig(appCfg.ConfigPath)
	if errJWT != nil {
		return errJWT
	}
	if strings.TrimSpace(jwtCfg.Secret) == "" {
		return errors.New("issue token: jwt secret is not configured")
	}
	token, errIssue := security.IssueUserToken(jwtCfg.Secret, userID, "", "", jwtCfg.Expiry, time.Now())
	if errIssue != nil {
		return errIssue
	}
	_, errWrite := fmt.Fprintln(stdout, token)
	return errWrite
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}
