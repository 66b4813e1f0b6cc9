package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openkeysrv/keyserver/internal/pkg/config"
	"github.com/openkeysrv/keyserver/internal/pkg/keysvc"
	"github.com/openkeysrv/keyserver/internal/pkg/mailer"
	"github.com/openkeysrv/keyserver/internal/pkg/ratelimit"
	"github.com/openkeysrv/keyserver/internal/pkg/store"
	"github.com/openkeysrv/keyserver/internal/pkg/useridsvc"
	"github.com/openkeysrv/keyserver/pkg/hkpserver"
	"github.com/openkeysrv/keyserver/pkg/restserver"
	"github.com/sirupsen/logrus"
)

// set by mage at build time
var version string

func execute(args []string) error {
	configPath := filepath.Join(config.Dir, config.File)
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Parse(configPath)
	if err != nil {
		return fmt.Errorf("while parsing configuration file: %s", err)
	}
	if err := config.CheckServerConfig(&cfg); err != nil {
		return fmt.Errorf("while checking configuration: %s", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("while opening store: %s", err)
	}
	defer db.Close()

	userIDs := useridsvc.New(db)
	mlr := mailer.New(cfg.Email, cfg.I18n.Locales)
	keys := keysvc.New(db, userIDs, mlr)

	limiter := ratelimit.New(cfg.SubmitRateLimit.Every, cfg.SubmitRateLimit.Burst)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s := <-c
		logrus.WithField("signal", s).Info("server interrupted by signal")
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- hkpserver.Start(ctx, hkpserver.Config{
			Addr:        cfg.HKPAddr(),
			PublicURL:   cfg.PublicURL,
			Keys:        keys,
			RateLimiter: limiter,
		})
	}()
	go func() {
		errCh <- restserver.Start(ctx, restserver.Config{
			Addr:        cfg.RESTAddr(),
			PublicURL:   cfg.PublicURL,
			Keys:        keys,
			RateLimiter: limiter,
			CSP:         cfg.REST.CSP,
		})
	}()

	logrus.WithFields(logrus.Fields{
		"hkp":     cfg.HKPAddr(),
		"rest":    cfg.RESTAddr(),
		"version": version,
	}).Info("server started")

	// the first listener to stop (cleanly, on ctx cancellation, or with an
	// error) determines the whole process's exit; cancel so the other
	// listener shuts down too.
	err = <-errCh
	cancel()
	<-errCh
	return err
}

func main() {
	if err := execute(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("while running server")
	}
}
