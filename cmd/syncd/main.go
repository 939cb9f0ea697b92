package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/discover"
	"github.com/brandon/mailsync/internal/imapx"
	"github.com/brandon/mailsync/internal/mime"
	"github.com/brandon/mailsync/internal/outbox"
	"github.com/brandon/mailsync/internal/retry"
	"github.com/brandon/mailsync/internal/smtpx"
	"github.com/brandon/mailsync/internal/sync"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncd version %s\n", version)
		os.Exit(0)
	}
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Set log level
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting mail sync daemon")

	// Initialize cache
	mailCache, err := cache.NewCache(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize cache")
	}
	defer mailCache.Close()

	store := cache.NewStore(mailCache, logger)

	dialer := imapx.NewLiveDialer(logger)
	coordinator := discover.New(dialer, logger, discover.Options{
		DebounceWindow: cfg.DiscoveryDebounce,
		StepTimeout:    cfg.StepTimeout,
		OverallBudget:  cfg.DiscoveryBudget,
	})

	smtpClient := smtpx.NewLiveClient(logger)
	engine := sync.NewEngine(dialer, store, smtpClient, coordinator, logger)
	engine.BatchSize = cfg.BodyBatchSize
	engine.BatchPause = cfg.BatchPause

	policy := retry.DefaultPolicy()
	policy.ConnectFloor = cfg.SendRetryFloor
	sender := outbox.New(store, smtpClient, mime.Encode, smtpResolver(cfg),
		policy, logger, outbox.Options{IdlePoll: cfg.SendIdlePoll})
	defer sender.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := run(ctx, cfg, coordinator, engine, store, sender, logger); err != nil {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	case err := <-errChan:
		logger.WithError(err).Error("Sync loop error")
		cancel()
	}

	logger.Info("Shutting down mail sync daemon")
}

// smtpResolver adapts the account configuration to the outbox service.
func smtpResolver(cfg *config.Config) outbox.ConfigResolver {
	return func(accountID string) (smtpx.SendConfig, error) {
		acc, err := cfg.GetAccountByName(accountID)
		if err != nil {
			return smtpx.SendConfig{}, err
		}
		return smtpx.SendConfig{
			Host:     acc.SMTPHost,
			Port:     acc.SMTPPort,
			Username: acc.SMTPUsername,
			Password: acc.SMTPPassword,
		}, nil
	}
}

// run drives the periodic sync loop: every interval, each account gets
// a folder discovery followed by a header sync of its mapped folders.
func run(ctx context.Context, cfg *config.Config, coordinator *discover.Coordinator,
	engine *sync.Engine, store *cache.Store, sender *outbox.Service, logger *logrus.Logger) error {
	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	for {
		for i := range cfg.Accounts {
			acc := &cfg.Accounts[i]
			syncAccount(ctx, acc, coordinator, engine, store, logger)
			// Drain anything still queued from a previous run.
			if err := sender.ProcessOutbox(ctx, acc.Name); err != nil && ctx.Err() == nil {
				logger.WithError(err).WithField("account", acc.Name).Warn("Outbox drain failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func syncAccount(ctx context.Context, acc *config.AccountConfig, coordinator *discover.Coordinator,
	engine *sync.Engine, store *cache.Store, logger *logrus.Logger) {
	log := logger.WithField("account", acc.Name)

	params := imapx.ConnectParams{
		Host:     acc.IMAPHost,
		Port:     acc.IMAPPort,
		Username: acc.IMAPUsername,
		Password: acc.IMAPPassword,
		Security: acc.IMAPSecurity,
	}
	fm, err := coordinator.Discover(ctx, acc.Name, params)
	if err != nil {
		log.WithError(err).Warn("Folder discovery failed")
		return
	}
	for role, name := range map[string]string{
		"inbox": fm.Inbox, "sent": fm.Sent, "drafts": fm.Drafts,
		"trash": fm.Trash, "spam": fm.Spam,
	} {
		if name == "" {
			continue
		}
		if err := store.UpsertFolder(acc.Name, name, role); err != nil {
			log.WithError(err).WithField("folder", name).Warn("Failed to cache folder")
		}
	}

	acct := sync.Account{
		ID:   acc.Name,
		IMAP: params,
		SMTP: smtpx.SendConfig{Host: acc.SMTPHost, Port: acc.SMTPPort,
			Username: acc.SMTPUsername, Password: acc.SMTPPassword},
	}
	for _, folder := range []string{fm.Inbox, fm.Sent} {
		if folder == "" {
			continue
		}
		if _, err := engine.SyncHeaders(ctx, acct, folder); err != nil {
			log.WithError(err).WithField("folder", folder).Warn("Header sync failed")
		}
	}
}
