package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshsymonds/inboxstat/internal/cache"
	"github.com/joshsymonds/inboxstat/internal/config"
	"github.com/joshsymonds/inboxstat/internal/mailbox"
	"github.com/joshsymonds/inboxstat/internal/pipeline"
	"github.com/joshsymonds/inboxstat/internal/progress"
	"github.com/joshsymonds/inboxstat/internal/rate"
	"github.com/joshsymonds/inboxstat/internal/report"
	"github.com/joshsymonds/inboxstat/internal/runtime"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		runtime.DefaultLogger().Error("inboxstat failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "inboxstat",
		Short:         "Sender, volume and timing statistics for one mailbox",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", config.DefaultPath(), "config file")
	pf.String("credentials", config.DefaultDir(), "directory holding credentials.json and token.json")
	pf.BoolP("verbose", "v", false, "debug logging and per-message failure details")

	f := root.Flags()
	f.IntP("top", "n", 20, "number of senders to rank")
	f.StringP("user", "u", "me", "Gmail user id")
	f.String("backend", config.BackendGmail, "mail backend: gmail or imap")
	f.String("auth", config.AuthToken, "gmail auth: token or gmailctl")
	f.Bool("cache", false, "reuse records from the last run while the mailbox is unchanged")
	f.String("json", "", "also write the report as JSON to this relative path")
	f.Int("rps", 50, "max messages requested per second; each message in a batch counts (0 disables limiting)")
	f.Int("page-size", config.MaxPageSize, "messages per list page")

	root.AddCommand(newLoginCmd(&cfgPath), newIMAPPasswordCmd(&cfgPath))
	return root
}

func newLoginCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Authorize read-only Gmail access and cache the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(os.Stderr, cfg.LogLevel)
			provider := runtime.TokenFileProvider{Dir: cfg.CredentialsDir, Prompt: runtime.PromptAuthCode, Logger: logger}
			if err := provider.Login(cmd.Context()); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			return nil
		},
	}
}

func newIMAPPasswordCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "imap-password",
		Short: "Store the IMAP password in the system keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.IMAP.Host == "" || cfg.IMAP.Username == "" {
				return fmt.Errorf("imap.host and imap.username must be set in %s", *cfgPath)
			}
			password, err := runtime.PromptPassword(cfg.IMAP.Username, cfg.IMAP.Host)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			store, err := runtime.OpenPasswords(cfg.CredentialsDir)
			if err != nil {
				return err
			}
			return store.Set(cfg.IMAP.Username, cfg.IMAP.Host, password)
		},
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.NewLogger(os.Stderr, cfg.LogLevel)
	client, closeClient, err := openClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeClient()

	p := pipeline.New(client, logger)
	p.Progress = progress.New(os.Stderr)
	if cfg.Cache.Enabled {
		path := cfg.Cache.Path
		if path == "" {
			if path, err = cache.DefaultPath(); err != nil {
				return err
			}
		}
		store, err := cache.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		p.Cache = store
	}

	res, err := p.Run(ctx, pipeline.Options{TopN: cfg.Top, Account: cfg.Account()})
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	rep := report.FromResult(cfg.Account(), res, time.Now())
	renderer := report.Renderer{
		Theme:   report.NewTheme(cfg.Theme.Bar, cfg.Theme.Header, cfg.Theme.Icon),
		Verbose: cfg.LogLevel == "debug",
	}
	if err := renderer.Render(rep, os.Stdout); err != nil {
		return fmt.Errorf("print report: %w", err)
	}
	if cfg.JSON == "" {
		return nil
	}
	return writeJSONFile(rep, cfg.JSON)
}

// writeJSONFile writes rep to path, already checked by config.Validate.
func writeJSONFile(rep report.Report, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := report.WriteJSON(rep, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write json: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func openClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mailbox.Client, func(), error) {
	if cfg.Backend == config.BackendIMAP {
		store, err := runtime.OpenPasswords(cfg.CredentialsDir)
		if err != nil {
			return nil, nil, err
		}
		password, err := store.Get(cfg.IMAP.Username, cfg.IMAP.Host)
		if err != nil {
			return nil, nil, err
		}
		client, err := runtime.DialIMAP(ctx, runtime.IMAPOptions{
			Host:     cfg.IMAP.Host,
			Port:     cfg.IMAP.Port,
			Username: cfg.IMAP.Username,
			Password: password,
			TLS:      cfg.IMAP.TLS,
			Mailbox:  cfg.IMAP.Mailbox,
			PageSize: cfg.PageSize,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = client.Close() }, nil
	}

	var provider runtime.CredentialProvider = runtime.TokenFileProvider{Dir: cfg.CredentialsDir, Logger: logger}
	if cfg.Auth == config.AuthGmailctl {
		provider = runtime.GmailctlProvider{Dir: cfg.CredentialsDir}
	}
	sess, err := provider.Session(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire credentials: %w", err)
	}

	var limiter rate.Limiter = rate.Unlimited{}
	stop := func() {}
	if cfg.RPS > 0 {
		bucket := rate.NewTokenBucket(cfg.RPS)
		limiter, stop = bucket, bucket.Stop
	}
	client := runtime.NewGmailClient(sess, runtime.GmailOptions{
		User:             cfg.User,
		PageSize:         cfg.PageSize,
		IncludeSpamTrash: cfg.IncludeSpamTrash,
		Limiter:          limiter,
		Logger:           logger,
	})
	return client, stop, nil
}
