package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gwics/internal/attach"
	"gwics/internal/config"
	"gwics/internal/export"
	"gwics/internal/ical"
	appLog "gwics/internal/log"
	"gwics/internal/snapshot"
	"gwics/internal/source"
	"gwics/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	diff       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	loader := snapshot.NewLoader(filepath.Join(filepath.Dir(conf.Output), "snapshot-cache"))

	if flags.diff {
		if flag.NArg() != 2 {
			fmt.Fprintln(os.Stderr, "usage: gwics -diff <old> <new>")
			os.Exit(2)
		}
		if err := runDiff(ctx, loader, conf, flag.Arg(0), flag.Arg(1)); err != nil {
			appLog.Error("diff failed", err)
			os.Exit(1)
		}
		return
	}

	appLog.Info("gwics starting", "version", "0.1.0")
	appLog.Info("effective config",
		"listen", conf.Listen,
		"mail_dir", conf.MailDir,
		"imap", conf.IMAP != nil,
		"output", conf.Output,
		"attachments_dir", conf.AttachmentsDir,
		"public_url", conf.PublicURL,
		"record_id_property", conf.RecordIDProperty,
		"refresh", conf.RefreshCron,
		"once", flags.once,
	)

	store := attach.NewStore(conf.AttachmentsDir, conf.PublicURL)
	runnerCfg := export.RunnerConfig{
		Output:           conf.Output,
		ProductID:        conf.ProductID,
		RecordIDProperty: conf.RecordIDProperty,
		Location:         time.Local,
	}

	if flags.once {
		runner := export.NewRunner(messageSource(conf), store, loader, runnerCfg, nil)
		if _, err := runner.RunOnce(ctx); err != nil {
			appLog.Error("export failed", err)
			os.Exit(1)
		}
		return
	}

	// The server is created first so it can be the runner's publisher; the
	// refresher is attached through a small indirection.
	var runner *export.Runner
	refresh := refresherFunc(func(ctx context.Context) (*export.Report, error) {
		return runner.RunOnce(ctx)
	})
	srv := web.NewServer(conf, store.Dir(), refresh)
	runner = export.NewRunner(messageSource(conf), store, loader, runnerCfg, srv)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := runner.Start(ctx, conf.RefreshCron); err != nil {
			appLog.Error("scheduler failed", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := web.StartServer(ctx, conf, srv); err != nil {
			appLog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")
	wg.Wait()
	appLog.Info("gwics exiting")
}

// messageSource picks the IMAP mailbox when configured, the mail
// directory otherwise.
func messageSource(conf *config.Config) source.MessageSource {
	if conf.IMAP != nil {
		return source.NewIMAP(source.IMAPOptions{
			Addr:     conf.IMAP.Addr,
			Username: conf.IMAP.Username,
			Password: conf.IMAP.Password,
			Mailbox:  conf.IMAP.Mailbox,
			Insecure: conf.IMAP.Insecure,
		})
	}
	return source.NewDir(conf.MailDir)
}

type refresherFunc func(ctx context.Context) (*export.Report, error)

func (f refresherFunc) RunOnce(ctx context.Context) (*export.Report, error) {
	return f(ctx)
}

// runDiff prints the diff of two serialized calendars as JSON.
func runDiff(ctx context.Context, loader *snapshot.Loader, conf *config.Config, oldLoc, newLoc string) error {
	load := func(location string) (*ical.Calendar, error) {
		res, err := loader.Load(ctx, location)
		if err != nil {
			return nil, err
		}
		return ical.Parse(res.Body, ical.ParseOptions{RecordIDProperty: conf.RecordIDProperty})
	}

	origin, err := load(oldLoc)
	if err != nil {
		return err
	}
	dest, err := load(newLoc)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(origin.Diff(dest).Summary())
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/gwics/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one export and exit")
	flag.BoolVar(&cfg.diff, "diff", false, "Print the diff of two calendar snapshots (files or URLs) and exit")

	flag.Parse()

	return cfg
}
