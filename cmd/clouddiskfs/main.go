// clouddiskfs mounts the Cloud Disk virtual filesystem. Each configured
// bundle appears as a directory under the mount point; file content is
// served from the local cache and, when absent, streamed from the cloud
// drive.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/clouddiskfs/clouddiskfs/internal/adapter"
	"github.com/clouddiskfs/clouddiskfs/internal/config"
	"github.com/clouddiskfs/clouddiskfs/pkg/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	mountPoint string
	storage    string
	userID     int
	bundles    []string
	logLevel   string
}

func parseFlags(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("clouddiskfs", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configFile, "config", "", "path to YAML configuration file")
	flagSet.StringVar(&opts.mountPoint, "mount", "", "mount point (overrides mount.mount_point)")
	flagSet.StringVar(&opts.storage, "storage", "", "storage URI: s3://bucket or mem://")
	flagSet.IntVar(&opts.userID, "user", -1, "user id owning the mounted bundles")
	flagSet.StringArrayVar(&opts.bundles, "bundle", nil, "bundle to expose (repeatable)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: clouddiskfs [flags]\n\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return &opts, nil
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(opts *options) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if opts.configFile != "" {
		if err := cfg.LoadFromFile(opts.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if opts.mountPoint != "" {
		cfg.Mount.MountPoint = opts.mountPoint
	}
	if opts.userID >= 0 {
		cfg.Mount.UserID = opts.userID
	}
	if len(opts.bundles) > 0 {
		cfg.Mount.Bundles = opts.bundles
	}
	if opts.logLevel != "" {
		cfg.Global.LogLevel = opts.logLevel
	}
	if opts.storage != "" {
		if err := adapter.ApplyStorageURI(cfg, opts.storage); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, closer, err := utils.SetupLogging(cfg.Global.LogLevel, cfg.Global.LogFile, cfg.Global.LogFormat)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background())
		return err
	}

	unmounted := make(chan struct{})
	go func() {
		a.Wait()
		close(unmounted)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, unmounting")
	case <-unmounted:
		logger.Info("filesystem unmounted externally")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Stop(shutdownCtx)
}
