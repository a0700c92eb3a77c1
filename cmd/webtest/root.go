package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/editkit/webtest/cmd/config"
	"github.com/editkit/webtest/lib/browser"
	"github.com/editkit/webtest/lib/build"
	"github.com/editkit/webtest/lib/serve"
	"github.com/editkit/webtest/lib/session"
)

// options collects all CLI flags. Environment defaults from cmd/config fill
// in host, port and the update endpoint when the flags are left unset.
type options struct {
	browserName string
	headless    bool
	devtools    bool

	quality     string
	sourcesPath string

	extensionDevelopmentPath string
	extensionTestsPath       string
	extensionPaths           []string

	folderPath      string
	folderMountPath string

	host string
	port int

	debugPort     int
	hideServerLog bool
	permissions   []string
	browserArgs   []string
}

func newRootCmd(log *slog.Logger) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "webtest",
		Short:         "Run browser-hosted extension tests against a served editor build",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			applyEnvDefaults(cmd, opts, env)
			if err := validateOptions(opts); err != nil {
				return err
			}
			resolveHeadlessDefault(cmd, opts)
			return run(cmd.Context(), log, opts, env)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.browserName, "browser", string(browser.Chromium), "browser engine: chromium, firefox or webkit")
	f.BoolVar(&opts.headless, "headless", true, "run the browser without a visible window")
	f.BoolVar(&opts.devtools, "open-devtools", false, "open devtools alongside the page (chromium only)")
	f.StringVar(&opts.quality, "quality", build.QualityStable, "build quality channel: stable or insider")
	f.StringVar(&opts.sourcesPath, "sourcesPath", "", "serve the editor from this source tree instead of a packaged build")
	f.StringVar(&opts.extensionDevelopmentPath, "extensionDevelopmentPath", "", "path of the extension under development")
	f.StringVar(&opts.extensionTestsPath, "extensionTestsPath", "", "path of the test module; enables test mode")
	f.StringSliceVar(&opts.extensionPaths, "extensionPath", nil, "additional extension folders to serve (repeatable)")
	f.StringVar(&opts.folderPath, "folder-path", "", "local folder to mount as the workspace")
	f.StringVar(&opts.folderMountPath, "folder-mount-path", "", "mount point of the workspace folder")
	f.StringVar(&opts.host, "host", "", "host the session server binds to")
	f.IntVar(&opts.port, "port", 0, "port the session server binds to")
	f.IntVar(&opts.debugPort, "waitForDebugger", 0, "remote debugging port; navigation waits for harness readiness")
	f.BoolVar(&opts.hideServerLog, "hideServerLog", false, "suppress per-request server logging")
	f.StringSliceVar(&opts.permissions, "permission", nil, "permission to grant the browsing context (repeatable)")
	f.StringSliceVar(&opts.browserArgs, "browser-arg", nil, "extra argument passed to the browser (repeatable)")

	cmd.AddCommand(newInstallCmd())
	return cmd
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install [engine...]",
		Short: "Download the playwright driver and browser bundles",
		RunE: func(cmd *cobra.Command, args []string) error {
			engines := args
			if len(engines) == 0 {
				engines = []string{string(browser.Chromium)}
			}
			return browser.Install(engines...)
		},
	}
}

func applyEnvDefaults(cmd *cobra.Command, opts *options, env *config.Config) {
	if !cmd.Flags().Changed("host") {
		opts.host = env.Host
	}
	if !cmd.Flags().Changed("port") {
		opts.port = env.Port
	}
}

func validateOptions(opts *options) error {
	if _, err := browser.ParseEngine(opts.browserName); err != nil {
		return err
	}
	if opts.sourcesPath == "" && opts.quality != build.QualityStable && opts.quality != build.QualityInsider {
		return fmt.Errorf("invalid quality %q (expected %s or %s)", opts.quality, build.QualityStable, build.QualityInsider)
	}
	for _, p := range append([]string{opts.extensionDevelopmentPath, opts.extensionTestsPath, opts.folderPath, opts.sourcesPath}, opts.extensionPaths...) {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("path does not exist: %s", p)
		}
	}
	if opts.port < 0 || opts.port > 65535 {
		return fmt.Errorf("invalid port %d", opts.port)
	}
	return nil
}

// resolveHeadlessDefault implements the headless default policy: headless
// unless driving interactively or debugging, but an explicit --headless flag
// always wins.
func resolveHeadlessDefault(cmd *cobra.Command, opts *options) {
	if cmd.Flags().Changed("headless") {
		return
	}
	opts.headless = opts.extensionTestsPath != "" && opts.debugPort == 0 && !opts.devtools
}

func run(ctx context.Context, log *slog.Logger, opts *options, env *config.Config) error {
	cacheDir := env.CacheDir
	if cacheDir == "" {
		var err error
		if cacheDir, err = build.DefaultCacheDir(); err != nil {
			return err
		}
	}
	resolver := build.NewResolver(cacheDir)
	resolver.UpdateURL = env.UpdateURL

	qualityOrPath := opts.quality
	if opts.sourcesPath != "" {
		qualityOrPath = opts.sourcesPath
	}
	desc, err := resolver.Resolve(ctx, qualityOrPath)
	if err != nil {
		return fmt.Errorf("resolve build: %w", err)
	}

	starter := session.ServerStarterFunc(func(ctx context.Context, cfg session.Config) (session.ServerHandle, error) {
		srv := serve.New(log, serve.Options{
			Build:                    cfg.Build,
			ExtensionDevelopmentPath: cfg.ExtensionDevelopmentPath,
			ExtensionTestsPath:       cfg.ExtensionTestsPath,
			ExtensionPaths:           cfg.ExtensionPaths,
			FolderPath:               cfg.FolderPath,
			FolderMountPath:          cfg.FolderMountPath,
			HideServerLog:            cfg.HideServerLog,
		})
		if err := srv.Start(cfg.Host, cfg.Port); err != nil {
			return nil, err
		}
		return srv, nil
	})

	runner := session.NewRunner(starter, browser.NewDriver(log))

	cfg := session.Config{
		Build:                    desc,
		Host:                     opts.host,
		Port:                     opts.port,
		ExtensionDevelopmentPath: opts.extensionDevelopmentPath,
		ExtensionTestsPath:       opts.extensionTestsPath,
		ExtensionPaths:           opts.extensionPaths,
		FolderPath:               opts.folderPath,
		FolderMountPath:          opts.folderMountPath,
		Permissions:              opts.permissions,
		HideServerLog:            opts.hideServerLog,
	}
	launch := session.LaunchOptions{
		Engine:    opts.browserName,
		Headless:  opts.headless,
		Devtools:  opts.devtools,
		ExtraArgs: opts.browserArgs,
		DebugPort: opts.debugPort,
	}

	if opts.extensionTestsPath != "" {
		return runner.RunToCompletion(ctx, cfg, launch)
	}

	s, err := runner.OpenInteractive(ctx, cfg, launch)
	if err != nil {
		return err
	}
	log.Info("session open; press Ctrl-C to end it")
	<-ctx.Done()
	s.Dispose()
	return nil
}
