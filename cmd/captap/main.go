// Command captap runs the MITM interception proxy: it terminates client
// TLS connections using a locally-minted CA, forwards requests upstream,
// records every exchange in the traffic store, and optionally serves a
// query API/event stream and a live console trace.
//
// Command wiring follows the teacher's cmd/reqtap/main.go: cobra root
// command, viper-bound persistent flags overriding the YAML config, a
// startup banner, then a blocking run until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/captap/captap/internal/bridge"
	"github.com/captap/captap/internal/ca"
	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/console"
	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/internal/proxy"
	"github.com/captap/captap/internal/store"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "captap",
	Short: "MITM HTTP/HTTPS interception proxy",
	Long: `captap is an HTTP/HTTPS intercepting proxy for local development and
debugging. It mints per-hostname TLS certificates under a local CA,
decrypts and records every request/response exchange, and exposes the
captured traffic through a query API, a websocket event stream, and a
live console trace.
`,
	RunE: runProxy,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("captap version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "proxy listen port")
	rootCmd.PersistentFlags().String("host", "", "proxy listen host")
	rootCmd.PersistentFlags().Bool("enable-https", true, "intercept HTTPS via TLS termination (false = raw CONNECT tunnel)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().Bool("log-file-enable", false, "enable rotating file logging")
	rootCmd.PersistentFlags().String("log-file-path", "", "log file path")
	rootCmd.PersistentFlags().Bool("api-enable", true, "enable the query API and event stream")
	rootCmd.PersistentFlags().String("api-host", "", "query API listen host")
	rootCmd.PersistentFlags().Int("api-port", 0, "query API listen port")
	rootCmd.PersistentFlags().String("ca-dir", "", "directory holding the root CA key/certificate")
	rootCmd.PersistentFlags().Bool("console-trace", true, "print a live trace line for every completed exchange")

	bindFlags(rootCmd)
	rootCmd.AddCommand(versionCmd)
}

func bindFlags(cmd *cobra.Command) {
	viper.BindPFlag("proxy.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("proxy.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("proxy.enable_https", cmd.Flags().Lookup("enable-https"))
	viper.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))
	viper.BindPFlag("log.file_logging.enable", cmd.Flags().Lookup("log-file-enable"))
	viper.BindPFlag("log.file_logging.path", cmd.Flags().Lookup("log-file-path"))
	viper.BindPFlag("api.enable", cmd.Flags().Lookup("api-enable"))
	viper.BindPFlag("api.host", cmd.Flags().Lookup("api-host"))
	viper.BindPFlag("api.port", cmd.Flags().Lookup("api-port"))
	viper.BindPFlag("ca.dir", cmd.Flags().Lookup("ca-dir"))
	viper.BindPFlag("output.console_trace", cmd.Flags().Lookup("console-trace"))
}

func runProxy(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.LoadConfig(configPath, viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if port, err := cmd.Flags().GetInt("port"); err == nil && port != 0 {
		cfg.Proxy.Port = port
	}
	if host, err := cmd.Flags().GetString("host"); err == nil && host != "" {
		cfg.Proxy.Host = host
	}
	if cmd.Flags().Changed("enable-https") {
		cfg.Proxy.EnableHTTPS, _ = cmd.Flags().GetBool("enable-https")
	}
	if level, err := cmd.Flags().GetString("log-level"); err == nil && level != "" {
		cfg.Log.Level = level
	}
	if cmd.Flags().Changed("log-file-enable") {
		cfg.Log.FileLogging.Enable, _ = cmd.Flags().GetBool("log-file-enable")
	}
	if path, err := cmd.Flags().GetString("log-file-path"); err == nil && path != "" {
		cfg.Log.FileLogging.Path = path
	}
	if cmd.Flags().Changed("api-enable") {
		cfg.API.Enable, _ = cmd.Flags().GetBool("api-enable")
	}
	if host, err := cmd.Flags().GetString("api-host"); err == nil && host != "" {
		cfg.API.Host = host
	}
	if port, err := cmd.Flags().GetInt("api-port"); err == nil && port != 0 {
		cfg.API.Port = port
	}
	if dir, err := cmd.Flags().GetString("ca-dir"); err == nil && dir != "" {
		cfg.CA.Dir = dir
	}
	if cmd.Flags().Changed("console-trace") {
		cfg.Output.ConsoleTrace, _ = cmd.Flags().GetBool("console-trace")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Console: true,
		FileLogging: logger.FileConfig{
			Enable:     cfg.Log.FileLogging.Enable,
			Path:       cfg.Log.FileLogging.Path,
			MaxSizeMB:  cfg.Log.FileLogging.MaxSizeMB,
			MaxBackups: cfg.Log.FileLogging.MaxBackups,
			MaxAgeDays: cfg.Log.FileLogging.MaxAgeDays,
			Compress:   cfg.Log.FileLogging.Compress,
		},
	})

	certStore := ca.NewCertStore(cfg.CA.Dir, cfg.CA.Organization, cfg.CA.CommonName, log)
	root, err := certStore.LoadOrInitialize()
	if err != nil {
		return fmt.Errorf("initialize root CA: %w", err)
	}
	minter := ca.NewCertMinter(root, cfg.CA.LeafCacheSize)

	st, err := store.New(cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open traffic store: %w", err)
	}
	defer st.Close()

	if err := st.SetSetting("root_ca_pem", string(ca.ReadPEM(root))); err != nil {
		log.Warn("persist root CA PEM setting failed", "err", err)
	}

	bus := eventbus.New(eventbus.DefaultBufferSize)
	defer bus.Close()

	engine := proxy.New(cfg.Proxy, root, minter, st, bus, log.With("component", "proxy"))
	if err := engine.Start(); err != nil {
		return fmt.Errorf("start proxy engine: %w", err)
	}

	var bridgeSvc *bridge.Service
	if cfg.API.Enable {
		bridgeSvc = bridge.New(cfg.API, st, bus, log.With("component", "bridge"))
		if err := bridgeSvc.Start(); err != nil {
			return fmt.Errorf("start bridge API: %w", err)
		}
	}

	if cfg.Output.ConsoleTrace {
		go console.New(log.With("component", "console")).Run(bus)
	}

	printStartupBanner(cfg, log)

	waitForShutdown(log, engine, bridgeSvc)
	return nil
}

func waitForShutdown(log logger.Logger, engine *proxy.Engine, bridgeSvc *bridge.Service) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := engine.Stop(); err != nil {
		log.Error("proxy engine shutdown error", "err", err)
	}
	if bridgeSvc != nil {
		if err := bridgeSvc.Stop(); err != nil {
			log.Error("bridge shutdown error", "err", err)
		}
	}
	log.Info("captap exited")
}

func printStartupBanner(cfg *config.Config, log logger.Logger) {
	mode := "TLS interception"
	if !cfg.Proxy.EnableHTTPS {
		mode = "raw tunnel (no interception)"
	}

	lines := []string{
		fmt.Sprintf("captap v%s", version),
		"",
		fmt.Sprintf("Proxy:    %s:%d (%s)", cfg.Proxy.Host, cfg.Proxy.Port, mode),
		fmt.Sprintf("CA dir:   %s", cfg.CA.Dir),
		fmt.Sprintf("Storage:  %s", cfg.Storage.Path),
	}
	if cfg.API.Enable {
		lines = append(lines, fmt.Sprintf("API:      http://%s:%d", cfg.API.Host, cfg.API.Port))
	} else {
		lines = append(lines, "API:      disabled")
	}
	lines = append(lines, fmt.Sprintf("Log level: %s", cfg.Log.Level), "", "(press Ctrl+C to stop)")

	width := 0
	for _, l := range lines {
		if len(l) > width {
			width = len(l)
		}
	}
	width += 4
	if width < 40 {
		width = 40
	}

	fmt.Println()
	fmt.Println("+" + strings.Repeat("-", width-2) + "+")
	for _, l := range lines {
		fmt.Printf("| %-*s |\n", width-4, l)
	}
	fmt.Println("+" + strings.Repeat("-", width-2) + "+")
	fmt.Println()

	log.Info("captap starting",
		"version", version,
		"proxy_addr", fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
		"https_intercept", cfg.Proxy.EnableHTTPS,
		"api_enable", cfg.API.Enable,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
