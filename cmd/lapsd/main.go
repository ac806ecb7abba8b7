package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LAPS-Group/laps/pkg/api"
	"github.com/LAPS-Group/laps/pkg/broker"
	"github.com/LAPS-Group/laps/pkg/buildlog"
	"github.com/LAPS-Group/laps/pkg/client"
	"github.com/LAPS-Group/laps/pkg/config"
	"github.com/LAPS-Group/laps/pkg/dispatcher"
	"github.com/LAPS-Group/laps/pkg/log"
	"github.com/LAPS-Group/laps/pkg/mapstore"
	"github.com/LAPS-Group/laps/pkg/metrics"
	"github.com/LAPS-Group/laps/pkg/packager"
	"github.com/LAPS-Group/laps/pkg/runtime"
	"github.com/LAPS-Group/laps/pkg/supervisor"
	"github.com/LAPS-Group/laps/pkg/types"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "lapsd",
	Short:   "lapsd - pathfinding job dispatch backend",
	Long:    `lapsd serves LAPS's map storage, module supervisor, and job dispatch API, and doubles as the CLI for driving a running instance.`,
	Version: Version,
}

var cfgFile string

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("lapsd version %s\ncommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML config file (optional, overridden by LAPS_* env vars)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Force JSON log output")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(moduleCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(hashPasswordCmd)
}

// hashPasswordCmd produces a LAPS_ADMIN_PASSWORD_HASH value from a
// plaintext password, so operators never have to hand-encode Argon2id.
var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password PASSWORD",
	Short: "Generate an Argon2id hash for LAPS_ADMIN_PASSWORD_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		fmt.Println(api.HashPassword(args[0], salt))
		return nil
	},
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	base := config.Default()
	if cfgFile != "" {
		fileCfg, err := config.FromFile(cfgFile)
		if err != nil {
			return config.Config{}, err
		}
		base = fileCfg
	}
	cfg := config.FromEnv(base)

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetBool("log-json"); v {
		cfg.LogJSON = true
	}
	return cfg, nil
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	if level == "" {
		level = os.Getenv("LAPS_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOut,
	})
}

// serveCmd runs lapsd's full API server: broker, map store, module
// supervisor, dispatcher and packager wired together behind pkg/api.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the lapsd API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
			cfg.ListenAddr = addr
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := log.Component("lapsd")

		shimBytes, err := os.ReadFile(cfg.ShimPath)
		if err != nil {
			return fmt.Errorf("read shim binary at %s: %w", cfg.ShimPath, err)
		}

		br := broker.NewRedis(cfg.BrokerAddr, 0)
		defer br.Close()

		rt, err := runtime.NewContainerd(cfg.ContainerdSocket)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}

		maps := mapstore.New(br, mapstore.TIFFConverter{}, cfg.MaxRasterPixels)

		supCfg := supervisor.DefaultConfig()
		supCfg.RegistryPrefix = cfg.RegistryPrefix
		supCfg.BrokerAddr = cfg.BrokerAddr
		sup := supervisor.New(rt, br, supCfg)

		pkgCfg := packager.DefaultConfig()
		pkgCfg.RegistryPrefix = cfg.RegistryPrefix
		pkg := packager.New(rt, pkgCfg, shimBytes)

		dispCfg := dispatcher.DefaultConfig()
		dispCfg.JobTTL = cfg.JobTTL
		dispCfg.MaxWait = cfg.MaxWait
		disp := dispatcher.New(br, sup, dispCfg)

		builds, err := buildlog.Open(cfg.BuildLogPath)
		if err != nil {
			return fmt.Errorf("open build log: %w", err)
		}
		defer builds.Close()

		auth, err := api.NewBasicAuthenticator(cfg.AdminUser, cfg.AdminPasswordHash)
		if err != nil {
			return fmt.Errorf("configure admin authenticator: %w", err)
		}

		reconcileCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = sup.Reconcile(reconcileCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("reconcile supervisor state: %w", err)
		}
		logger.Info().Msg("supervisor reconciled against running containers")

		metrics.SetVersion(Version)
		metrics.RegisterComponent("broker", true, "connected")
		metrics.RegisterComponent("containerd", true, "connected")
		metrics.RegisterComponent("api", false, "starting")

		collector := metrics.NewCollector(sup)
		collector.Start()
		defer collector.Stop()

		server := api.NewServer(api.Deps{
			Maps:           maps,
			Supervisor:     sup,
			Packager:       pkg,
			Dispatcher:     disp,
			Builds:         builds,
			Auth:           auth,
			RegistryPrefix: cfg.RegistryPrefix,
		})

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()
		metrics.RegisterComponent("api", true, "ready")
		logger.Info().Str("addr", cfg.ListenAddr).Msg("lapsd listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("api server error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen-addr", "", "Override the configured listen address")
}

// newClient builds a pkg/client.Client against the --server flag, using
// admin credentials from the environment for routes that require them.
func newClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	user := os.Getenv("LAPS_ADMIN_USER")
	pass := os.Getenv("LAPS_ADMIN_PASSWORD")
	return client.New(addr, user, pass)
}

func addServerFlag(cmd *cobra.Command) {
	cmd.Flags().String("server", "127.0.0.1:8080", "lapsd address")
}

// Module commands

var moduleCmd = &cobra.Command{
	Use:   "module",
	Short: "Manage LAPS modules",
}

var moduleUploadCmd = &cobra.Command{
	Use:   "upload NAME VERSION TARFILE",
	Short: "Upload, build and start a module",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, version, tarPath := args[0], args[1], args[2]
		data, err := os.ReadFile(tarPath)
		if err != nil {
			return fmt.Errorf("read module tar: %w", err)
		}
		mod, err := newClient(cmd).UploadModule(name, version, data)
		if err != nil {
			return err
		}
		fmt.Printf("module built and started: %s:%s (%s)\n", mod.Name, mod.Version, mod.State)
		return nil
	},
}

var moduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered modules",
	RunE: func(cmd *cobra.Command, args []string) error {
		modules, err := newClient(cmd).ListModules()
		if err != nil {
			return err
		}
		if len(modules) == 0 {
			fmt.Println("no modules registered")
			return nil
		}
		fmt.Printf("%-20s %-12s %-10s %s\n", "NAME", "VERSION", "STATE", "MESSAGE")
		for _, m := range modules {
			fmt.Printf("%-20s %-12s %-10s %s\n", m.Name, m.Version, m.State, m.Message)
		}
		return nil
	},
}

var moduleStopCmd = &cobra.Command{
	Use:   "stop NAME VERSION",
	Short: "Stop a module's container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).StopModule(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("stopped")
		return nil
	},
}

var moduleRestartCmd = &cobra.Command{
	Use:   "restart NAME VERSION",
	Short: "Restart a module's container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).RestartModule(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("restarted")
		return nil
	},
}

var moduleDeleteCmd = &cobra.Command{
	Use:   "delete NAME VERSION",
	Short: "Remove a module entirely",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient(cmd).DeleteModule(args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

var moduleLogsCmd = &cobra.Command{
	Use:   "logs NAME VERSION",
	Short: "Tail a module's container output",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, err := newClient(cmd).ModuleLogs(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Print(tail)
		return nil
	},
}

func init() {
	moduleCmd.AddCommand(moduleUploadCmd, moduleListCmd, moduleStopCmd, moduleRestartCmd, moduleDeleteCmd, moduleLogsCmd)
	for _, c := range []*cobra.Command{moduleUploadCmd, moduleListCmd, moduleStopCmd, moduleRestartCmd, moduleDeleteCmd, moduleLogsCmd} {
		addServerFlag(c)
	}
}

// Map commands

var mapCmd = &cobra.Command{
	Use:   "map",
	Short: "Manage stored elevation maps",
}

var mapUploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Upload a GeoTIFF elevation map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read map file: %w", err)
		}
		id, err := newClient(cmd).UploadMap(args[0], data)
		if err != nil {
			return err
		}
		fmt.Printf("map uploaded: id=%d\n", id)
		return nil
	},
}

var mapListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored map IDs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := newClient(cmd).ListMaps()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no maps stored")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var mapDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a stored map",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid map id %q: %w", args[0], err)
		}
		if err := newClient(cmd).DeleteMap(id); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

func init() {
	mapCmd.AddCommand(mapUploadCmd, mapListCmd, mapDeleteCmd)
	for _, c := range []*cobra.Command{mapUploadCmd, mapListCmd, mapDeleteCmd} {
		addServerFlag(c)
	}
}

// Job commands

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and await pathfinding jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit MAP_ID MODULE VERSION START_X START_Y STOP_X STOP_Y",
	Short: "Submit a pathfinding job",
	Args:  cobra.ExactArgs(7),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mapID int64
		var startX, startY, stopX, stopY int
		if _, err := fmt.Sscanf(args[0], "%d", &mapID); err != nil {
			return fmt.Errorf("invalid map id: %w", err)
		}
		if _, err := fmt.Sscanf(args[3], "%d", &startX); err != nil {
			return fmt.Errorf("invalid start x: %w", err)
		}
		if _, err := fmt.Sscanf(args[4], "%d", &startY); err != nil {
			return fmt.Errorf("invalid start y: %w", err)
		}
		if _, err := fmt.Sscanf(args[5], "%d", &stopX); err != nil {
			return fmt.Errorf("invalid stop x: %w", err)
		}
		if _, err := fmt.Sscanf(args[6], "%d", &stopY); err != nil {
			return fmt.Errorf("invalid stop y: %w", err)
		}

		algo := types.ModuleKey{Name: args[1], Version: args[2]}
		token, err := newClient(cmd).SubmitJob(mapID, algo, types.Point{X: startX, Y: startY}, types.Point{X: stopX, Y: stopY})
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var jobAwaitCmd = &cobra.Command{
	Use:   "await TOKEN",
	Short: "Await a job's terminal result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		result, err := newClient(cmd).AwaitJob(args[0], wait)
		if err != nil {
			return err
		}
		if result == nil {
			fmt.Println("pending")
			return nil
		}
		if result.IsFailure() {
			fmt.Printf("failed (%s): %s\n", result.Kind, result.Failed)
			return nil
		}
		fmt.Printf("ok: %d points\n", len(result.Ok))
		for _, p := range result.Ok {
			fmt.Printf("  (%d, %d)\n", p.X, p.Y)
		}
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd, jobAwaitCmd)
	addServerFlag(jobSubmitCmd)
	addServerFlag(jobAwaitCmd)
	jobAwaitCmd.Flags().Duration("wait", 0, "Long-poll wait duration before giving up")
}
