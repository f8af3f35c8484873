package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/powerhive/minerctl/internal/config"
	"github.com/powerhive/minerctl/internal/fleet"
	"github.com/powerhive/minerctl/internal/logging"
	"github.com/powerhive/minerctl/internal/netutil"
	"github.com/powerhive/minerctl/internal/version"
	"github.com/powerhive/minerctl/pkg/detect"
	"github.com/powerhive/minerctl/pkg/inventory"
	"github.com/powerhive/minerctl/pkg/transport"
)

// Global flags
var (
	flagUsername    string
	flagPassword    string
	flagAskPassword bool
	flagFleet       string
	flagDB          string
	flagNoInventory bool
	flagConcurrency int
	flagTimeout     time.Duration
	flagLogLevel    string
	flagJSON        bool
)

var rootCmd = &cobra.Command{
	Use:   "minerctl",
	Short: "Detect, monitor and control ASIC miners",
	Long: `minerctl talks to Antminer, VNish, Whatsminer, Avalon, Minerva and Minera
devices through one interface.

Credentials come from --username/--password, MINERCTL_USERNAME and
MINERCTL_PASSWORD (a .env file is honoured), the fleet file, or an
interactive prompt with --ask-password.`,
	Example: `  minerctl scan 192.168.1.0/24
  minerctl status 192.168.1.10 --where 'temperature > 80'
  minerctl pools set 192.168.1.10 --pool stratum+tcp://pool:3333,worker,x
  minerctl serve --listen :8080`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(flagLogLevel)
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logging.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagUsername, "username", "u", "", "device username (default from MINERCTL_USERNAME)")
	flags.StringVarP(&flagPassword, "password", "p", "", "device password (default from MINERCTL_PASSWORD)")
	flags.BoolVar(&flagAskPassword, "ask-password", false, "prompt for the device password")
	flags.StringVarP(&flagFleet, "fleet", "f", "", "fleet file (.yaml or .toml, default from MINERCTL_FLEET)")
	flags.StringVar(&flagDB, "db", "", "inventory database (default from MINERCTL_DB)")
	flags.BoolVar(&flagNoInventory, "no-inventory", false, "do not read or write the inventory database")
	flags.IntVarP(&flagConcurrency, "concurrency", "c", 0, "hosts handled at once")
	flags.DurationVar(&flagTimeout, "timeout", 0, "per-request timeout (default from MINERCTL_REQUEST_TIMEOUT)")
	flags.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error (default from MINERCTL_LOG_LEVEL)")
	flags.BoolVar(&flagJSON, "json", false, "print JSON instead of text")
}

// app holds everything a command needs to reach devices.
type app struct {
	cfg        *config.Config
	fleet      *config.Fleet
	store      *inventory.Store
	transport  *transport.Client
	dispatcher *detect.Dispatcher
	manager    *fleet.Manager
	logger     *zap.Logger
}

// newApp merges configuration sources and opens the inventory.
func newApp() (*app, error) {
	cfg := config.LoadConfig()
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagAskPassword {
		password, err := promptPassword("Device password: ")
		if err != nil {
			return nil, err
		}
		cfg.Password = password
	}
	if flagFleet != "" {
		cfg.FleetPath = flagFleet
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagConcurrency > 0 {
		cfg.Concurrency = flagConcurrency
	}
	if flagTimeout > 0 {
		cfg.RequestTimeout = flagTimeout
	}

	a := &app{cfg: cfg, logger: logging.GetLogger()}

	if cfg.FleetPath != "" {
		f, err := config.LoadFleet(cfg.FleetPath)
		if err != nil {
			return nil, err
		}
		a.fleet = f
	}

	if !flagNoInventory {
		store, err := inventory.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		a.store = store
	}

	tc, err := transport.New(
		transport.WithConnectTimeout(cfg.ConnectTimeout),
		transport.WithRequestTimeout(cfg.RequestTimeout),
		transport.WithLogger(a.logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.transport = tc
	a.dispatcher = detect.NewDispatcher(tc)

	opts := []fleet.Option{
		fleet.WithFleet(a.fleet),
		fleet.WithCredentials(cfg.Username, cfg.Password),
		fleet.WithConcurrency(cfg.Concurrency),
		fleet.WithLogger(a.logger.Named("fleet")),
	}
	if a.store != nil {
		opts = append(opts, fleet.WithStore(a.store))
	}
	a.manager = fleet.NewManager(a.dispatcher, opts...)
	return a, nil
}

// Close releases the inventory.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close inventory", zap.Error(err))
		}
	}
}

func (a *app) scanner() *detect.Scanner {
	return detect.NewScanner(a.dispatcher, detect.WithConcurrency(a.cfg.Concurrency))
}

// hosts expands host arguments (hosts, CIDR blocks or ranges). With no
// arguments it falls back to the fleet file and then to the inventory.
func (a *app) hosts(ctx context.Context, args []string) ([]string, error) {
	if len(args) > 0 {
		return netutil.ParseTargets(args)
	}
	if hosts := a.fleet.Addresses(); len(hosts) > 0 {
		return hosts, nil
	}
	if a.store != nil {
		devices, err := a.store.ListDevices(ctx, inventory.Filter{})
		if err != nil {
			return nil, err
		}
		hosts := make([]string, len(devices))
		for i, d := range devices {
			hosts[i] = d.Host
		}
		if len(hosts) > 0 {
			return hosts, nil
		}
	}
	return nil, fmt.Errorf("no hosts given and none known from the fleet file or inventory")
}

// withApp wraps a command body with app setup and teardown.
func withApp(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd, a, args)
	}
}
