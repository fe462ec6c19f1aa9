// Package serve implements the "mcbpd serve" subcommand, grounded on the
// teacher's cmd/serve/root.go: flags bound through viper, environment
// variables loaded via godotenv, and a PreRunE/RunE split between
// assembling the typed configuration and running the daemon.
package serve

import (
	"fmt"
	"net"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mcbpdUtil "github.com/mcbpd/mcbpd/cmd/mcbpd/util"
	"github.com/mcbpd/mcbpd/internal/authmgr"
	"github.com/mcbpd/mcbpd/internal/commands"
	"github.com/mcbpd/mcbpd/internal/conn"
	"github.com/mcbpd/mcbpd/internal/rbac"
	"github.com/mcbpd/mcbpd/internal/reactor"
	"github.com/mcbpd/mcbpd/internal/statemachine"
	"github.com/mcbpd/mcbpd/pkg/config"
	"github.com/mcbpd/mcbpd/pkg/logging"
	"github.com/mcbpd/mcbpd/testing/memengine"
)

var log = logging.Get("serve")

var (
	serveCfg = config.DefaultServerConfig()
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start the mcbpd server",
		Long:    `Start the mcbpd server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is MCBPD_<flag> (e.g. MCBPD_REACTOR_THREADS=8).`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "listeners"
	ServeCmd.PersistentFlags().String(key, "default=0.0.0.0:11211,admin=0.0.0.0:11212:system",
		mcbpdUtil.WrapString("Comma-separated list of listeners. Format: NAME=ADDR[:system] where :system marks a quota-tracked admin listener"))

	key = "reactor-threads"
	ServeCmd.PersistentFlags().Int(key, serveCfg.ReactorThreads, mcbpdUtil.WrapString("Number of reactor threads in the worker pool"))

	key = "max-system-connections"
	ServeCmd.PersistentFlags().Int(key, serveCfg.MaxSystemConnections, mcbpdUtil.WrapString("Connection quota for system (admin) listeners"))

	key = "max-user-connections"
	ServeCmd.PersistentFlags().Int(key, serveCfg.MaxUserConnections, mcbpdUtil.WrapString("Connection quota for user-facing listeners"))

	key = "max-packet-size"
	ServeCmd.PersistentFlags().Int(key, serveCfg.MaxPacketSize, mcbpdUtil.WrapString("Maximum accepted request body size in bytes"))

	key = "privilege-debug"
	ServeCmd.PersistentFlags().Bool(key, false, mcbpdUtil.WrapString("Audit privilege failures instead of denying them (never enable in production)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, serveCfg.LogLevel, mcbpdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	listeners, err := config.ParseListeners(viper.GetString("listeners"))
	if err != nil {
		return err
	}
	serveCfg.Listeners = listeners
	serveCfg.ReactorThreads = viper.GetInt("reactor-threads")
	serveCfg.MaxSystemConnections = viper.GetInt("max-system-connections")
	serveCfg.MaxUserConnections = viper.GetInt("max-user-connections")
	serveCfg.MaxPacketSize = viper.GetInt("max-packet-size")
	serveCfg.PrivilegeDebug = viper.GetBool("privilege-debug")
	serveCfg.LogLevel = viper.GetString("log-level")

	if len(serveCfg.Listeners) == 0 {
		return fmt.Errorf("at least one listener must be configured")
	}

	return nil
}

// run starts the mcbpd server: a reactor pool, a static dispatch table,
// an in-memory default bucket, and one Dispatcher accept loop per
// configured listener (spec.md §4.5/§4.6).
func run(_ *cobra.Command, _ []string) error {
	logging.SetGlobalLevel(logging.ParseLevel(serveCfg.LogLevel))
	log.Infof("starting mcbpd\n%s", serveCfg.String())

	registry := memengine.NewRegistry()
	bucket := registry.Create("default")

	source := rbac.NewStaticSource(map[string][rbac.PrivCount]bool{
		"default": rbac.AllPrivileges(),
	})
	privMgr, err := rbac.NewManager(source, 1024, serveCfg.MaxPrivilegeRebuilds)
	if err != nil {
		return err
	}

	authMgr := authmgr.New(serveCfg.ActiveUserBroadcastInterval)
	authmgr.NewLoopbackProvider(authMgr, map[string]bool{"default": true})
	authMgr.Start()
	defer authMgr.Stop()

	table := commands.BuildTable()
	commands.RegisterSasl(table, authMgr)

	build := func(raw net.Conn) (*conn.Connection, *statemachine.Machine) {
		c := conn.New(raw, serveCfg.MaxPacketSize, serveCfg.Budgets, serveCfg)
		priv, err := rbac.New("default", "default", source)
		if err != nil {
			// StaticSource.Resolve never errors; a non-nil error here means
			// the configured Source implementation changed contract.
			log.Panicf("privilege context init failed: %v", err)
		}
		priv.SetDebug(serveCfg.PrivilegeDebug)
		c.Priv = priv
		m := statemachine.New(c, bucket, table, privMgr, source, false)
		m.PrivilegeDebug = serveCfg.PrivilegeDebug
		return c, m
	}

	reactors := make([]*reactor.ReactorThread, serveCfg.ReactorThreads)
	for i := range reactors {
		reactors[i] = reactor.NewReactorThread(i)
		go reactors[i].Run(build)
	}

	dispatcher := reactor.NewDispatcher(reactors, int64(serveCfg.MaxSystemConnections), int64(serveCfg.MaxUserConnections))

	errCh := make(chan error, len(serveCfg.Listeners))
	for _, lc := range serveCfg.Listeners {
		ln, err := net.Listen("tcp", lc.Endpoint)
		if err != nil {
			return fmt.Errorf("listen %s: %w", lc.Endpoint, err)
		}
		log.Infof("listening on %s (%s)", lc.Endpoint, lc.Name)
		go func(ln net.Listener, system bool) {
			errCh <- dispatcher.Serve(ln, system)
		}(ln, lc.System)
	}

	return <-errCh
}

// initConfig reads in serveCfg from the environment and any .env files,
// the same bootstrap sequence the teacher runs in cmd/serve/root.go.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("mcbpd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
