// Command netmgr runs the Network Manager registry binary: a Server
// Endpoint exposing /servers for server registration and /list for
// fleet queries, optionally mirroring fleet membership to Redis for
// other replicas to observe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqm4hep/netfabric/internal/config"
	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/netmgr"
	"github.com/dqm4hep/netfabric/internal/server"
)

var (
	logLevel    string
	logPretty   bool
	redisAddr   string
	shutdownSec int
)

var rootCmd = &cobra.Command{
	Use:   "netmgr [port]",
	Short: "Run the networking fabric's Network Manager registry",
	Long: `netmgr hosts the fleet registry that Server Endpoints register
themselves against over the /servers route and clients query via /list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNetMgr,
}

func init() {
	amb := config.LoadAmbient()
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", amb.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "log-pretty", amb.LogPretty, "use human-readable console logging")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", amb.RedisAddr, "optional Redis address for fleet mirroring (empty disables it)")
	rootCmd.PersistentFlags().IntVar(&shutdownSec, "shutdown-timeout", amb.ShutdownTimeoutSec, "seconds to wait for in-flight requests to drain on shutdown")
}

func runNetMgr(cmd *cobra.Command, args []string) error {
	logger.Initialize(logLevel, logPretty)
	log := logger.NetworkManager()

	addr := config.ResolveNetMgrAddress()
	port := addr.Port
	if len(args) == 1 {
		p, err := parsePort(args[0])
		if err != nil {
			return err
		}
		port = p
	}

	srv := server.New(nil)
	srv.SetShutdownTimeout(time.Duration(shutdownSec) * time.Second)
	mgr := netmgr.New(srv)

	if redisAddr != "" {
		mirror, err := netmgr.NewRedisMirror(netmgr.RedisMirrorConfig{Addr: redisAddr})
		if err != nil {
			return fmt.Errorf("connecting fleet mirror: %w", err)
		}
		defer mirror.Close()
		mgr.SetMirror(mirror)

		watchCtx, cancelWatch := context.WithCancel(context.Background())
		defer cancelWatch()
		go mirror.Watch(watchCtx, mgr.ApplyRemote)

		log.Info().Str("addr", redisAddr).Msg("fleet mirroring enabled")
	}

	if err := mgr.Bind(netcore.BindConfig{Port: port, EnableHTTP: true, EnableWebsockets: true}); err != nil {
		return fmt.Errorf("binding network manager: %w", err)
	}
	log.Info().Int("port", port).Msg("network manager listening")

	waitForShutdown()
	log.Info().Msg("shutting down network manager")
	mgr.Stop()
	return nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil || port <= 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
