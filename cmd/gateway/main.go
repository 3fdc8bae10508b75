// Command gateway runs the Service Forwarding Hub behind a Server
// Endpoint's /service route, multiplexing one upstream subscription
// per service name to any number of downstream subscribers.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqm4hep/netfabric/internal/config"
	"github.com/dqm4hep/netfabric/internal/hub"
	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/server"
)

var (
	logLevel     string
	logPretty    bool
	port         int
	upstreamHost string
	upstreamPort int
	natsURL      string
	nameWidth    int
	sweepCron    string
	shutdownSec  int
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the Service Forwarding Hub gateway",
	Long: `gateway hosts one or more services' forwarding state: each
subscribed service opens at most one upstream subscription, fanning
its payloads out to every downstream /service subscriber.`,
	RunE: runGateway,
}

func init() {
	amb := config.LoadAmbient()
	rootCmd.Flags().StringVar(&logLevel, "log-level", amb.LogLevel, "log level")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", amb.LogPretty, "use human-readable console logging")
	rootCmd.Flags().IntVar(&port, "port", 6000, "gateway listen port")
	rootCmd.Flags().StringVar(&upstreamHost, "upstream-host", "localhost", "host for websocket upstream subscriptions")
	rootCmd.Flags().IntVar(&upstreamPort, "upstream-port", 0, "port for websocket upstream subscriptions (0 disables the websocket upstream)")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", amb.NatsURL, "NATS URL for message-broker upstream subscriptions (empty disables it)")
	rootCmd.Flags().IntVar(&nameWidth, "name-width", amb.HubNameFieldWidth, "fixed width, in bytes, of the service-name field")
	rootCmd.Flags().StringVar(&sweepCron, "resubscribe-cron", "@every 30s", "cron spec for the deferred-resubscription sweep")
	rootCmd.Flags().IntVar(&shutdownSec, "shutdown-timeout", amb.ShutdownTimeoutSec, "seconds to wait for in-flight requests to drain on shutdown")
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger.Initialize(logLevel, logPretty)
	log := logger.Hub()

	var openUpstream hub.UpstreamFactory
	switch {
	case natsURL != "":
		nc, err := hub.DialNATS(natsURL)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()
		openUpstream = hub.NATSUpstreamFactory(nc)
		log.Info().Str("url", natsURL).Msg("forwarding from NATS upstream")
	case upstreamPort > 0:
		openUpstream = hub.WebsocketUpstreamFactory(upstreamHost, upstreamPort)
		log.Info().Str("host", upstreamHost).Int("port", upstreamPort).Msg("forwarding from websocket upstream")
	default:
		return fmt.Errorf("one of --nats-url or --upstream-port must be set")
	}

	srv := server.New(nil)
	srv.SetShutdownTimeout(time.Duration(shutdownSec) * time.Second)
	h := hub.New(srv, openUpstream, hub.WithNameFieldWidth(nameWidth))

	if err := h.StartResubscriptionSweep(sweepCron); err != nil {
		return fmt.Errorf("starting resubscription sweep: %w", err)
	}

	if err := h.Bind(netcore.BindConfig{Port: port, EnableWebsockets: true}); err != nil {
		return fmt.Errorf("binding gateway: %w", err)
	}
	log.Info().Int("port", port).Msg("gateway listening")

	waitForShutdown()
	log.Info().Msg("shutting down gateway")
	h.Stop()
	return nil
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
