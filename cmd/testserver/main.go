// Command testserver runs a bare Server Endpoint for manually
// exercising the HTTP dispatch and websocket publish contracts, with
// an optional self-registration against a Network Manager.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dqm4hep/netfabric/internal/client"
	"github.com/dqm4hep/netfabric/internal/config"
	"github.com/dqm4hep/netfabric/internal/logger"
	"github.com/dqm4hep/netfabric/internal/netcore"
	"github.com/dqm4hep/netfabric/internal/server"
)

const publishRoute = "/echo"

var (
	logLevel    string
	logPretty   bool
	serverName  string
	register    bool
	heartbeat   time.Duration
	shutdownSec int
)

var rootCmd = &cobra.Command{
	Use:   "testserver [port]",
	Short: "Run a Server Endpoint that echoes HTTP requests and websocket frames",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTestServer,
}

func init() {
	amb := config.LoadAmbient()
	rootCmd.Flags().StringVar(&logLevel, "log-level", amb.LogLevel, "log level")
	rootCmd.Flags().BoolVar(&logPretty, "log-pretty", amb.LogPretty, "use human-readable console logging")
	rootCmd.Flags().StringVar(&serverName, "name", "testserver", "server name to register under")
	rootCmd.Flags().BoolVar(&register, "register", false, "self-register with the Network Manager")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "send a heartbeat frame to the Network Manager at this interval (0 disables it, requires --register)")
	rootCmd.Flags().IntVar(&shutdownSec, "shutdown-timeout", amb.ShutdownTimeoutSec, "seconds to wait for in-flight requests to drain on shutdown")
}

func runTestServer(cmd *cobra.Command, args []string) error {
	logger.Initialize(logLevel, logPretty)
	log := logger.Server()

	port := 9000
	if len(args) == 1 {
		if _, err := fmt.Sscanf(args[0], "%d", &port); err != nil || port <= 0 {
			return fmt.Errorf("invalid port %q", args[0])
		}
	}

	srv := server.New(nil)
	srv.SetShutdownTimeout(time.Duration(shutdownSec) * time.Second)
	srv.Engine().GET(publishRoute, srv.ServeWebsocket)

	srv.OnHTTPRequest(func(msg netcore.HTTPMessage) netcore.HTTPResponse {
		return netcore.HTTPResponse{
			StatusCode:  200,
			ContentType: "text/plain",
			Body:        []byte(fmt.Sprintf("testserver: %s %s", msg.Method, msg.Route)),
		}
	})
	srv.OnMessage(func(conn netcore.Connection, frame netcore.WebsocketFrame) {
		srv.Send(conn, frame.Payload)
	})

	if err := srv.Bind(netcore.BindConfig{Port: port, EnableHTTP: true, EnableWebsockets: true}); err != nil {
		return fmt.Errorf("binding test server: %w", err)
	}
	log.Info().Int("port", port).Msg("test server listening")

	var regClient *client.Client
	var stopHeartbeat func()
	if register {
		regClient = client.New(nil)
		addr := config.ResolveNetMgrAddress()
		if err := regClient.ConnectWith(netcore.ConnectConfig{Host: addr.Host, Port: addr.Port, Route: "/servers"}); err != nil {
			return fmt.Errorf("connecting to network manager: %w", err)
		}
		regClient.OnConnect(func() {
			msg := map[string]any{
				"action":   "register",
				"server":   serverName,
				"host":     "localhost",
				"port":     port,
				"services": map[string]int{publishRoute: int(netcore.ServicePubSub)},
			}
			payload, _ := json.Marshal(msg)
			regClient.SendText(payload)
			log.Info().Str("name", serverName).Msg("registered with network manager")

			if heartbeat > 0 {
				stopHeartbeat = regClient.StartHeartbeat(heartbeat, func() []byte {
					hb, _ := json.Marshal(map[string]any{"action": "heartbeat", "server": serverName})
					return hb
				})
			}
		})
	}

	waitForShutdown()
	log.Info().Msg("shutting down test server")
	if stopHeartbeat != nil {
		stopHeartbeat()
	}
	if regClient != nil {
		regClient.Close()
	}
	srv.Stop()
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
