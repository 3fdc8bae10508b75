// Package logger provides the process-wide structured logger for the
// network fabric: a single zerolog.Logger configured once at startup,
// with per-component accessors so every package tags its entries
// consistently instead of reaching for the standard library log package.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the process-wide logger. Initialize must be called once before
// any component accessor is used; until then Log is zerolog's disabled
// default, so early logging calls are silently dropped rather than panic.
var Log zerolog.Logger

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "netfabric").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// EventLoop creates a logger for Event Loop poll-cycle events
func EventLoop() *zerolog.Logger {
	l := Log.With().Str("component", "eventloop").Logger()
	return &l
}

// Server creates a logger for Server Endpoint events
func Server() *zerolog.Logger {
	l := Log.With().Str("component", "server").Logger()
	return &l
}

// Client creates a logger for Client Endpoint events
func Client() *zerolog.Logger {
	l := Log.With().Str("component", "client").Logger()
	return &l
}

// NetworkManager creates a logger for Network Manager (registry) events
func NetworkManager() *zerolog.Logger {
	l := Log.With().Str("component", "netmgr").Logger()
	return &l
}

// Hub creates a logger for Service Forwarding Hub events
func Hub() *zerolog.Logger {
	l := Log.With().Str("component", "hub").Logger()
	return &l
}

// XMLConfig creates a logger for XML module configuration events
func XMLConfig() *zerolog.Logger {
	l := Log.With().Str("component", "xmlcfg").Logger()
	return &l
}
