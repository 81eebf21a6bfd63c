// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net/http"

	"github.com/LeeDigitalWorks/blocknet/pkg/api/proxyapi"
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/proxy"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
	"github.com/LeeDigitalWorks/blocknet/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ProxyServerOpts holds all configuration for the proxy server.
type ProxyServerOpts struct {
	BindAddr  string
	DebugPort int

	FleetFile string
	ServerID  string
	SignerID  string

	// OriginURL is the base URL of the web server used to fill cache
	// misses.
	OriginURL string
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start proxy server",
	Long: `Start a BlockNet proxy server that serves block downloads from a
local cache and fills misses from the origin web server.`,
	Run: runProxyServer,
}

func init() {
	rootCmd.AddCommand(proxyCmd)

	f := proxyCmd.Flags()

	f.String("bind_addr", "0.0.0.0:8082", "Address to bind the API server (host:port)")
	f.Int("debug_port", 8092, "Debug/metrics HTTP port")

	f.String("fleet_file", "servers.json", "Path to the fleet configuration file")
	f.String("server_id", "", "This server's id in the fleet. Required.")
	f.String("signer_id", "0", "Server id whose secret signs download tokens")
	f.String("origin_url", "", "Base URL of the origin web server. Required.")

	viper.BindPFlags(f)
}

func runProxyServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("proxy", false)
	f := NewFlagLoader(cmd)
	opts := ProxyServerOpts{
		BindAddr:  f.String("bind_addr"),
		DebugPort: f.Int("debug_port"),
		FleetFile: f.String("fleet_file"),
		ServerID:  f.String("server_id"),
		SignerID:  f.String("signer_id"),
		OriginURL: f.String("origin_url"),
	}
	if opts.OriginURL == "" {
		logger.Fatal().Msg("--origin_url is required")
	}

	debug.SetNotReady()

	fleet := loadFleet(opts.FleetFile, opts.ServerID)

	cache, err := proxy.New(fleet, opts.ServerID, opts.OriginURL)
	if err != nil {
		logger.Fatal().Err(err).Str("server_id", opts.ServerID).Msg("failed to create block cache")
	}
	tokens, err := user.NewTokenValidator(fleet, opts.SignerID)
	if err != nil {
		logger.Fatal().Err(err).Str("signer_id", opts.SignerID).Msg("failed to create token validator")
	}

	mux := http.NewServeMux()
	proxyapi.NewServer(mux, cache, tokens)

	bindHost, bindPort := splitBindAddr(opts.BindAddr)
	httpServer := startHTTPServer(mux, bindHost, bindPort)
	debugServer := startHTTPServer(debug.GetMux(), bindHost, opts.DebugPort)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	httpServer.Shutdown(cmd.Context())
	debugServer.Shutdown(cmd.Context())
}
