// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net/http"

	"github.com/LeeDigitalWorks/blocknet/pkg/api/dataapi"
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/upload"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
	"github.com/LeeDigitalWorks/blocknet/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DataServerOpts holds all configuration for the data server.
type DataServerOpts struct {
	BindAddr  string
	DebugPort int

	FleetFile string
	ServerID  string
	SignerID  string
}

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Start data server",
	Long: `Start a BlockNet data server that verifies and stores uploaded
blocks and serves token-gated downloads for its shard.`,
	Run: runDataServer,
}

func init() {
	rootCmd.AddCommand(dataCmd)

	f := dataCmd.Flags()

	f.String("bind_addr", "0.0.0.0:8081", "Address to bind the API server (host:port)")
	f.Int("debug_port", 8091, "Debug/metrics HTTP port")

	f.String("fleet_file", "servers.json", "Path to the fleet configuration file")
	f.String("server_id", "", "This server's id in the fleet. Required.")
	f.String("signer_id", "0", "Server id whose secret signs download tokens")

	viper.BindPFlags(f)
}

func runDataServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("data", false)
	f := NewFlagLoader(cmd)
	opts := DataServerOpts{
		BindAddr:  f.String("bind_addr"),
		DebugPort: f.Int("debug_port"),
		FleetFile: f.String("fleet_file"),
		ServerID:  f.String("server_id"),
		SignerID:  f.String("signer_id"),
	}

	debug.SetNotReady()

	fleet := loadFleet(opts.FleetFile, opts.ServerID)

	verifier, err := upload.New(fleet, opts.ServerID)
	if err != nil {
		logger.Fatal().Err(err).Str("server_id", opts.ServerID).Msg("failed to create upload verifier")
	}
	tokens, err := user.NewTokenValidator(fleet, opts.SignerID)
	if err != nil {
		logger.Fatal().Err(err).Str("signer_id", opts.SignerID).Msg("failed to create token validator")
	}

	mux := http.NewServeMux()
	dataapi.NewServer(mux, verifier, tokens)

	bindHost, bindPort := splitBindAddr(opts.BindAddr)
	httpServer := startHTTPServer(mux, bindHost, bindPort)
	debugServer := startHTTPServer(debug.GetMux(), bindHost, opts.DebugPort)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	httpServer.Shutdown(cmd.Context())
	debugServer.Shutdown(cmd.Context())
}
