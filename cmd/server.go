// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/topology"
	"github.com/LeeDigitalWorks/blocknet/pkg/utils"
)

// loadFleet loads the fleet file and resolves this process's server record.
// Every server command needs both or cannot run at all.
func loadFleet(fleetFile, serverID string) *topology.Fleet {
	if fleetFile == "" {
		logger.Fatal().Msg("--fleet_file is required")
	}
	if serverID == "" {
		logger.Fatal().Msg("--server_id is required")
	}
	fleet, err := topology.LoadFleetFromFile(utils.ResolvePath(fleetFile))
	if err != nil {
		logger.Fatal().Err(err).Str("fleet_file", fleetFile).Msg("failed to load fleet")
	}
	if _, err := fleet.ServerByID(serverID); err != nil {
		logger.Fatal().Err(err).Str("server_id", serverID).Msg("server not in fleet")
	}
	return fleet
}

func startHTTPServer(handler http.Handler, ip string, port int) *http.Server {
	listener, err := utils.NewListener(utils.JoinHostPort(ip, port), 0)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", utils.JoinHostPort(ip, port)).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGALRM, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
