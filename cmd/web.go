// Copyright 2025 BlockNet Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/LeeDigitalWorks/blocknet/pkg/api/webapi"
	"github.com/LeeDigitalWorks/blocknet/pkg/block"
	"github.com/LeeDigitalWorks/blocknet/pkg/debug"
	"github.com/LeeDigitalWorks/blocknet/pkg/logger"
	"github.com/LeeDigitalWorks/blocknet/pkg/registry"
	"github.com/LeeDigitalWorks/blocknet/pkg/upload"
	"github.com/LeeDigitalWorks/blocknet/pkg/user"
	"github.com/LeeDigitalWorks/blocknet/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WebServerOpts holds all configuration for the web server.
type WebServerOpts struct {
	BindAddr  string
	DebugPort int

	FleetFile string
	ServerID  string
	// SignerID names the server whose secret backs anon ids and download
	// tokens. All serving endpoints must agree on it.
	SignerID string

	Registry registry.Config

	// PublishRateLimit caps publish starts per second. Zero disables it.
	PublishRateLimit int

	// Reservation sweeping. Abandoned reservations block republication of
	// their block id until reaped.
	SweepInterval time.Duration
	SweepMaxAge   time.Duration
}

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Start web server",
	Long: `Start a BlockNet web server that orchestrates publishing, resolves
block locations, and manages users, credit, and replacements.`,
	Run: runWebServer,
}

func init() {
	rootCmd.AddCommand(webCmd)

	f := webCmd.Flags()

	f.String("bind_addr", "0.0.0.0:8080", "Address to bind the API server (host:port)")
	f.Int("debug_port", 8090, "Debug/metrics HTTP port")

	f.String("fleet_file", "servers.json", "Path to the fleet configuration file")
	f.String("server_id", "", "This server's id in the fleet. Required.")
	f.String("signer_id", "0", "Server id whose secret signs anon ids and download tokens")

	f.String("redis_addr", "localhost:6379", "Redis address (host:port)")
	f.String("redis_password", "", "Redis password")
	f.Int("redis_pool_size", 10, "Redis connection pool size per namespace")
	f.Int("redis_block_db_base", 1, "First Redis DB of the per-size-class block maps")
	f.Int("redis_credit_db", 8, "Redis DB for credit balances")
	f.Int("redis_user_db", 9, "Redis DB for user accounts")
	f.Int("redis_replace_db", 10, "Redis DB for replace entries")
	f.Int("redis_replace_token_db", 11, "Redis DB for replace tokens")

	f.Int("publish_rate_limit", 0, "Maximum publish starts per second (0 = unlimited)")

	f.Duration("sweep_interval", 5*time.Minute, "How often to sweep abandoned reservations (0 = disabled)")
	f.Duration("sweep_max_age", 10*time.Minute, "Age after which an uncommitted reservation is reaped")

	viper.BindPFlags(f)
}

func runWebServer(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("web", false)
	opts := loadWebOpts(cmd)

	debug.SetNotReady()

	fleet := loadFleet(opts.FleetFile, opts.ServerID)

	reg, err := registry.New(opts.Registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect registry")
	}

	users, err := user.New(fleet, reg, opts.SignerID)
	if err != nil {
		logger.Fatal().Err(err).Str("signer_id", opts.SignerID).Msg("failed to create user service")
	}

	mux := http.NewServeMux()
	api := webapi.NewServer(mux, fleet, reg, users)
	api.SetPublishRateLimit(opts.PublishRateLimit)

	sweepCtx, stopSweeper := context.WithCancel(cmd.Context())
	if opts.SweepInterval > 0 {
		go runReservationSweeper(sweepCtx, reg, opts.SweepInterval, opts.SweepMaxAge)
		logger.Info().
			Dur("interval", opts.SweepInterval).
			Dur("max_age", opts.SweepMaxAge).
			Msg("Started reservation sweeper")
	}

	bindHost, bindPort := splitBindAddr(opts.BindAddr)
	httpServer := startHTTPServer(mux, bindHost, bindPort)
	debugServer := startHTTPServer(debug.GetMux(), bindHost, opts.DebugPort)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	stopSweeper()
	httpServer.Shutdown(cmd.Context())
	debugServer.Shutdown(cmd.Context())
	if err := reg.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close registry")
	}
}

// runReservationSweeper periodically reaps reservations older than maxAge
// across all size classes. Ticks are jittered so a fleet of web servers
// does not scan the store in lockstep.
func runReservationSweeper(ctx context.Context, reg *registry.Registry, interval, maxAge time.Duration) {
	ticks, stop := utils.JitteredTicker(interval, 0.2)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
		}

		for class := range block.SizeClasses {
			reaped, err := reg.SweepReservations(ctx, class, maxAge, time.Now())
			if err != nil {
				logger.Warn().Err(err).Int("class", class).Msg("reservation sweep failed")
				continue
			}
			if reaped > 0 {
				logger.Info().Int("class", class).Int("reaped", reaped).Msg("Reaped abandoned reservations")
			}
		}
	}
}

func splitBindAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Fatal().Err(err).Str("bind_addr", addr).Msg("invalid bind_addr format, expected host:port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Fatal().Err(err).Str("bind_addr", addr).Msg("invalid bind_addr port")
	}
	return host, port
}

func loadWebOpts(cmd *cobra.Command) WebServerOpts {
	f := NewFlagLoader(cmd)

	return WebServerOpts{
		BindAddr:  f.String("bind_addr"),
		DebugPort: f.Int("debug_port"),
		FleetFile: f.String("fleet_file"),
		ServerID:  f.String("server_id"),
		SignerID:  f.String("signer_id"),
		Registry: registry.Config{
			Addr:           f.String("redis_addr"),
			Password:       f.String("redis_password"),
			PoolSize:       f.Int("redis_pool_size"),
			BlockDBBase:    f.Int("redis_block_db_base"),
			CreditDB:       f.Int("redis_credit_db"),
			UserDB:         f.Int("redis_user_db"),
			ReplaceDB:      f.Int("redis_replace_db"),
			ReplaceTokenDB: f.Int("redis_replace_token_db"),
		},
		PublishRateLimit: f.Int("publish_rate_limit"),
		SweepInterval:    f.Duration("sweep_interval"),
		SweepMaxAge:      maxSweepAge(f.Duration("sweep_max_age")),
	}
}

// maxSweepAge keeps the reap threshold comfortably above the upload
// signature window so an in-flight upload is never swept.
func maxSweepAge(age time.Duration) time.Duration {
	if age < 2*upload.SignatureMaxAge {
		logger.Warn().
			Dur("sweep_max_age", age).
			Msg("sweep_max_age too close to the upload window, raising it")
		return 2 * upload.SignatureMaxAge
	}
	return age
}
