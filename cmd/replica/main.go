// Command replica runs one replica of a secure value recovery quorum. It
// serves TLS with a key generated at startup, answers the attestation
// handshake with quotes bound to its name and that key, and keeps masked
// shares in memory.
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/tee-secure-value-recovery/api/replicahandler"
	"github.com/ruteri/tee-secure-value-recovery/cmd/flags"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/httpserver"
	"github.com/ruteri/tee-secure-value-recovery/metrics"
	"github.com/urfave/cli/v2"
)

var replicaFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for the replica API",
		EnvVars: []string{"SVR_LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:     "name",
		Required: true,
		Usage:    "replica name, bound into every attestation",
		EnvVars:  []string{"SVR_REPLICA_NAME"},
	},
	&cli.StringFlag{
		Name:    "attestation-type",
		Value:   cryptoutils.DCAPAttestation.StringID,
		Usage:   "quote type to produce: 'qemu-tdx' or 'dummy'",
		EnvVars: []string{"SVR_ATTESTATION_TYPE"},
	},
	&cli.StringFlag{
		Name:  "remote-attestation-addr",
		Usage: "fetch quotes from this attestation service instead of the local TDX device",
	},
	&cli.BoolFlag{
		Name:  "tls",
		Value: true,
		Usage: "serve TLS with a fresh key bound into every quote; plain http is only usable with dummy attestation",
	},
	&cli.StringFlag{
		Name:    "auth-secret",
		Usage:   "hex-encoded secret deriving per-user passwords, empty to accept any password",
		EnvVars: []string{"SVR_REPLICA_AUTH_SECRET"},
	},
}

func appFlags() []cli.Flag {
	all := append([]cli.Flag{}, replicaFlags...)
	all = append(all, flags.LogFlags...)
	all = append(all, flags.ServerFlags...)
	return append(all, flags.LogServiceFlagFn("svr-replica"))
}

func main() {
	app := &cli.App{
		Name:   "replica",
		Usage:  "Serve one replica of a secure value recovery quorum",
		Flags:  appFlags(),
		Action: runReplica,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runReplica(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	name := cCtx.String("name")

	attestationType, err := cryptoutils.AttestationTypeFromString(cCtx.String("attestation-type"))
	if err != nil {
		return err
	}
	attestation, err := cryptoutils.AttestationProviderFor(attestationType, cCtx.String("remote-attestation-addr"))
	if err != nil {
		return fmt.Errorf("could not set up attestation: %w", err)
	}
	if attestationType.OID.Equal(cryptoutils.DummyAttestation.OID) {
		logger.Warn("Running with dummy attestation, clients cannot verify this replica")
	}

	authSecret, err := hex.DecodeString(cCtx.String("auth-secret"))
	if err != nil {
		return fmt.Errorf("invalid auth-secret: %w", err)
	}
	if len(authSecret) == 0 {
		logger.Warn("No auth secret configured, any password is accepted")
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	if cCtx.Bool("tls") {
		cert, err := cryptoutils.RandomCert(name)
		if err != nil {
			return fmt.Errorf("could not generate TLS key: %w", err)
		}
		cfg.TLSCert = &cert
	} else if !attestationType.OID.Equal(cryptoutils.DummyAttestation.OID) {
		return fmt.Errorf("%s attestation requires --tls", attestationType.StringID)
	} else {
		logger.Warn("Serving without TLS, quotes are not bound to any channel")
	}

	server, err := httpserver.New(cfg)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	store := replicahandler.NewStore()
	handler := replicahandler.NewHandler(name, attestation, store, authSecret, logger).
		WithChannelKey(server.ChannelKey())
	if server.Metrics() != nil {
		replicaMetrics, err := metrics.NewReplicaMetrics(server.Metrics().Namespace(), server.Metrics().Registerer())
		if err != nil {
			return err
		}
		if err := replicaMetrics.TrackRecords(store.Len); err != nil {
			return err
		}
		handler.WithMetrics(replicaMetrics)
	}
	server.Mount(handler)

	if err := server.RunInBackground(); err != nil {
		logger.Error("Failed to start server", "err", err)
		return err
	}
	logger.Info("Replica is running",
		"name", name,
		"attestation", attestationType.StringID,
		"url", server.URL(),
		"channelKey", hex.EncodeToString(server.ChannelKey()))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	return nil
}
