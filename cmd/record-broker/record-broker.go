package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/diwise/record-broker/internal/pkg/infrastructure/router"
	"github.com/diwise/record-broker/internal/pkg/presentation/api/records"
	"github.com/diwise/record-broker/pkg/bucket"
	"github.com/diwise/record-broker/pkg/keymap"
	"github.com/diwise/record-broker/pkg/memory"
	"github.com/diwise/record-broker/pkg/schema"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/jackc/pgx/v5/pgxpool"
)

const serviceName string = "record-broker"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion, "json")
	defer cleanup()

	configPath := env.GetVariableOrDefault(ctx, "BROKER_CONFIG_PATH", "/opt/diwise/config/default.yaml")
	policiesPath := env.GetVariableOrDefault(ctx, "BROKER_POLICIES_PATH", "/opt/diwise/config/authz.rego")

	configFile, err := os.Open(configPath)
	if err != nil {
		logger.Error("failed to open configuration", "path", configPath, "err", err.Error())
		os.Exit(1)
	}
	defer configFile.Close()

	cfg, err := LoadConfiguration(configFile)
	if err != nil {
		logger.Error("failed to load configuration", "err", err.Error())
		os.Exit(1)
	}

	sc := schema.New(schema.WithModels(cfg.Schema.Models))

	sourceOptions := []memory.Option{
		memory.WithName(serviceName),
		memory.WithKeyMap(keymap.New()),
	}

	// queue and log state goes to postgres when a connection string is
	// configured; an unconfigured broker keeps everything in memory
	if dbURL := env.GetVariableOrDefault(ctx, "BROKER_DB_URL", ""); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Error("failed to connect to database", "err", err.Error())
			os.Exit(1)
		}
		defer pool.Close()

		pgBucket, err := bucket.NewPostgres(ctx, pool)
		if err != nil {
			logger.Error("failed to create bucket", "err", err.Error())
			os.Exit(1)
		}

		sourceOptions = append(sourceOptions, memory.WithBucket(pgBucket))
	}

	src, err := memory.New(ctx, sc, sourceOptions...)
	if err != nil {
		logger.Error("failed to create memory source", "err", err.Error())
		os.Exit(1)
	}

	policiesFile, err := os.Open(policiesPath)
	if err != nil {
		logger.Error("failed to open authz policies", "path", policiesPath, "err", err.Error())
		os.Exit(1)
	}
	defer policiesFile.Close()

	r := router.New(serviceName)

	if err := records.RegisterHandlers(ctx, r, policiesFile, src); err != nil {
		logger.Error("failed to register handlers", "err", err.Error())
		os.Exit(1)
	}

	port := env.GetVariableOrDefault(ctx, "SERVICE_PORT", "8080")
	logger.Info("starting to listen for connections", "port", port, "models", strings.Join(sc.Types(), ","))

	err = http.ListenAndServe(":"+port, r)
	if err != nil {
		logger.Error("failed to listen for connections", "err", err.Error())
		os.Exit(1)
	}
}
