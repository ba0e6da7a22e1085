// Package ingest ties configuration loading to the orchestrator's Options,
// following the env/mustEnv free-function idiom used throughout the host
// module's service configuration.
package ingest

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/atlanteq/registryingest/internal/ingest/orchestrator"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("environment variable %s is required", key)
	}
	return v
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// DBConfig holds the connection parameters for the ingestion target store.
type DBConfig struct {
	Host, Port, User, Password, Name string
}

// LoadDBConfig reads database connection settings from the environment,
// terminating the process if a required variable is missing.
func LoadDBConfig() DBConfig {
	return DBConfig{
		Host:     mustEnv("DB_HOST"),
		Port:     env("DB_PORT", "5432"),
		User:     mustEnv("DB_USER"),
		Password: mustEnv("DB_PASSWORD"),
		Name:     mustEnv("DB_NAME"),
	}
}

// LoadOptionsFromEnv fills the run-tuning portion of orchestrator.Options
// from environment variables (CLI flags fill Only/Weekly/DryRun/KeepFiles
// separately — see cmd/registrysync).
func LoadOptionsFromEnv() orchestrator.Options {
	return orchestrator.Options{
		Concurrency:   envInt("REGISTRY_CONCURRENCY", 3),
		ScratchRoot:   env("SCRATCH_ROOT", "/tmp/registrysync"),
		BatchSizeXML:  envInt("BATCH_SIZE_XML", 2000),
		BatchSizeCSV:  envInt("BATCH_SIZE_CSV", 1000),
		WorkersXML:    envInt("WORKERS_XML", 3),
		WorkersCSV:    envInt("WORKERS_CSV", 10),
		ProgressEvery: time.Duration(envInt("PROGRESS_INTERVAL_SECONDS", 5)) * time.Second,
		HeapWarnBytes: uint64(envInt("HEAP_WARN_MIB", 400)) * 1024 * 1024,
		FailOnInvalid: env("FAIL_ON_INVALID", "false") == "true",
	}
}
