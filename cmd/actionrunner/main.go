// Command actionrunner wires every component into a single Orchestrator
// and executes one planned action read from a YAML action catalog. It
// demonstrates the assembly a host service would perform; it is not
// itself a production entrypoint (no HTTP listener, no queue consumer).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/actionrunner/pkg/action"
	"github.com/jordigilh/actionrunner/pkg/breaker"
	"github.com/jordigilh/actionrunner/pkg/catalog"
	"github.com/jordigilh/actionrunner/pkg/dedup"
	"github.com/jordigilh/actionrunner/pkg/oauth"
	"github.com/jordigilh/actionrunner/pkg/orchestrator"
	"github.com/jordigilh/actionrunner/pkg/shared/httpclient"
	"github.com/jordigilh/actionrunner/pkg/shared/logging"
	"github.com/jordigilh/actionrunner/pkg/storage"
)

func main() {
	catalogPath := flag.String("catalog", "", "path to a YAML action catalog")
	actionID := flag.String("action", "", "registered action definition ID to execute")
	inputsJSON := flag.String("inputs", "{}", "JSON object of inputs for the action")
	redisAddr := flag.String("redis-addr", "", "Redis address for the deduplication cache (empty uses an in-memory cache)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for output storage (empty uses ephemeral storage only)")
	flag.Parse()

	logger, err := logging.NewZapLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "actionrunner: construct logger: %v\n", err)
		os.Exit(1)
	}

	if *catalogPath == "" || *actionID == "" {
		logger.Error("actionrunner: -catalog and -action are required", nil)
		os.Exit(2)
	}

	if err := run(*catalogPath, *actionID, *inputsJSON, *redisAddr, *postgresDSN, logger); err != nil {
		logger.Error("actionrunner: execution failed", logging.NewFields().Error(err))
		os.Exit(1)
	}
}

func run(catalogPath, actionID, inputsJSON, redisAddr, postgresDSN string, logger logging.Logger) error {
	ctx := context.Background()

	raw, err := os.ReadFile(catalogPath)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	defs, err := action.LoadDefinitions(raw)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	cat := catalog.NewStaticCatalog(defs)

	var inputs map[string]interface{}
	if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
		return fmt.Errorf("parse inputs: %w", err)
	}

	dedupCache, closeDedup, err := buildDedupCache(redisAddr)
	if err != nil {
		return err
	}
	if closeDedup != nil {
		defer closeDedup()
	}

	primary, closeStorage, err := buildStorage(ctx, postgresDSN)
	if err != nil {
		return err
	}
	if closeStorage != nil {
		defer closeStorage()
	}

	httpClient := httpclient.NewClientWithTimeout(60 * time.Second)
	tokens := oauth.NewManager(httpClient)

	orch := orchestrator.New(cat, breaker.DefaultConfig(), tokens, httpClient, dedupCache, primary, logger, nil)

	planned := action.PlannedAction{ID: actionID, ActionDefinitionID: actionID, Inputs: inputs}
	state, err := orch.Execute(ctx, planned, action.ExecutionContext{ExecutionID: actionID})
	if err != nil {
		return fmt.Errorf("execute: %w", err)
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func buildDedupCache(redisAddr string) (dedup.Cache, func(), error) {
	if redisAddr == "" {
		return dedup.NewInMemoryCache(), nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return dedup.NewRedisCache(client), func() { _ = client.Close() }, nil
}

func buildStorage(ctx context.Context, postgresDSN string) (storage.StorageProvider, func(), error) {
	if postgresDSN == "" {
		return nil, nil, nil
	}
	cfg, err := storage.NewPgxPoolConfig(postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("build postgres pool config: %w", err)
	}
	provider, err := storage.NewPostgresProvider(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("construct postgres provider: %w", err)
	}
	if err := provider.EnsureSchema(ctx); err != nil {
		provider.Close()
		return nil, nil, fmt.Errorf("ensure storage schema: %w", err)
	}
	return provider, provider.Close, nil
}
