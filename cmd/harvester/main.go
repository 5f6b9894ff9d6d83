// Command harvester is the single-run CLI shell: it reads one input job
// document, drives the Run Orchestrator to completion, and writes the
// output layout spec.md §6 describes under outputs/.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/spec-harvester/harvester/internal/config"
	"github.com/spec-harvester/harvester/internal/identity"
	"github.com/spec-harvester/harvester/pkg/automation"
	"github.com/spec-harvester/harvester/pkg/catalog"
	"github.com/spec-harvester/harvester/pkg/consensus"
	"github.com/spec-harvester/harvester/pkg/discovery"
	"github.com/spec-harvester/harvester/pkg/domain"
	"github.com/spec-harvester/harvester/pkg/events"
	"github.com/spec-harvester/harvester/pkg/fetch"
	"github.com/spec-harvester/harvester/pkg/frontier"
	"github.com/spec-harvester/harvester/pkg/llmrouter"
	"github.com/spec-harvester/harvester/pkg/needset"
	"github.com/spec-harvester/harvester/pkg/orchestrator"
	"github.com/spec-harvester/harvester/pkg/output"
	"github.com/spec-harvester/harvester/pkg/parse"
	"github.com/spec-harvester/harvester/pkg/policy"
	"github.com/spec-harvester/harvester/pkg/retrieval"
	"github.com/spec-harvester/harvester/pkg/shared/logging"
	"github.com/spec-harvester/harvester/pkg/store"
)

// inputJob is the §6 "inputs/{category}/products/{product_id}.json" shape.
type inputJob struct {
	Category     string    `json:"category" validate:"required"`
	IdentityLock identLock `json:"identityLock" validate:"required"`
	SeedURLs     []string  `json:"seedUrls" validate:"omitempty,dive,url"`
}

type identLock struct {
	Brand   string `json:"brand" validate:"required"`
	Model   string `json:"model" validate:"required"`
	Variant string `json:"variant"`
}

func main() {
	var (
		jobPath    = flag.String("job", "", "path to the input job JSON")
		outputsDir = flag.String("outputs", "./outputs", "root of the output layout")
		dbPath     = flag.String("db", "./harvester.db", "path to the sqlite evidence store")
		configPath = flag.String("config", "", "path to the environment-knobs TOML file")
		catalogDir = flag.String("catalog", "./catalog", "directory of {category}.json field-contract documents")
		redisAddr  = flag.String("redis", "127.0.0.1:6379", "redis address backing the frontier's ephemeral state")
	)
	flag.Parse()

	log, flush, err := logging.New(logging.Config{JSONFormat: true})
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester: logger init:", err)
		os.Exit(1)
	}
	defer flush()

	if err := run(log, *jobPath, *outputsDir, *dbPath, *configPath, *catalogDir, *redisAddr); err != nil {
		log.Error(err, "harvester: run failed")
		os.Exit(1)
	}
}

func run(log logr.Logger, jobPath, outputsDir, dbPath, configPath, catalogDir, redisAddr string) error {
	if jobPath == "" {
		return fmt.Errorf("harvester: -job is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	raw, err := os.ReadFile(jobPath)
	if err != nil {
		return fmt.Errorf("harvester: read job: %w", err)
	}
	var job inputJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("harvester: decode job: %w", err)
	}
	if err := validator.New().Struct(job); err != nil {
		return fmt.Errorf("harvester: invalid job: %w", err)
	}
	ident := identity.ProductIdentity{
		Category: job.Category, Brand: job.IdentityLock.Brand,
		Model: job.IdentityLock.Model, Variant: job.IdentityLock.Variant,
	}

	loader, err := config.NewLoader(configPath, log)
	if err != nil {
		return fmt.Errorf("harvester: load config: %w", err)
	}
	cfg := loader.Current()

	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("harvester: open store: %w", err)
	}
	defer st.Close()

	bus := events.New()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	fr := frontier.New(rdb, st, bus, frontier.DefaultPolicy())
	pacer := fetch.NewHostPacer(time.Duration(cfg.PerHostMinDelayMS) * time.Millisecond)
	var headless *fetch.HeadlessFetcher
	if cfg.HeadlessEnabled {
		headless = fetch.NewHeadlessFetcher(30 * time.Second)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetchPolicy := fetch.DefaultFetchPolicy()
	fetchPolicy.RetryBudget = cfg.FetchRetryBudget
	fetchPolicy.Headless = cfg.HeadlessEnabled
	scheduler := fetch.NewScheduler(httpClient, pacer, fr, headless, fetchPolicy, fetch.FallbackPolicy{Enabled: cfg.HeadlessEnabled, Timeout: 30 * time.Second}, bus)

	steps := []parse.Parser{
		parse.JSONLDParser{}, parse.EmbeddedParser{}, parse.NewDOMSelectParser(nil),
		parse.TableParser{}, parse.ArticleParser{}, parse.PDFParser{},
	}
	if cfg.OCREnabled {
		steps = append(steps, parse.OCRParser{Budget: parse.DefaultOCRBudget()})
	}
	ladder := parse.NewLadder(steps...)

	router, err := llmrouter.NewRouter(ctx, cfg, bus)
	if err != nil {
		return fmt.Errorf("harvester: build llm router: %w", err)
	}

	needsetWeights, _, err := policy.LoadNeedSetWeights(ctx, "", log)
	if err != nil {
		return fmt.Errorf("harvester: load needset policy: %w", err)
	}
	consensusWeights, _, err := policy.LoadConsensusWeights(ctx, "", log)
	if err != nil {
		return fmt.Errorf("harvester: load consensus policy: %w", err)
	}

	var providers []discovery.Provider
	if cfg.SearchEndpoint != "" {
		providers = append(providers, discovery.NewHTTPProvider(cfg.SearchProvider, cfg.SearchEndpoint, cfg.SearchAPIKey))
	}

	productDir := filepath.Join(outputsDir, job.Category, ident.ProductID())
	archive, err := output.New(filepath.Join(productDir, "runs", ".pending"))
	if err != nil {
		return fmt.Errorf("harvester: create archive: %w", err)
	}

	deps := orchestrator.Deps{
		Store:     st,
		Bus:       bus,
		Catalog:   catalog.NewFileCatalog(catalogDir),
		Frontier:  fr,
		Scheduler: scheduler,
		Ladder:    ladder,
		Planner:   discovery.DeterministicPlanner{},
		Providers: providers,
		Assembler: retrieval.Assembler{MaxPrimeSources: 5},
		Router:    router,
		Consensus: consensus.Engine{Weights: consensusWeights, DiversityThreshold: 2},
		NeedSet:   needset.Engine{Weights: needsetWeights},
		Automation: automation.New(st, bus),
		Archive:    archive,
		Convergence: cfg.Convergence,
		Lanes:       cfg.Lanes,
	}

	runner := orchestrator.New(deps)
	summary, err := runner.Run(ctx, job.Category, ident, job.SeedURLs)
	if err != nil {
		return fmt.Errorf("harvester: run: %w", err)
	}
	if err := archive.Rename(filepath.Join(productDir, "runs", summary.RunID)); err != nil {
		return fmt.Errorf("harvester: place run outputs: %w", err)
	}

	if err := writeOutputs(archive, bus, job.Category, summary); err != nil {
		return fmt.Errorf("harvester: write outputs: %w", err)
	}
	if summary.Status == domain.RunCompleted {
		latest := filepath.Join(outputsDir, job.Category, summary.ProductID, "latest")
		if err := archive.MirrorLatest(latest); err != nil {
			log.Info("harvester: failed to update latest pointer", "error", err.Error())
		}
	}

	log.Info("harvester: run complete", "run_id", summary.RunID, "status", string(summary.Status), "stop_reason", string(summary.StopReason))
	return nil
}

func writeOutputs(archive *output.Archive, bus *events.Bus, category string, summary orchestrator.RunSummary) error {
	fields := make([]output.FieldRecord, 0, len(summary.Fields))
	for _, f := range summary.Fields {
		fields = append(fields, output.FieldRecord{
			FieldKey: f.FieldKey, Value: f.SelectedValue, Confidence: f.Confidence, ReasonCodes: f.ReasonCodes,
		})
	}
	if err := archive.WriteNormalized(category, fields); err != nil {
		return err
	}
	if err := archive.WriteProvenance(fields, summary.Candidates); err != nil {
		return err
	}
	return archive.Finalize(bus, summary)
}
