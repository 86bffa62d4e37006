package main

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/validator/internal/config"
	"github.com/ehr/validator/internal/domain/aspects"
	"github.com/ehr/validator/internal/domain/grouping"
	"github.com/ehr/validator/internal/domain/orchestrator"
	"github.com/ehr/validator/internal/domain/queue"
	"github.com/ehr/validator/internal/domain/rules"
	"github.com/ehr/validator/internal/domain/settings"
	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/connectivity"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/internal/platform/fhirpath"
	"github.com/ehr/validator/internal/platform/upstream"
)

// Names the upstream servers are registered under with the monitor.
const (
	serverFHIR        = "fhir"
	serverTerminology = "terminology"
)

type pipelineOpts struct {
	results validation.ResultStore
	// resources replaces the FHIR server as the source of resources to
	// validate. When set, reference existence checks also run against it.
	resources *aspects.MemoryResourceStore
	publisher queue.Publisher
}

// pipeline holds the long-lived components shared by serve and validate.
type pipeline struct {
	settings *settings.Store
	monitor  *connectivity.Monitor
	groups   *grouping.Aggregator
	orch     *orchestrator.Orchestrator
	proc     *queue.Processor
}

func buildPipeline(cfg *config.Config, logger zerolog.Logger, opts pipelineOpts) (*pipeline, error) {
	st := settings.NewStore(opts.results, logger)
	if cfg.SettingsFile != "" {
		if err := st.LoadFile(cfg.SettingsFile); err != nil {
			return nil, err
		}
	}

	monitor := connectivity.NewMonitor(cfg.Monitor(), logger)

	terminology := fhir.NewInMemoryTerminology()
	profiles := fhir.NewProfileRegistry()
	fhir.RegisterUSCoreProfiles(profiles)

	deps := aspects.Deps{
		Now:         time.Now,
		Rules:       rules.NewEvaluator(fhirpath.NewEngine(), logger),
		Profiles:    profiles,
		Terminology: terminology,
	}
	var resources fhir.ResourceStore

	if opts.resources != nil {
		resources = opts.resources
		deps.References = opts.resources
	} else if cfg.FHIRServerURL != "" {
		client := newUpstreamClient(cfg, logger, monitor, serverFHIR, cfg.FHIRServerURL, 0)
		monitor.Register(serverFHIR, client)
		resources = client
		deps.References = client
	}

	if cfg.TerminologyServerURL != "" {
		client := newUpstreamClient(cfg, logger, monitor, serverTerminology, cfg.TerminologyServerURL, cfg.TerminologyRateLimitRPS)
		monitor.Register(serverTerminology, client)
		deps.ProfileResolver = client
		deps.CodeValidator = client
	}

	groups := grouping.NewAggregator(opts.results, logger)
	orch := orchestrator.New(orchestrator.Options{
		Validators:   aspects.Default(deps),
		Store:        opts.results,
		Groups:       groups,
		Connectivity: monitor,
		Upstreams: map[string]string{
			aspects.UpstreamData:        serverFHIR,
			aspects.UpstreamTerminology: serverTerminology,
		},
		Resources: resources,
		Settings:  st,
		Logger:    logger,
	})

	var procOpts []queue.Option
	if opts.publisher != nil {
		procOpts = append(procOpts, queue.WithPublisher(opts.publisher))
	}
	proc := queue.NewProcessor(orch, cfg.Queue(), logger, procOpts...)

	return &pipeline{
		settings: st,
		monitor:  monitor,
		groups:   groups,
		orch:     orch,
		proc:     proc,
	}, nil
}

func newUpstreamClient(cfg *config.Config, logger zerolog.Logger, monitor *connectivity.Monitor, name, baseURL string, rps float64) *upstream.Client {
	var tokens *upstream.TokenSource
	if cfg.UpstreamAuthSecret != "" {
		tokens = upstream.NewTokenSource(cfg.UpstreamAuthSecret, cfg.UpstreamAuthIssuer, baseURL, 5*time.Minute)
	}
	return upstream.NewClient(upstream.Options{
		Name:         name,
		BaseURL:      baseURL,
		Timeout:      cfg.UpstreamTimeout(),
		RetryMax:     2,
		Tokens:       tokens,
		RateLimitRPS: rps,
		Observe: func(latency time.Duration, err error) {
			monitor.Observe(name, latency, err)
		},
		Logger: logger,
	})
}
