// Package orchestrator runs every enabled aspect validator over one
// resource, folds their findings into a scored result and persists it.
//
// Aspects run concurrently on private copies of the resource. An aspect
// whose upstream server is offline is skipped, a degraded upstream makes
// the aspect run local-only, and an aspect that fails or panics is reduced
// to a single synthetic issue while its siblings carry on.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/validator/internal/domain/aspects"
	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/internal/platform/connectivity"
	"github.com/ehr/validator/internal/platform/fhir"
	"github.com/ehr/validator/internal/platform/metrics"
	"github.com/ehr/validator/internal/platform/upstream"
)

var tracer = otel.Tracer("github.com/ehr/validator/orchestrator")

// CodeException is the issue code of the synthetic issue recorded when an
// aspect validator fails.
const CodeException = "exception"

// ModeSource reports the connectivity mode of a named upstream.
type ModeSource interface {
	Mode(server string) connectivity.Mode
}

// GroupSink receives the signed issues of each validated resource.
type GroupSink interface {
	Upsert(ctx context.Context, key validation.ResourceKey, issues []validation.Issue, now time.Time) (int, error)
}

// SettingsSource returns the settings in force for a server.
type SettingsSource interface {
	Current(ctx context.Context, serverID string) (validation.Settings, string, error)
}

type Options struct {
	Validators   []aspects.Validator
	Store        validation.ResultStore
	Groups       GroupSink
	Connectivity ModeSource
	// Upstreams maps aspects.UpstreamData / aspects.UpstreamTerminology
	// to the server names registered with the connectivity monitor.
	Upstreams map[string]string
	Resources fhir.ResourceStore
	Settings  SettingsSource
	Logger    zerolog.Logger
	Now       func() time.Time
}

type Orchestrator struct {
	validators map[validation.Aspect]aspects.Validator
	store      validation.ResultStore
	groups     GroupSink
	conn       ModeSource
	upstreams  map[string]string
	resources  fhir.ResourceStore
	settings   SettingsSource
	logger     zerolog.Logger
	now        func() time.Time
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		validators: make(map[validation.Aspect]aspects.Validator, len(opts.Validators)),
		store:      opts.Store,
		groups:     opts.Groups,
		conn:       opts.Connectivity,
		upstreams:  opts.Upstreams,
		resources:  opts.Resources,
		settings:   opts.Settings,
		logger:     opts.Logger.With().Str("component", "orchestrator").Logger(),
		now:        opts.Now,
	}
	if o.now == nil {
		o.now = time.Now
	}
	for _, v := range opts.Validators {
		o.validators[v.Aspect()] = v
	}
	return o
}

// aspectRun is one aspect's slot for a single validation pass. done is
// closed once issues and status are final.
type aspectRun struct {
	aspect     validation.Aspect
	v          aspects.Validator
	in         aspects.Input
	done       chan struct{}
	issues     []validation.Issue
	status     validation.AspectStatus
	skipReason string
	duration   time.Duration
}

// Validate runs one full pass over resource. It never returns an error:
// failures are recorded as issues, skipped aspects or PersistError.
func (o *Orchestrator) Validate(ctx context.Context, resource map[string]interface{}, settings validation.Settings) validation.ResourceResult {
	start := o.now()
	rt, id := fhir.ResourceTypeAndID(resource)
	key := validation.ResourceKey{ServerID: settings.ServerID, ResourceType: rt, FhirID: id}
	hash := settings.SnapshotHash()

	ctx, span := tracer.Start(ctx, "validation.Validate", trace.WithAttributes(
		attribute.String("server", key.ServerID),
		attribute.String("resource_type", rt),
		attribute.String("fhir_id", id),
		attribute.String("snapshot_hash", hash),
	))
	defer span.End()

	runs := o.plan(key, resource, settings)

	var g errgroup.Group
	byAspect := make(map[validation.Aspect]*aspectRun, len(runs))
	for _, r := range runs {
		byAspect[r.aspect] = r
	}
	for _, r := range runs {
		if r.v == nil {
			continue
		}
		g.Go(func() error {
			o.execute(ctx, r, byAspect)
			return nil
		})
	}
	_ = g.Wait()

	validatedAt := o.now()
	res := o.assemble(key, hash, settings, runs, validatedAt)
	res.DurationMs = validatedAt.Sub(start).Milliseconds()

	if err := ctx.Err(); err != nil {
		res.PersistError = fmt.Sprintf("validation abandoned: %v", err)
		span.SetStatus(codes.Error, res.PersistError)
		return res
	}
	if err := o.persist(ctx, res); err != nil {
		res.PersistError = err.Error()
		metrics.PersistFailures.Inc()
		span.RecordError(err)
		o.logger.Error().Err(err).Str("resource", key.String()).Msg("persist validation result")
	}

	metrics.ValidationDuration.WithLabelValues(rt).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("errors", res.ErrorCount),
		attribute.Int("warnings", res.WarningCount),
		attribute.Int("score", res.Score),
	)
	span.SetStatus(codes.Ok, "")
	o.logger.Debug().
		Str("resource", key.String()).
		Int("score", res.Score).
		Int("errors", res.ErrorCount).
		Int64("duration_ms", res.DurationMs).
		Msg("validated resource")
	return res
}

// ValidateKey fetches the resource and validates it with the server's
// current settings. Fetch failures are returned so the caller can retry;
// failures retrying cannot fix wrap validation.ErrNonTransient.
func (o *Orchestrator) ValidateKey(ctx context.Context, key validation.ResourceKey) (validation.ResourceResult, error) {
	if o.resources == nil || o.settings == nil {
		return validation.ResourceResult{}, fmt.Errorf("validate %s: %w: no resource store configured", key, validation.ErrNonTransient)
	}
	settings, _, err := o.settings.Current(ctx, key.ServerID)
	if err != nil {
		return validation.ResourceResult{}, fmt.Errorf("load settings for %s: %w", key.ServerID, err)
	}
	if o.mode(aspects.UpstreamData) == connectivity.ModeOffline {
		return validation.ResourceResult{}, fmt.Errorf("fetch %s: %w", key, connectivity.ErrCircuitOpen)
	}
	res, err := o.resources.Get(ctx, key.ResourceType, key.FhirID)
	if err != nil {
		if errors.Is(err, fhir.ErrResourceNotFound) || !upstream.IsTransient(err) {
			return validation.ResourceResult{}, fmt.Errorf("fetch %s: %w: %v", key, validation.ErrNonTransient, err)
		}
		return validation.ResourceResult{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	if rt, id := fhir.ResourceTypeAndID(res); rt != key.ResourceType || (id != "" && id != key.FhirID) {
		return validation.ResourceResult{}, fmt.Errorf("fetch %s: %w: server returned %s/%s", key, validation.ErrNonTransient, rt, id)
	}

	out := o.Validate(ctx, res, settings)
	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("validate %s: %w", key, err)
	}
	return out, nil
}

// plan decides, per aspect, whether it runs, with what capability, or
// why it is skipped.
func (o *Orchestrator) plan(key validation.ResourceKey, resource map[string]interface{}, settings validation.Settings) []*aspectRun {
	filtered := !settings.ResourceTypes.Allows(key.ResourceType)
	var runs []*aspectRun
	for _, a := range validation.AllAspects() {
		r := &aspectRun{aspect: a, done: make(chan struct{})}
		runs = append(runs, r)

		v, ok := o.validators[a]
		switch {
		case filtered:
			r.skip(validation.SkipFiltered)
			continue
		case !ok || !settings.AspectEnabled(a):
			r.skip(validation.SkipDisabled)
			continue
		}

		in := aspects.Input{
			Key:      key,
			Resource: deepCopyMap(resource),
			Settings: settings,
		}
		if remote, ok := v.(aspects.Remote); ok && remote.NeedsUpstream(in) {
			switch o.mode(remote.Upstream()) {
			case connectivity.ModeOffline:
				r.skip(validation.SkipUpstreamOffline)
				continue
			case connectivity.ModeDegraded:
				in.Capability.Degraded = true
			}
		}
		r.v = v
		r.in = in
	}
	return runs
}

func (r *aspectRun) skip(reason string) {
	r.status = validation.StatusSkipped
	r.skipReason = reason
	close(r.done)
}

func (o *Orchestrator) mode(upstreamKind string) connectivity.Mode {
	if o.conn == nil {
		return connectivity.ModeOnline
	}
	name := o.upstreams[upstreamKind]
	if name == "" {
		name = upstreamKind
	}
	return o.conn.Mode(name)
}

func (o *Orchestrator) execute(ctx context.Context, r *aspectRun, all map[validation.Aspect]*aspectRun) {
	defer close(r.done)

	for _, dep := range r.v.DependsOn() {
		d, ok := all[dep]
		if !ok || dep == r.aspect {
			continue
		}
		select {
		case <-d.done:
			if r.in.Deps == nil {
				r.in.Deps = make(map[validation.Aspect][]validation.Issue)
			}
			r.in.Deps[dep] = append([]validation.Issue(nil), d.issues...)
		case <-ctx.Done():
		}
	}

	start := time.Now()
	issues, err := o.call(ctx, r)
	r.duration = time.Since(start)
	if err != nil {
		o.logger.Warn().Err(err).Str("aspect", string(r.aspect)).Str("resource", r.in.Key.String()).Msg("aspect validator failed")
		r.status = validation.StatusError
		r.issues = []validation.Issue{{
			Aspect:        r.aspect,
			Severity:      validation.SeverityError,
			Code:          CodeException,
			Category:      validation.CategoryEngineError,
			CanonicalPath: r.in.Key.ResourceType,
			Message:       fmt.Sprintf("%s validation failed: %v", r.aspect, err),
		}}
		return
	}
	r.status = validation.StatusValidated
	r.issues = issues
}

func (o *Orchestrator) call(ctx context.Context, r *aspectRun) (issues []validation.Issue, err error) {
	_, span := tracer.Start(ctx, "validation.aspect", trace.WithAttributes(attribute.String("aspect", string(r.aspect))))
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return r.v.Validate(ctx, r.in)
}

func (o *Orchestrator) assemble(key validation.ResourceKey, hash string, settings validation.Settings, runs []*aspectRun, at time.Time) validation.ResourceResult {
	res := validation.ResourceResult{
		ResourceKey:          key,
		SettingsSnapshotHash: hash,
		ValidatedAt:          at,
	}
	for _, r := range runs {
		ceiling := settings.Aspects[r.aspect].Severity
		issues := make([]validation.Issue, 0, len(r.issues))
		for _, is := range r.issues {
			is.Aspect = r.aspect
			if !is.Severity.Valid() {
				is.Severity = validation.SeverityError
			}
			if is.Category != validation.CategoryEngineError {
				is.Severity = is.Severity.Cap(ceiling)
			}
			issues = append(issues, is)
		}
		validation.SignAll(issues)

		e, w, i := validation.Counts(issues)
		ar := validation.AspectResult{
			ResourceKey:          key,
			Aspect:               r.aspect,
			Status:               r.status,
			SkipReason:           r.skipReason,
			IsValid:              e == 0 && r.status != validation.StatusError,
			ErrorCount:           e,
			WarningCount:         w,
			InformationCount:     i,
			Score:                validation.Score(e, w, i),
			SettingsSnapshotHash: hash,
			DurationMs:           r.duration.Milliseconds(),
			ValidatedAt:          at,
			Issues:               issues,
		}
		metrics.AspectResults.WithLabelValues(string(r.aspect), string(r.status)).Inc()
		res.Aspects = append(res.Aspects, ar)
		res.Issues = append(res.Issues, issues...)
	}
	res.ErrorCount, res.WarningCount, res.InformationCount = validation.Counts(res.Issues)
	res.Score = validation.Score(res.ErrorCount, res.WarningCount, res.InformationCount)
	res.IsValid = res.ErrorCount == 0
	return res
}

func (o *Orchestrator) persist(ctx context.Context, res validation.ResourceResult) error {
	if o.store != nil {
		if err := o.store.SaveResults(ctx, res.Aspects); err != nil {
			return fmt.Errorf("save results: %w", err)
		}
		msgs := validation.MessagesFromIssues(res.ResourceKey, res.Issues, res.SettingsSnapshotHash, res.ValidatedAt)
		if err := o.store.SaveMessages(ctx, msgs); err != nil {
			return fmt.Errorf("save messages: %w", err)
		}
	}
	if o.groups != nil && len(res.Issues) > 0 {
		if _, err := o.groups.Upsert(ctx, res.ResourceKey, res.Issues, res.ValidatedAt); err != nil {
			return fmt.Errorf("update message groups: %w", err)
		}
	}
	return nil
}

// LatestResults returns the stored per-aspect results for key that were
// produced under the server's current settings.
func (o *Orchestrator) LatestResults(ctx context.Context, key validation.ResourceKey) ([]validation.AspectResult, error) {
	if o.store == nil || o.settings == nil {
		return nil, nil
	}
	_, hash, err := o.settings.Current(ctx, key.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load settings for %s: %w", key.ServerID, err)
	}
	return o.store.LatestResults(ctx, key, hash)
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = deepCopy(x)
		}
		return out
	default:
		return v
	}
}
