package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/d365-sync/internal/core/domain"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driven"
	"github.com/custodia-labs/d365-sync/internal/core/ports/driving"
	"github.com/custodia-labs/d365-sync/internal/logger"
)

// Ensure Orchestrator implements the interface.
var _ driving.SyncOrchestrator = (*Orchestrator)(nil)

// OrchestratorConfig holds the sync settings of one environment.
type OrchestratorConfig struct {
	Entities    []string
	Concurrency int
	// MaxRetries is the number of consecutive retryable failures an entity
	// may accumulate before its result is reported as failed.
	MaxRetries int
	PageSize   int
	// MaxPagesPerPass bounds delta passes. Zero means unbounded.
	MaxPagesPerPass int
	Backoff         BackoffPolicy
}

// OrchestratorConfigFromSettings maps resolved settings to an orchestrator config.
func OrchestratorConfigFromSettings(s domain.Settings) OrchestratorConfig {
	return OrchestratorConfig{
		Entities:        s.Entities,
		Concurrency:     s.Concurrency,
		MaxRetries:      s.MaxRetries,
		PageSize:        s.PageSize,
		MaxPagesPerPass: s.MaxPagesPerPass,
		Backoff:         BackoffPolicy{Base: s.BaseBackoff, Max: s.MaxBackoff},
	}
}

// Orchestrator runs sync passes: full loads for entities without a
// baseline and delta passes for the rest. Records are delivered to the sink
// before the cursor that covers them is committed, so delivery is
// at-least-once.
type Orchestrator struct {
	client      driven.ODataClient
	tracker     *DeltaTracker
	sink        driven.RecordSink
	transformer driven.Transformer
	cfg         OrchestratorConfig
	now         func() time.Time

	mu       sync.Mutex
	entities []string
	running  map[string]bool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	client driven.ODataClient,
	tracker *DeltaTracker,
	sink driven.RecordSink,
	transformer driven.Transformer,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	return &Orchestrator{
		client:      client,
		tracker:     tracker,
		sink:        sink,
		transformer: transformer,
		cfg:         cfg,
		now:         time.Now,
		entities:    slices.Clone(cfg.Entities),
		running:     make(map[string]bool),
	}
}

// SetEntities replaces the configured entity list. Passes already running
// are not affected.
func (o *Orchestrator) SetEntities(entities []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entities = slices.Clone(entities)
}

// Entities returns the configured entity list.
func (o *Orchestrator) Entities() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.entities)
}

// Status returns the persisted state of every known entity.
func (o *Orchestrator) Status(ctx context.Context) ([]domain.SyncState, error) {
	return o.tracker.List(ctx)
}

// Reset invalidates an entity so its next pass runs a full load.
func (o *Orchestrator) Reset(ctx context.Context, entity string) error {
	name := entity
	if catalog, err := o.client.FetchMetadata(ctx); err == nil {
		if desc, ok := catalog.Lookup(entity); ok {
			name = desc.EntitySetName
		}
	}

	if !o.acquire(name) {
		return fmt.Errorf("%s: %w", name, domain.ErrSyncInProgress)
	}
	defer o.release(name)

	logger.Info("sync: %s: reset, next pass runs a full load", name)
	return o.tracker.Invalidate(ctx, name)
}

// Sync runs one pass for a single entity.
func (o *Orchestrator) Sync(ctx context.Context, entity string) (domain.EntityResult, error) {
	catalog, err := o.client.FetchMetadata(ctx)
	if err != nil {
		return domain.EntityResult{Entity: entity, Status: domain.StatusFailed, Error: domain.ErrorInfoOf(err)}, err
	}
	desc, ok := catalog.Lookup(entity)
	if !ok {
		err := fmt.Errorf("entity %s: %w", entity, domain.ErrNotFound)
		return domain.EntityResult{Entity: entity, Status: domain.StatusFailed, Error: domain.ErrorInfoOf(err)}, err
	}

	res := o.run(ctx, desc)
	if res.Status == domain.StatusSkipped && res.Error != nil {
		return res, fmt.Errorf("%s: %w", desc.EntitySetName, domain.ErrSyncInProgress)
	}
	return res, nil
}

// SyncAll runs one pass for every configured entity, at most Concurrency
// at a time. Results are in configuration order.
func (o *Orchestrator) SyncAll(ctx context.Context) (*domain.SyncReport, error) {
	report := &domain.SyncReport{
		RunID:     uuid.NewString(),
		StartedAt: o.now().UTC(),
	}

	catalog, err := o.client.FetchMetadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	entities := o.Entities()
	report.Results = make([]domain.EntityResult, len(entities))

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, name := range entities {
		desc, ok := catalog.Lookup(name)
		if !ok {
			logger.Warn("sync: %s: not in $metadata", name)
			report.Results[i] = domain.EntityResult{
				Entity: name,
				Status: domain.StatusFailed,
				Error:  domain.ErrorInfoOf(fmt.Errorf("entity %s: %w", name, domain.ErrNotFound)),
			}
			continue
		}

		wg.Add(1)
		go func(i int, desc domain.EntityDescriptor) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				report.Results[i] = domain.EntityResult{
					Entity: desc.EntitySetName,
					Status: domain.StatusCancelled,
					Error:  domain.ErrorInfoOf(ctx.Err()),
				}
				return
			}
			defer func() { <-sem }()
			report.Results[i] = o.run(ctx, desc)
		}(i, desc)
	}
	wg.Wait()

	report.FinishedAt = o.now().UTC()
	logger.Info("sync: run %s finished: %d entities, %d failed", report.RunID, len(report.Results), report.Failed())
	return report, nil
}

func (o *Orchestrator) acquire(entity string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[entity] {
		return false
	}
	o.running[entity] = true
	return true
}

func (o *Orchestrator) release(entity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, entity)
}

// run executes one pass for desc under the entity's running flag.
func (o *Orchestrator) run(ctx context.Context, desc domain.EntityDescriptor) domain.EntityResult {
	name := desc.EntitySetName
	started := o.now()
	res := domain.EntityResult{Entity: name}

	if !o.acquire(name) {
		res.Status = domain.StatusSkipped
		res.Error = domain.ErrorInfoOf(domain.ErrSyncInProgress)
		return res
	}
	defer o.release(name)

	o.pass(ctx, desc, &res)
	res.Duration = o.now().Sub(started)
	return res
}

func (o *Orchestrator) pass(ctx context.Context, desc domain.EntityDescriptor, res *domain.EntityResult) {
	state, err := o.tracker.Load(ctx, desc.EntitySetName)
	if err != nil {
		res.Status = domain.StatusFailed
		res.Error = domain.ErrorInfoOf(err)
		return
	}
	res.Mode = state.Mode

	if state.BackingOff(o.now()) {
		res.Status = domain.StatusSkipped
		res.ResumeAt = state.ResumeAt
		logger.Debug("sync: %s: backing off until %s", desc.EntitySetName, state.ResumeAt.Format(time.RFC3339))
		return
	}

	if state.NeedsFullLoad() || state.Cursor.Kind != preferredCursor(desc) {
		res.Mode = domain.ModeFullLoad
		state, err = o.fullLoad(ctx, desc, state, res)
	} else {
		res.Mode = domain.ModeDelta
		state, err = o.delta(ctx, desc, state, res)
	}
	if err != nil {
		o.fail(ctx, desc, state, res, err)
		return
	}
	res.Status = domain.StatusSynced
}

// preferredCursor selects the cursor variant an entity can use.
func preferredCursor(desc domain.EntityDescriptor) domain.CursorKind {
	switch {
	case desc.SupportsChangeTracking:
		return domain.CursorChangeToken
	case desc.ModifiedField != "":
		return domain.CursorTimestamp
	default:
		return domain.CursorNone
	}
}

// fullLoad pages through the whole entity set. The cursor is committed
// only after the last page, so an interrupted load starts over.
func (o *Orchestrator) fullLoad(
	ctx context.Context, desc domain.EntityDescriptor, state domain.SyncState, res *domain.EntityResult,
) (domain.SyncState, error) {
	state, err := o.tracker.BeginFullLoad(ctx, state)
	if err != nil {
		return state, err
	}
	logger.Info("sync: %s: full load", desc.EntitySetName)

	opts := o.syncOptions(desc)
	started := o.now().UTC()

	page, err := o.client.Query(ctx, desc.EntitySetName, opts)
	if err != nil {
		return state, err
	}

	var total int64
	for {
		n, _, err := o.deliver(ctx, desc, page, res)
		if err != nil {
			return state, err
		}
		total += int64(n)

		if !page.HasMore() {
			break
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if page, err = o.client.Follow(ctx, page.NextLink, opts); err != nil {
			return state, err
		}
	}

	var cursor domain.Cursor
	switch preferredCursor(desc) {
	case domain.CursorChangeToken:
		if page.DeltaLink != "" {
			cursor = domain.ChangeTokenCursor(page.DeltaLink)
		} else {
			logger.Warn("sync: %s: no delta link returned, next pass runs a full load", desc.EntitySetName)
		}
	case domain.CursorTimestamp:
		cursor = domain.TimestampCursor(started)
	}

	state, err = o.tracker.Commit(ctx, state, desc, cursor, total)
	if err != nil {
		return state, err
	}
	logger.Info("sync: %s: full load done, %d records in %d pages", desc.EntitySetName, total, res.Pages)
	return state, nil
}

// delta pulls changes since the stored cursor and commits after every page.
func (o *Orchestrator) delta(
	ctx context.Context, desc domain.EntityDescriptor, state domain.SyncState, res *domain.EntityResult,
) (domain.SyncState, error) {
	opts := o.syncOptions(desc)

	var (
		page *domain.Page
		err  error
	)
	switch state.Cursor.Kind {
	case domain.CursorChangeToken:
		page, err = o.client.Follow(ctx, state.Cursor.ChangeToken, opts)
	case domain.CursorTimestamp:
		opts.Filter = fmt.Sprintf("%s ge %s", desc.ModifiedField, state.Cursor.Timestamp.UTC().Format(time.RFC3339Nano))
		opts.OrderBy = desc.ModifiedField + " asc"
		page, err = o.client.Query(ctx, desc.EntitySetName, opts)
	default:
		return state, fmt.Errorf("%w: no cursor to resume from", domain.ErrInvalidInput)
	}
	if err != nil {
		return state, err
	}

	pages := 0
	for {
		n, highWater, err := o.deliver(ctx, desc, page, res)
		if err != nil {
			return state, err
		}
		pages++

		cursor := state.Cursor
		switch state.Cursor.Kind {
		case domain.CursorChangeToken:
			if page.NextLink != "" {
				cursor = domain.ChangeTokenCursor(page.NextLink)
			} else if page.DeltaLink != "" {
				cursor = domain.ChangeTokenCursor(page.DeltaLink)
			}
		case domain.CursorTimestamp:
			if highWater.After(cursor.Timestamp) {
				cursor = domain.TimestampCursor(highWater)
			}
		}
		if state, err = o.tracker.Commit(ctx, state, desc, cursor, int64(n)); err != nil {
			return state, err
		}

		if !page.HasMore() {
			break
		}
		if o.cfg.MaxPagesPerPass > 0 && pages >= o.cfg.MaxPagesPerPass {
			res.More = true
			break
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if page, err = o.client.Follow(ctx, page.NextLink, opts); err != nil {
			return state, err
		}
	}

	logger.Debug("sync: %s: delta done, %d records in %d pages", desc.EntitySetName, res.Records, res.Pages)
	return state, nil
}

func (o *Orchestrator) syncOptions(desc domain.EntityDescriptor) domain.QueryOptions {
	return domain.QueryOptions{
		MaxPageSize:  o.cfg.PageSize,
		TrackChanges: desc.SupportsChangeTracking,
		CrossCompany: true,
	}
}

// deliver transforms a page and hands it to the sink. It returns the
// number of records delivered and the newest last-modified value seen.
func (o *Orchestrator) deliver(
	ctx context.Context, desc domain.EntityDescriptor, page *domain.Page, res *domain.EntityResult,
) (int, time.Time, error) {
	var highWater time.Time
	records := make([]domain.CanonicalRecord, 0, len(page.Records))
	for _, raw := range page.Records {
		rec, warnings := o.transformer.Transform(desc, raw)
		for _, w := range warnings {
			logger.Warn("sync: %s: key %s: %v", desc.EntitySetName, w.Key, w.AsError())
		}
		res.Warnings += len(warnings)

		if desc.ModifiedField != "" {
			if t, ok := rec.Fields[desc.ModifiedField].(time.Time); ok && t.After(highWater) {
				highWater = t
			}
		}
		records = append(records, rec)
	}

	if len(records) > 0 {
		if err := o.sink.Deliver(ctx, desc.EntitySetName, records); err != nil {
			return 0, highWater, fmt.Errorf("deliver %s: %w", desc.EntitySetName, err)
		}
	}
	res.Pages++
	res.Records += len(records)
	return len(records), highWater, nil
}

// fail records the outcome of a failed pass on the result and in the store.
func (o *Orchestrator) fail(
	ctx context.Context, desc domain.EntityDescriptor, state domain.SyncState, res *domain.EntityResult, err error,
) {
	name := desc.EntitySetName
	res.Error = domain.ErrorInfoOf(err)

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Status = domain.StatusCancelled
		logger.Info("sync: %s: cancelled", name)
		return

	case domain.IsCursorExpired(err):
		res.Status = domain.StatusInvalidated
		logger.Warn("sync: %s: change token expired, next pass runs a full load", name)
		if err := o.tracker.Invalidate(ctx, name); err != nil {
			logger.Error("sync: %s: invalidate: %v", name, err)
		}
		return
	}

	// The stored row may have moved on since this pass loaded it.
	if latest, lerr := o.tracker.Load(ctx, name); lerr == nil {
		state = latest
	}
	state, serr := o.tracker.RecordFailure(ctx, state, err, o.cfg.Backoff)
	if serr != nil {
		logger.Error("sync: %s: record failure: %v", name, serr)
	} else {
		res.ResumeAt = state.ResumeAt
	}

	if domain.IsRetryable(err) && state.ConsecutiveFailures <= o.cfg.MaxRetries {
		res.Status = domain.StatusBackoff
		logger.Warn("sync: %s: pass failed (attempt %d), retrying later: %v", name, state.ConsecutiveFailures, err)
		return
	}
	res.Status = domain.StatusFailed
	logger.Error("sync: %s: pass failed: %v", name, err)
}
