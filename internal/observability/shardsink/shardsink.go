// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package shardsink is the default observability.Provider: it tracks
// only workflow-level identity, status, and timestamps, and on flush
// upserts a single IndexEntry into the workflow type's shard, computed
// via pkg/shardhash (spec.md §4.2/§4.6). Step-level events are no-ops —
// step detail already lives in the workflow's own storage, so no
// step-level metric or span is ever recorded by this provider.
//
// The counters are built against the real OpenTelemetry Metric API (not
// raw promauto) so they ride whatever MeterProvider
// internal/tracing.Global registered; with no provider registered they
// fall back to the no-op SDK default and every .Add call is a cheap
// no-op, grounded on the teacher's internal/tracing/metrics.go. The
// flush span follows internal/tracing/workflow.go's
// StartStep/StartWorkflowRun shape — real once a TracerProvider is
// registered, otherwise the same no-op default.
package shardsink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	alog "github.com/tombee/ablauf/internal/log"
	"github.com/tombee/ablauf/internal/observability"
	"github.com/tombee/ablauf/internal/storage"
	"github.com/tombee/ablauf/pkg/shardhash"
)

// ShardIndex is the RPC surface a shard actor exposes, as seen from the
// observability provider. internal/shardactor's actor type satisfies
// this directly.
type ShardIndex interface {
	IndexWrite(ctx context.Context, shard string, entry storage.IndexEntryRow) error
	IndexList(ctx context.Context, shard string, status string, limit int) ([]storage.IndexEntryRow, error)
}

// Provider is the shard-based default observability.Provider.
type Provider struct {
	index      ShardIndex
	shardCount int
	tracer     trace.Tracer
	logger     *slog.Logger
	limiter    *rate.Limiter

	starts      metric.Int64Counter
	completions metric.Int64Counter
	flushErrors metric.Int64Counter
}

// Option configures optional Provider behavior.
type Option func(*Provider)

// WithRateLimit caps IndexWrite calls to rps per second, allowing up to
// burst writes at once; writes over the limit are not queued. A throttled flush skips
// the shard write entirely for that cycle rather than blocking the
// workflow actor — the next flush's entry supersedes it, matching
// spec.md §4.7's "shard-write failures must never affect the source
// workflow" latitude. Grounded on the teacher's
// internal/controller/filewatcher/service.go rate-limited entries.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *Provider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// New builds a shard-based Provider writing through index, distributing
// instances across shardCount shards per type. logger is the process's
// base logger; a nil logger gets internal/log's default.
func New(index ShardIndex, shardCount int, logger *slog.Logger, opts ...Option) *Provider {
	if shardCount <= 0 {
		shardCount = 1
	}
	if logger == nil {
		logger = alog.New(alog.DefaultConfig())
	}

	meter := otel.Meter("ablauf/observability")
	starts, _ := meter.Int64Counter("ablauf_workflow_starts_total",
		metric.WithDescription("Total workflow instances initialized, by type"))
	completions, _ := meter.Int64Counter("ablauf_workflow_completions_total",
		metric.WithDescription("Total workflow instances reaching a terminal status, by type and status"))
	flushErrors, _ := meter.Int64Counter("ablauf_shard_flush_errors_total",
		metric.WithDescription("Total observability shard flush errors, by workflow type"))

	p := &Provider{
		index:       index,
		shardCount:  shardCount,
		tracer:      otel.Tracer("ablauf/observability"),
		logger:      logger,
		starts:      starts,
		completions: completions,
		flushErrors: flushErrors,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type collector struct {
	id        string
	typ       string
	status    string
	createdAt time.Time
	updatedAt time.Time
	seenStart bool
}

func (p *Provider) CreateCollector(id, typ string) observability.Collector {
	return &collector{id: id, typ: typ}
}

func asCollector(c observability.Collector) *collector {
	cc, ok := c.(*collector)
	if !ok {
		return &collector{}
	}
	return cc
}

func (p *Provider) OnWorkflowStart(c observability.Collector, ev observability.WorkflowStartEvent) {
	cc := asCollector(c)
	cc.seenStart = true
	cc.createdAt = ev.Timestamp
	cc.updatedAt = ev.Timestamp
	cc.status = "running"
	p.starts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", cc.typ)))
}

func (p *Provider) OnWorkflowStatusChange(c observability.Collector, ev observability.WorkflowStatusChangeEvent) {
	cc := asCollector(c)
	cc.status = ev.Status
	cc.updatedAt = ev.Timestamp
	if ev.CreatedAt != nil {
		cc.createdAt = *ev.CreatedAt
	}
	if storage.Status(ev.Status).IsTerminal() {
		p.completions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", cc.typ),
			attribute.String("status", ev.Status),
		))
	}
}

func (p *Provider) OnStepStart(observability.Collector, observability.StepStartEvent)       {}
func (p *Provider) OnStepComplete(observability.Collector, observability.StepCompleteEvent) {}
func (p *Provider) OnStepRetry(observability.Collector, observability.StepRetryEvent)        {}

// Flush computes the destination shard and upserts the collected
// IndexEntry. Failures are recorded on the flushErrors counter and
// otherwise swallowed — per spec.md §4.7, shard-write failures must
// never affect the source workflow. A configured rate limiter
// (WithRateLimit) can also skip the write outright under sustained
// flush pressure; the next cycle's entry supersedes whatever was
// dropped, so this is safe to do silently at the index layer (it is
// still logged here for operability).
func (p *Provider) Flush(c observability.Collector, reason string) {
	cc := asCollector(c)
	if cc.id == "" {
		return
	}
	if cc.status == "" {
		cc.status = reason
	}

	shard := shardhash.Of(cc.id, p.shardCount)
	shardName := ShardActorName(cc.typ, shard)
	shardLogger := alog.WithShardContext(p.logger, cc.typ, shard)

	ctx, span := p.tracer.Start(context.Background(), "observability.flush",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.id", cc.id),
			attribute.String("workflow.type", cc.typ),
			attribute.String("workflow.status", cc.status),
		),
	)
	defer span.End()

	if p.limiter != nil && !p.limiter.Allow() {
		shardLogger.Warn("index write throttled, dropping this cycle's entry", alog.String(alog.InstanceIDKey, cc.id))
		span.SetStatus(codes.Unset, "throttled")
		return
	}

	entry := storage.IndexEntryRow{
		ID:        cc.id,
		Status:    cc.status,
		CreatedAt: cc.createdAt.UnixMilli(),
		UpdatedAt: cc.updatedAt.UnixMilli(),
	}
	if err := p.index.IndexWrite(ctx, shardName, entry); err != nil {
		p.flushErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", cc.typ)))
		shardLogger.Error("index write failed", alog.String(alog.InstanceIDKey, cc.id), alog.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// ShardActorName is the naming convention spec.md §4.7 uses for an
// index shard actor: "__index:<type>:<shard>".
func ShardActorName(typ string, shard int) string {
	return fmt.Sprintf("__index:%s:%d", typ, shard)
}

// ListWorkflows fans indexList out to every shard of typ, deduplicates
// by id keeping the max updatedAt, sorts descending by updatedAt, and
// applies limit — spec.md §4.6's read-side contract.
func (p *Provider) ListWorkflows(filters observability.ListFilters) ([]observability.IndexEntry, error) {
	if filters.Type == "" {
		return nil, fmt.Errorf("shardsink: ListWorkflows requires a Type filter")
	}
	ctx := context.Background()
	byID := map[string]observability.IndexEntry{}
	for shard := 0; shard < p.shardCount; shard++ {
		rows, err := p.index.IndexList(ctx, ShardActorName(filters.Type, shard), filters.Status, 0)
		if err != nil {
			return nil, fmt.Errorf("shardsink: list shard %d: %w", shard, err)
		}
		for _, r := range rows {
			entry := observability.IndexEntry{
				ID: r.ID, Type: filters.Type, Status: r.Status,
				CreatedAt: time.UnixMilli(r.CreatedAt), UpdatedAt: time.UnixMilli(r.UpdatedAt),
			}
			if prev, ok := byID[r.ID]; !ok || entry.UpdatedAt.After(prev.UpdatedAt) {
				byID[r.ID] = entry
			}
		}
	}

	out := make([]observability.IndexEntry, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// GetWorkflowStatus is not directly indexable without knowing the
// workflow's type (the shard key is per-type); callers that need this
// should query the workflow's own runner instead. Kept to satisfy
// observability.ReadSide for completeness with multi-type fleets where
// the type is already known by the caller via a separate lookup.
func (p *Provider) GetWorkflowStatus(id string) (*observability.IndexEntry, error) {
	return nil, fmt.Errorf("shardsink: GetWorkflowStatus requires querying the workflow's own runner")
}

// GetWorkflowTimeline is unimplemented for the shard-based provider:
// per-step history lives in the workflow's own storage, not the index.
func (p *Provider) GetWorkflowTimeline(id string) ([]observability.TimelineEntry, error) {
	return nil, fmt.Errorf("shardsink: timeline is not tracked by the shard index")
}
