package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"deployline/internal/config"
	"deployline/internal/deployment"
	"deployline/internal/domain"
	"deployline/internal/events"
	"deployline/internal/logging"
	"deployline/internal/repo"
	"deployline/internal/tracing"
)

const defaultPackageTTL = 5 * time.Minute

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Config    *config.Config
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time

	locks    *keyedMutex
	packages *cache.Cache
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	ttl := defaultPackageTTL
	if cfg.Cache.PackageTTLSeconds > 0 {
		ttl = time.Duration(cfg.Cache.PackageTTLSeconds) * time.Second
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Logger:   logging.Discard(),
		Tracer:   tracing.Noop().Tracer(),
		Now:      time.Now,
		locks:    newKeyedMutex(),
		packages: cache.New(ttl, 2*ttl),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

func (e Engine) startSpan(ctx context.Context, op, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = tracing.Noop().Tracer()
	}
	attrs = append(attrs, attribute.String(tracing.AttrDeploymentID, id))
	return tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutation runs fn against the stored deployment under the per-id lock and
// persists the result in one transaction. Nothing is written when fn fails
// or raises no events.
func (e Engine) mutation(ctx context.Context, op, id, actorID string, fn func(d *deployment.StudyDeployment) error) (status deployment.Status, err error) {
	ctx, span := e.startSpan(ctx, op, id, attribute.String(tracing.AttrActorID, actorID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return deployment.Status{}, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.GetDeployment(ctx, tx, id)
	if err != nil {
		return deployment.Status{}, fmt.Errorf("deployment %s: %w", id, err)
	}
	d, err := decode(rec)
	if err != nil {
		return deployment.Status{}, err
	}
	if err := fn(d); err != nil {
		return deployment.Status{}, err
	}
	status = d.Status()
	pending := d.ConsumeEvents()
	if len(pending) == 0 {
		return status, nil
	}

	rec.Status = string(status.Kind)
	rec.UpdatedAt = e.now().Format(time.RFC3339Nano)
	if rec.SnapshotJSON, err = encode(d); err != nil {
		return deployment.Status{}, err
	}
	if err := e.Repo.UpdateDeployment(ctx, tx, rec); err != nil {
		return deployment.Status{}, fmt.Errorf("update deployment %s: %w", id, err)
	}
	stored, err := e.appendEvents(ctx, tx, pending, status, actorID)
	if err != nil {
		return deployment.Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return deployment.Status{}, err
	}

	span.SetAttributes(attribute.String(tracing.AttrStatus, string(status.Kind)))
	e.logger().Info("deployment updated",
		"op", op,
		"deployment_id", id,
		"status", status.Kind,
		"events", len(stored),
		"actor_id", actorID)
	events.PublishAll(ctx, e.Publisher, e.logger(), stored)
	return status, nil
}

// appendEvents stores domain events. Each payload carries the aggregate
// status after the operation.
func (e Engine) appendEvents(ctx context.Context, tx *sql.Tx, pending []deployment.Event, status deployment.Status, actorID string) ([]domain.Event, error) {
	stored := make([]domain.Event, 0, len(pending))
	for _, evt := range pending {
		payload := events.EventPayload{}
		for k, v := range evt.Payload {
			payload[k] = v
		}
		payload["status"] = string(status.Kind)
		at := evt.At
		if at.IsZero() {
			at = e.now()
		}
		rec, err := e.Events.Append(ctx, tx, string(evt.Type), evt.DeploymentID, evt.RoleName, actorID, at, payload)
		if err != nil {
			return nil, fmt.Errorf("append %s event: %w", evt.Type, err)
		}
		stored = append(stored, rec)
	}
	return stored, nil
}

// load reads a committed deployment without taking the lock.
func (e Engine) load(ctx context.Context, id string) (domain.Deployment, *deployment.StudyDeployment, error) {
	rec, err := e.Repo.GetDeployment(ctx, nil, id)
	if err != nil {
		return domain.Deployment{}, nil, fmt.Errorf("deployment %s: %w", id, err)
	}
	d, err := decode(rec)
	if err != nil {
		return domain.Deployment{}, nil, err
	}
	return rec, d, nil
}

func encode(d *deployment.StudyDeployment) (string, error) {
	data, err := json.Marshal(d.Snapshot())
	if err != nil {
		return "", fmt.Errorf("encode deployment %s: %w", d.ID(), err)
	}
	return string(data), nil
}

func decode(rec domain.Deployment) (*deployment.StudyDeployment, error) {
	var snap deployment.Snapshot
	if err := json.Unmarshal([]byte(rec.SnapshotJSON), &snap); err != nil {
		return nil, fmt.Errorf("decode deployment %s: %w", rec.ID, err)
	}
	d, err := deployment.FromSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("restore deployment %s: %w", rec.ID, err)
	}
	return d, nil
}

// IsNotFound reports whether err means the deployment does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
