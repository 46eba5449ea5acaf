package etl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/alert"
	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
	"github.com/ajitpratap0/nebula-etl/pkg/nebulaerrors"
)

// extractAndTransform pulls items starting at from through a fresh
// transformer until the change feed is exhausted or the governor stops the
// batch. ok is false when a fatal transform error aborted the batch.
func (p *Process) extractAndTransform(ctx context.Context, from uint64) (items []models.TransformedItem, ok bool, err error) {
	docs, err := p.source.Documents(ctx, p.cfg.Collection, from)
	if err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to open document cursor")
	}
	defer func() { _ = docs.Close(ctx) }()

	tombs, err := p.source.Tombstones(ctx, p.cfg.Collection, from)
	if err != nil {
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "failed to open tombstone cursor")
	}
	defer func() { _ = tombs.Close(ctx) }()

	merged := newMergedCursor(docs, tombs, &p.batch)
	transformer := p.transforms()

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		item, more := merged.Next(ctx)
		if !more {
			break
		}
		p.metrics.Extracted(1)

		err := transformer.Transform(ctx, item)
		switch {
		case err == nil:
			p.statistics.transformationSuccess()
			p.metrics.Transformed(true)
			p.batch.Transformed++
			p.batch.LastTransformedSequence = item.Sequence
			if !p.governor.CanContinue(ctx, &p.batch) {
				return transformer.Results(), true, nil
			}

		case nebulaerrors.IsFatalTransform(err):
			p.metrics.Transformed(false)
			p.failFatally(ctx, err)
			return nil, false, nil

		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return nil, false, err

		default:
			p.statistics.recordTransformationError(err, p.clock.Now())
			p.metrics.Transformed(false)
			logger.WithContext(ctx).Info("could not transform item, skipping it",
				zap.String("id", item.ID),
				zap.Uint64("sequence", item.Sequence),
				zap.Error(err))
		}
	}

	if err := merged.Err(); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, false, err
		}
		return nil, false, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeExtract, "change feed read failed")
	}
	return transformer.Results(), true, nil
}

// failFatally raises an alert for a broken transform and stops the process
// without waiting for the worker, which is the caller. Statistics only record
// the alert; the item is not counted as a transformation error.
func (p *Process) failFatally(ctx context.Context, err error) {
	log := logger.WithContext(ctx)
	message := fmt.Sprintf("[%s] Could not parse transformation. Stopping ETL process.", p.cfg.Name)
	log.Error(message, zap.Error(err))

	a := alert.New(alert.TypeTransformationError, alert.SeverityError, p.cfg.Tag, p.cfg.Name, "Transformation error", message+" "+err.Error())

	if aerr := p.alerts.Raise(ctx, a); aerr != nil {
		log.Warn("failed to raise alert", zap.Error(aerr))
	}
	p.statistics.alertRaised(a.CreatedAt)

	p.requestStop()
}
