package etl

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-etl/pkg/logger"
	"github.com/ajitpratap0/nebula-etl/pkg/metrics"
	"github.com/ajitpratap0/nebula-etl/pkg/models"
)

// load writes the batch to the sink and reports whether it succeeded. A
// batch with no transformed items succeeds without calling the sink and
// leaves the checkpoint where it was. A failure arms the fallback delay for
// the next iteration.
func (p *Process) load(ctx context.Context, items []models.TransformedItem) bool {
	if len(items) > 0 {
		loadCtx := ctx
		if p.cfg.Sink.Timeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(ctx, p.cfg.Sink.Timeout)
			defer cancel()
		}

		timer := metrics.NewTimer()
		err := p.sink.Load(loadCtx, items)
		elapsed := timer.Stop()

		if err != nil {
			p.consecutiveFailures++
			p.fallbackDelay = p.fallback.Delay(p.consecutiveFailures, err)
			p.statistics.recordLoadError(err, p.batch.Extracted, p.clock.Now())
			p.metrics.Loaded(p.batch.Extracted, false, elapsed)
			p.metrics.FallbackArmed(p.fallbackDelay)
			logger.WithContext(ctx).Error("failed to load transformed data",
				zap.String("sink", p.sink.Name()),
				zap.Int("items", len(items)),
				zap.Int("consecutive_failures", p.consecutiveFailures),
				zap.Duration("fallback", p.fallbackDelay),
				zap.Error(err))
			return false
		}
		p.metrics.Loaded(p.batch.Extracted, true, elapsed)
	}

	p.batch.LastLoadedSequence = p.batch.LastTransformedSequence
	p.consecutiveFailures = 0
	p.statistics.loadSuccess(p.batch.Extracted)
	return true
}
