package loop

import (
	"context"
	"time"

	"github.com/coder/quartz"
	"github.com/vvka-141/txloop/internal/metrics"
	"github.com/vvka-141/txloop/pkg/txloop"
)

// committer commits a transaction, times it and translates serialization failures.
type committer struct {
	name      string
	clock     quartz.Clock
	threshold time.Duration
	translate func(err error) bool
	logger    txloop.Logger
	metrics   *metrics.Collector
}

// commit returns nil, a *txloop.Error of KindCommitFailed for translatable
// failures, or the commit error itself.
func (c *committer) commit(ctx context.Context, tx txloop.Transaction, description string) error {
	start := c.clock.Now("commit")
	err := tx.Commit(ctx)
	elapsed := c.clock.Since(start, "commit")

	if err == nil {
		long := elapsed > c.threshold
		c.metrics.Commit(c.name, elapsed, long)
		if long {
			c.logger.Warn("Slow commit of transaction %s (%q): %v", tx.ID(), description, elapsed)
		}
		return nil
	}

	if c.translate(err) {
		return &txloop.Error{Kind: txloop.KindCommitFailed, Message: err.Error(), Cause: err}
	}

	c.logger.Error("Failed to commit transaction %s (%q): %+v", tx.ID(), description, err)
	return err
}
