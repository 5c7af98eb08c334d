package channel

import (
	"context"
	"sync"

	"ingestflow/logger"
	"ingestflow/models"
)

type RejectStats struct {
	Sent    int64
	Dropped int64
}

// Rejects is a bounded buffer between the pipeline shards and whatever
// records rejected events. Sends never block a shard: a full buffer drops the
// rejection and counts it.
type Rejects struct {
	C chan models.RejectedEvent

	stats      RejectStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewRejects(bufferSize int) *Rejects {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	c := &Rejects{
		C:   make(chan models.RejectedEvent, bufferSize),
		log: log,
	}

	log.WithComponent("reject_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("reject channel initialized")

	return c
}

// Reject implements processor.RejectSink.
func (c *Rejects) Reject(rej models.RejectedEvent) {
	select {
	case c.C <- rej:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
	}
}

// Drain hands buffered rejections to fn until the channel is closed or ctx is done.
func (c *Rejects) Drain(ctx context.Context, fn func(models.RejectedEvent)) {
	for {
		select {
		case <-ctx.Done():
			return
		case rej, ok := <-c.C:
			if !ok {
				return
			}
			fn(rej)
		}
	}
}

// Close must only be called once the pipeline has drained.
func (c *Rejects) Close() {
	c.closeOnce.Do(func() {
		close(c.C)
		stats := c.GetStats()
		c.log.WithComponent("reject_channel").WithFields(logger.Fields{
			"sent":    stats.Sent,
			"dropped": stats.Dropped,
		}).Info("reject channel closed")
	})
}

func (c *Rejects) GetStats() RejectStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
