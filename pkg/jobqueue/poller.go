// Copyright 2026 Actionstat Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobqueue

import (
	"context"
	"time"

	"github.com/actionstat/actionstat/pkg/log"
	"github.com/actionstat/actionstat/pkg/metrics"
)

const (
	defaultIdleDelay      = 15 * time.Second
	defaultCollisionDelay = 2 * time.Second
	defaultDrainDelay     = 250 * time.Millisecond
)

// PendingWork is one parked unit of work awaiting conversion into a queue job.
type PendingWork struct {
	ID      uint64
	Group   string
	JobName string
	Payload []byte
}

// DedupKey identifies the logical job the record converts into.
func (w *PendingWork) DedupKey() string {
	return w.JobName + ":" + w.Group
}

// PendingSource is the durable FIFO the poller drains, oldest first.
type PendingSource interface {
	// Oldest returns the head of the group FIFO, nil when empty.
	Oldest(ctx context.Context, group string) (*PendingWork, error)
	// Delete removes a record once its job is durably enqueued.
	Delete(ctx context.Context, id uint64) error
}

// PollerConfig configures a pending-work poller.
type PollerConfig struct {
	Group          string        `mapstructure:"group"`
	IdleDelay      time.Duration `mapstructure:"idle_delay"`
	CollisionDelay time.Duration `mapstructure:"collision_delay"`
}

// SetDefaults fills in zero fields.
func (c *PollerConfig) SetDefaults() {
	if c.IdleDelay <= 0 {
		c.IdleDelay = defaultIdleDelay
	}
	if c.CollisionDelay <= 0 {
		c.CollisionDelay = defaultCollisionDelay
	}
}

// Poller converts parked pending-work records into queue jobs, one record
// per pass. It runs as a self-rescheduling queue job: every pass yields
// Retry-Later with a delay picked from what it found.
type Poller struct {
	cfg    PollerConfig
	source PendingSource
	sink   *metrics.Sink
}

// NewPoller creates a poller over the pending-work source.
func NewPoller(cfg PollerConfig, source PendingSource, sink *metrics.Sink) *Poller {
	cfg.SetDefaults()
	return &Poller{cfg: cfg, source: source, sink: sink}
}

// JobName is the queue job name the poller registers under for a group.
func (p *Poller) JobName() string {
	return "poll-pending-work:" + p.cfg.Group
}

// Handler returns the poller's JobFunc. The delete of a converted record
// happens only after the enqueue succeeded; a crash in between leaves the
// record in place and the dedup key suppresses the double conversion.
func (p *Poller) Handler() JobFunc {
	return func(jc *JobContext) (Outcome, error) {
		if jc.Job.Token == "" {
			return Outcome{}, ErrTokenMissing
		}
		if p.sink != nil {
			p.sink.PollerPasses.Inc()
		}

		rec, err := p.source.Oldest(jc.Ctx, p.cfg.Group)
		if err != nil {
			return Outcome{}, err
		}
		if rec == nil {
			return RetryLater(p.cfg.IdleDelay), nil
		}

		inFlight, err := jc.Queue.IsInFlight(jc.Ctx, rec.DedupKey())
		if err != nil {
			return Outcome{}, err
		}
		if inFlight {
			// The previous conversion is still running; back off briefly so
			// the record converts soon after it finishes.
			if p.sink != nil {
				p.sink.PollerCollisions.Inc()
			}
			return RetryLater(p.cfg.CollisionDelay), nil
		}

		var payload any
		if len(rec.Payload) > 0 {
			payload = rawPayload(rec.Payload)
		}
		if _, err := jc.Queue.Enqueue(jc.Ctx, rec.JobName, payload, EnqueueOptions{
			DedupKey: rec.DedupKey(),
		}); err != nil {
			return Outcome{}, err
		}
		if err := p.source.Delete(jc.Ctx, rec.ID); err != nil {
			return Outcome{}, err
		}

		log.Infow("pending work converted", "group", p.cfg.Group, "job", rec.JobName, "id", rec.ID)
		return RetryLater(defaultDrainDelay), nil
	}
}

// rawPayload carries pre-marshalled JSON through Enqueue unchanged.
type rawPayload []byte

func (r rawPayload) MarshalJSON() ([]byte, error) {
	return r, nil
}
