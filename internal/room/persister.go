package room

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/document"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/persistence"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const opPersistSnapshot = "room.persist_snapshot"

type persisterConfig struct {
	roomID        RoomID
	store         *document.Store
	backend       persistence.Backend
	timeout       time.Duration
	retries       int
	retryInterval time.Duration
	throttle      time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// persister saves one room's snapshot. While running it coalesces
// document-scope changes into at most one save per throttle interval.
type persister struct {
	cfg persisterConfig

	dirty       chan struct{}
	stopCh      chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()

	saveMu     sync.Mutex
	savedEpoch uint64
}

func newPersister(cfg persisterConfig) *persister {
	return &persister{
		cfg:        cfg,
		dirty:      make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		savedEpoch: cfg.store.Epoch(),
	}
}

// start enables continuous persistence.
func (p *persister) start() {
	p.unsubscribe = p.cfg.store.Subscribe(document.NewScopeSet(document.ScopeDocument), func(document.ChangeEntry) {
		select {
		case p.dirty <- struct{}{}:
		default:
		}
	})
	go p.run()
}

func (p *persister) run() {
	defer close(p.done)
	throttle := time.NewTimer(0)
	if !throttle.Stop() {
		<-throttle.C
	}
	for {
		select {
		case <-p.stopCh:
			return
		case <-p.dirty:
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.budget())
		_ = p.save(ctx)
		cancel()

		throttle.Reset(p.cfg.throttle)
		select {
		case <-p.stopCh:
			throttle.Stop()
			return
		case <-throttle.C:
		}
	}
}

// stop halts continuous persistence and waits for an in-flight save.
func (p *persister) stop() {
	p.stopOnce.Do(func() {
		if p.unsubscribe == nil {
			close(p.done)
			return
		}
		p.unsubscribe()
		close(p.stopCh)
	})
	<-p.done
}

func (p *persister) budget() time.Duration {
	attempts := time.Duration(p.cfg.retries + 1)
	return attempts*p.cfg.timeout + attempts*p.cfg.retryInterval*4
}

// save writes the current snapshot unless it is already stored. Each attempt is
// bounded by the configured timeout and failures retry with exponential backoff.
// A final failure leaves the in-memory room authoritative.
func (p *persister) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	snapshot := p.cfg.store.Snapshot()
	if snapshot.Epoch == p.savedEpoch {
		p.cfg.metrics.SnapshotSaved(metrics.SaveResultSkipped, 0)
		return nil
	}

	started := time.Now()
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.cfg.retryInterval
	policy.MaxInterval = 4 * p.cfg.retryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.cfg.retries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
		defer cancel()
		return p.cfg.backend.Save(attemptCtx, p.cfg.roomID.String(), snapshot)
	}, retry)
	elapsed := time.Since(started).Seconds()
	if err != nil {
		p.cfg.metrics.SnapshotSaved(metrics.SaveResultFailure, elapsed)
		p.cfg.logger.Error("room service error",
			zap.String("operation", opPersistSnapshot),
			zap.String("reason", "save_failed"),
			zap.String(fieldRoomID, p.cfg.roomID.String()),
			zap.Uint64(fieldEpoch, snapshot.Epoch),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return newOperationError(opPersistSnapshot, "save_failed", err)
	}
	p.savedEpoch = snapshot.Epoch
	p.cfg.metrics.SnapshotSaved(metrics.SaveResultSuccess, elapsed)
	p.cfg.logger.Debug("room snapshot saved",
		zap.String(fieldRoomID, p.cfg.roomID.String()),
		zap.Uint64(fieldEpoch, snapshot.Epoch),
		zap.Int("records", len(snapshot.Records)))
	return nil
}
