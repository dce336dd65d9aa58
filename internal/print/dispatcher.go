package print

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhalala/possync/internal/config"
	"github.com/abhalala/possync/internal/device"
)

// ErrQueueFull reports that the retry queue hit its soft cap and the oldest
// queued job was dropped to make room.
var ErrQueueFull = errors.New("print queue full, oldest job dropped")

type queuedJob struct {
	ID       string
	Payload  []byte
	Attempts int
	Queued   time.Time
}

// Dispatcher sits above the device link. It serializes writes (the printer
// accepts one write at a time), splits encoded jobs into transport-sized
// chunks, and keeps a FIFO retry queue for jobs that could not be delivered
// while the link was down.
type Dispatcher struct {
	link *device.Link
	cfg  config.DeviceConfig
	pcfg config.PrinterConfig
	log  *zap.Logger

	flightMu sync.Mutex // held for the duration of one job: single flight

	mu    sync.Mutex
	queue []queuedJob
}

func NewDispatcher(link *device.Link, cfg config.DeviceConfig, pcfg config.PrinterConfig, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		link: link,
		cfg:  cfg,
		pcfg: pcfg,
		log:  log,
	}
	link.SetWorkProbe(func() bool { return d.QueuedJobs() > 0 })
	link.Subscribe(func(change device.StateChange) {
		if change.State == device.StateConnected {
			go d.drain()
		}
	})
	return d
}

func (d *Dispatcher) QueuedJobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Print delivers one encoded job to the printer. When the link is down it
// first tries to connect; if that fails the job is parked on the retry queue
// and the connect error is returned so the caller can offer a retry or
// fallback path. Jobs already queued are flushed first to preserve order.
func (d *Dispatcher) Print(ctx context.Context, payload []byte) error {
	job := queuedJob{
		ID:      uuid.NewString(),
		Payload: payload,
		Queued:  time.Now(),
	}

	if d.link.State() != device.StateConnected {
		if err := d.link.Connect(ctx, false); err != nil {
			dropped := d.enqueueBack(job)
			d.log.Warn("printer unreachable, job queued",
				zap.String("job_id", job.ID),
				zap.Int("queued", d.QueuedJobs()),
				zap.Error(err))
			if dropped {
				return errors.Join(fmt.Errorf("print deferred: %w", err), ErrQueueFull)
			}
			return fmt.Errorf("print deferred: %w", err)
		}
	}

	d.flightMu.Lock()
	defer d.flightMu.Unlock()

	d.drainLocked(ctx)

	if err := d.writeJob(ctx, job.Payload); err != nil {
		job.Attempts++
		d.enqueueFront(job)
		d.log.Warn("print write failed mid-job, job requeued",
			zap.String("job_id", job.ID), zap.Error(err))
		d.link.NotifyQueuedWork()
		return err
	}

	d.log.Info("print job delivered",
		zap.String("job_id", job.ID),
		zap.Int("bytes", len(job.Payload)))
	return nil
}

// drain flushes the retry queue one job at a time. It runs after every
// successful (re)connect and pauses as soon as the link drops again.
func (d *Dispatcher) drain() {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	d.drainLocked(context.Background())
}

func (d *Dispatcher) drainLocked(ctx context.Context) {
	for {
		if d.link.State() != device.StateConnected {
			return
		}

		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		job := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := d.writeJob(ctx, job.Payload); err != nil {
			job.Attempts++
			if job.Attempts >= d.pcfg.MaxAttempts {
				d.log.Error("print job dropped after repeated failures",
					zap.String("job_id", job.ID),
					zap.Int("attempts", job.Attempts),
					zap.Error(err))
				return
			}
			d.enqueueFront(job)
			d.log.Warn("queued print failed, pausing drain",
				zap.String("job_id", job.ID), zap.Error(err))
			d.link.NotifyQueuedWork()
			return
		}

		d.log.Info("queued print job delivered", zap.String("job_id", job.ID))
	}
}

// writeJob splits the payload into transport-sized chunks and writes them
// sequentially, pausing between chunks so the printer's buffer keeps up.
// A mid-job failure is not retried here; the link's disconnect handling owns
// recovery.
func (d *Dispatcher) writeJob(ctx context.Context, payload []byte) error {
	size := d.cfg.ChunkSize
	for offset := 0; offset < len(payload); offset += size {
		end := offset + size
		if end > len(payload) {
			end = len(payload)
		}
		if err := d.link.Write(ctx, payload[offset:end]); err != nil {
			return err
		}
		if end < len(payload) && d.cfg.InterChunkDelay > 0 {
			time.Sleep(d.cfg.InterChunkDelay)
		}
	}
	return nil
}

func (d *Dispatcher) enqueueBack(job queuedJob) (dropped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) >= d.pcfg.QueueCap {
		oldest := d.queue[0]
		d.queue = d.queue[1:]
		dropped = true
		d.log.Warn("print queue full, dropping oldest job",
			zap.String("dropped_job_id", oldest.ID))
	}
	d.queue = append(d.queue, job)
	return dropped
}

func (d *Dispatcher) enqueueFront(job queuedJob) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append([]queuedJob{job}, d.queue...)
}
