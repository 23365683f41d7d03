// Package fleet fans one operation out to several configured devices
// through a bounded worker pool, so a fixture can prepare a whole test
// bench without serializing on the slowest transport.
package fleet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/thin-edge/device-test-core/pkg/config"
	"github.com/thin-edge/device-test-core/pkg/device"
	"github.com/thin-edge/device-test-core/pkg/device/factory"
	"github.com/thin-edge/device-test-core/pkg/lg"
)

// DefaultWorkers bounds concurrency when the caller does not.
const DefaultWorkers = 10

// Op is the unit of work applied to each device. The adapter is started
// before the call and stopped after it.
type Op func(ctx context.Context, a device.Adapter) error

// Result pairs a device name with the outcome of its operation.
type Result struct {
	Device string
	Err    error
}

// Pool runs submitted jobs with a fixed number of workers.
type Pool[T any] struct {
	jobs   chan poolJob[T]
	fn     func(context.Context, T) error
	log    lg.Logger
	wg     sync.WaitGroup
	active int32
}

type poolJob[T any] struct {
	ctx     context.Context
	payload T
	done    func(error)
}

// NewPool starts workers goroutines executing fn for each submitted
// payload. Close must be called to release them.
func NewPool[T any](workers int, fn func(context.Context, T) error, logger lg.Logger) *Pool[T] {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = lg.Discard
	}
	p := &Pool[T]{
		jobs: make(chan poolJob[T]),
		fn:   fn,
		log:  logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues one payload. It blocks while every worker is busy. done,
// when non-nil, receives the job's outcome.
func (p *Pool[T]) Submit(ctx context.Context, payload T, done func(error)) {
	p.jobs <- poolJob[T]{ctx: ctx, payload: payload, done: done}
}

// Close stops accepting jobs and waits for in-flight ones to finish.
func (p *Pool[T]) Close() {
	close(p.jobs)
	p.wg.Wait()
}

// ActiveWorkers reports how many workers are currently running a job.
func (p *Pool[T]) ActiveWorkers() int32 { return atomic.LoadInt32(&p.active) }

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		if err := j.ctx.Err(); err != nil {
			if j.done != nil {
				j.done(err)
			}
			continue
		}
		atomic.AddInt32(&p.active, 1)
		err := p.fn(j.ctx, j.payload)
		atomic.AddInt32(&p.active, -1)
		if err != nil {
			p.log.Warn("fleet job failed", lg.Err(err))
		}
		if j.done != nil {
			j.done(err)
		}
	}
}

// Run applies op to every listed device and returns one Result per
// device, in input order. Failures are collected, not short-circuited;
// cancelling ctx abandons devices whose job has not started yet.
func Run(ctx context.Context, devices []config.DeviceConfig, workers int, logger lg.Logger, op Op) []Result {
	if logger == nil {
		logger = lg.Discard
	}
	results := make([]Result, len(devices))

	pool := NewPool(workers, func(ctx context.Context, d *config.DeviceConfig) error {
		return runOne(ctx, d, logger, op)
	}, logger)
	for i := range devices {
		d := &devices[i]
		pool.Submit(ctx, d, func(err error) {
			// Each job writes a distinct index, so no lock is needed.
			results[i] = Result{Device: d.Name, Err: err}
		})
	}
	pool.Close()
	return results
}

func runOne(ctx context.Context, d *config.DeviceConfig, logger lg.Logger, op Op) error {
	a, err := factory.New(d, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = a.Stop(ctx) }()
	return op(ctx, a)
}
