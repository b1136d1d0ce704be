package serve

import (
	"CustomDetServe/engine"
	iface "CustomDetServe/interface"
	"CustomDetServe/logger"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

var ErrPoolClosed = errors.New("worker pool closed")

type jobPackage struct {
	ctx    context.Context
	image  iface.ImageData
	result chan jobResult
}

type jobResult struct {
	dets iface.Detections
	err  error
}

// Pool runs predictions on a fixed set of workers. Every worker owns its
// detector, so a detector never sees two images at once.
type Pool struct {
	detectors []*engine.Detector
	jobs      chan jobPackage
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPool(detectors []*engine.Detector) *Pool {
	return &Pool{
		detectors: detectors,
		jobs:      make(chan jobPackage, len(detectors)),
		done:      make(chan struct{}),
	}
}

func (p *Pool) Size() int {
	return len(p.detectors)
}

func (p *Pool) Start() {
	for i, d := range p.detectors {
		p.wg.Add(1)
		go p.runWorker(i, d)
	}
}

func (p *Pool) runWorker(workerID int, d *engine.Detector) {
	defer p.wg.Done()
	// cgo backends expect a model to stay on the thread that loaded it
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("Worker created", zap.Int("worker", workerID), zap.String("engine", d.Name()))
	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			job.result <- p.detect(workerID, d, job)
		}
	}
}

func (p *Pool) detect(workerID int, d *engine.Detector, job jobPackage) (res jobResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("Worker panic recovered", zap.Int("worker", workerID), zap.Any("panic", r))
			res = jobResult{err: fmt.Errorf("worker %d panic: %v", workerID, r)}
		}
	}()
	if err := job.ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	dets, err := d.Detect(job.ctx, job.image)
	return jobResult{dets: dets, err: err}
}

// Detect queues one image and waits for its detections.
func (p *Pool) Detect(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	job := jobPackage{ctx: ctx, image: img, result: make(chan jobResult, 1)}
	select {
	case p.jobs <- job:
	case <-p.done:
		return iface.Detections{}, ErrPoolClosed
	case <-ctx.Done():
		return iface.Detections{}, ctx.Err()
	}
	select {
	case res := <-job.result:
		return res.dets, res.err
	case <-p.done:
		return iface.Detections{}, ErrPoolClosed
	case <-ctx.Done():
		return iface.Detections{}, ctx.Err()
	}
}

// Close stops the workers and destroys their detectors.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		for _, d := range p.detectors {
			d.Destroy()
		}
	})
}
