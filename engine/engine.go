package engine

import (
	iface "CustomDetServe/interface"
	"context"
	"fmt"
	"sync"
)

// Detector guards one prediction backend with a small state machine:
// UNREGISTERED -> REGISTERED (New) -> IDLE (LoadModel) <-> BUSY (Detect).
type Detector struct {
	mu          sync.Mutex
	backend     iface.Predictor
	WeightsPath string
	State       int
}

func (d *Detector) New(backend iface.Predictor) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backend = backend
	if backend == nil {
		d.State = UNREGISTERED
		return false
	}
	d.State = REGISTERED
	return true
}

// LoadModel deploys the backend with the given weights. An empty path is
// allowed: template engines have nothing to load.
func (d *Detector) LoadModel(weightsPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == nil {
		return ErrNotRegistered
	}
	switch d.State {
	case UNREGISTERED:
		return ErrNotRegistered
	case BUSY:
		return ErrBusy
	}
	if err := d.backend.Deploy(weightsPath); err != nil {
		return fmt.Errorf("deploy %s: %w", d.backend.Name(), err)
	}
	d.WeightsPath = weightsPath
	d.State = IDLE
	return nil
}

func (d *Detector) Detect(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	d.mu.Lock()
	switch {
	case d.backend == nil, d.State == UNREGISTERED:
		d.mu.Unlock()
		return iface.Detections{}, ErrNotRegistered
	case d.State == REGISTERED:
		d.mu.Unlock()
		return iface.Detections{}, ErrNotLoaded
	case d.State == BUSY:
		d.mu.Unlock()
		return iface.Detections{}, ErrBusy
	}
	d.State = BUSY
	backend := d.backend
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.State == BUSY {
			d.State = IDLE
		}
		d.mu.Unlock()
	}()
	dets, err := backend.Predict(ctx, img)
	if err != nil {
		return iface.Detections{}, err
	}
	if err := dets.Check(); err != nil {
		return iface.Detections{}, fmt.Errorf("%s: %w", backend.Name(), err)
	}
	return dets, nil
}

func (d *Detector) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend == nil {
		return ""
	}
	return d.backend.Name()
}

func (d *Detector) CheckState() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.backend != nil {
		d.backend.Destroy()
	}
	d.backend = nil
	d.WeightsPath = ""
	d.State = UNREGISTERED
}
