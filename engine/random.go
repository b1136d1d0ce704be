package engine

import (
	iface "CustomDetServe/interface"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const maxRandomBoxes = 5

// RandomEngine draws 1 to 5 random boxes per image, each with a random
// confidence and a random class from the catalog.
type RandomEngine struct {
	mu       sync.Mutex
	rng      *rand.Rand
	classIDs []int
}

// NewRandomEngine seeds from the clock when seed is 0.
func NewRandomEngine(classIDs []int, seed int64) *RandomEngine {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ids := make([]int, len(classIDs))
	copy(ids, classIDs)
	return &RandomEngine{rng: rand.New(rand.NewSource(seed)), classIDs: ids}
}

func (e *RandomEngine) Name() string { return "random" }

func (e *RandomEngine) Deploy(string) error {
	if len(e.classIDs) == 0 {
		return fmt.Errorf("%w: random engine has no classes to draw from", iface.ErrConfiguration)
	}
	return nil
}

func (e *RandomEngine) Predict(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	// boxes stay off the outer 1px border and need room for a 1px extent
	if img.Width < 3 || img.Height < 3 {
		return iface.Detections{}, fmt.Errorf("%w: image %dx%d is too small", iface.ErrUnsupportedInput, img.Width, img.Height)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var d iface.Detections
	n := 1 + e.rng.Intn(maxRandomBoxes)
	for i := 0; i < n; i++ {
		left, right := e.span(img.Width)
		top, bottom := e.span(img.Height)
		d.Append(
			iface.Box{Top: top, Left: left, Bottom: bottom, Right: right},
			e.rng.Float64(),
			iface.ClassByID(e.classIDs[e.rng.Intn(len(e.classIDs))]),
		)
	}
	return d, nil
}

// span draws an ordered coordinate pair in [1, size-1] with lo < hi.
func (e *RandomEngine) span(size int) (int, int) {
	a := 1 + e.rng.Intn(size-2)
	b := 1 + e.rng.Intn(size-2)
	if a == b {
		b++
	}
	if a > b {
		a, b = b, a
	}
	return a, b
}

func (e *RandomEngine) Destroy() {}
