package engine

import (
	"CustomDetServe/config"
	iface "CustomDetServe/interface"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	deployErr error
	block     chan struct{}
	destroyed bool
}

func (m *MockBackend) Name() string             { return "mock" }
func (m *MockBackend) Deploy(path string) error { return m.deployErr }
func (m *MockBackend) Destroy()                 { m.destroyed = true }

func (m *MockBackend) Predict(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	if m.block != nil {
		<-m.block
	}
	var d iface.Detections
	d.Append(iface.Box{Top: 1, Left: 1, Bottom: 2, Right: 2}, 0.99, iface.ClassByName("mock"))
	return d, nil
}

func TestDetector_All(t *testing.T) {
	backend := &MockBackend{}
	d := &Detector{}
	ctx := context.Background()

	t.Run("Test Detect Unregistered", func(t *testing.T) {
		_, err := d.Detect(ctx, iface.ImageData{})
		assert.ErrorIs(t, err, ErrNotRegistered)
		assert.ErrorIs(t, d.LoadModel(""), ErrNotRegistered)
	})

	t.Run("Test New", func(t *testing.T) {
		require.True(t, d.New(backend))
		assert.Equal(t, REGISTERED, d.CheckState())
		assert.Equal(t, "mock", d.Name())
		_, err := d.Detect(ctx, iface.ImageData{})
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("Test LoadModel", func(t *testing.T) {
		require.NoError(t, d.LoadModel("weights.pth"))
		assert.Equal(t, IDLE, d.CheckState())
		assert.Equal(t, "weights.pth", d.WeightsPath)
	})

	t.Run("Test Detect", func(t *testing.T) {
		dets, err := d.Detect(ctx, iface.ImageData{Width: 10, Height: 10})
		require.NoError(t, err)
		assert.Equal(t, 1, dets.Len())
		assert.Equal(t, IDLE, d.CheckState())
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.True(t, backend.destroyed)
		assert.Equal(t, "", d.WeightsPath)
		assert.Equal(t, UNREGISTERED, d.CheckState())
		assert.Equal(t, "", d.Name())
	})
}

func TestDetectorBusy(t *testing.T) {
	backend := &MockBackend{block: make(chan struct{})}
	d := &Detector{}
	d.New(backend)
	require.NoError(t, d.LoadModel(""))

	done := make(chan error)
	go func() {
		_, err := d.Detect(context.Background(), iface.ImageData{})
		done <- err
	}()
	require.Eventually(t, func() bool { return d.CheckState() == BUSY }, time.Second, time.Millisecond)
	_, err := d.Detect(context.Background(), iface.ImageData{})
	assert.ErrorIs(t, err, ErrBusy)
	close(backend.block)
	assert.NoError(t, <-done)
	assert.Equal(t, IDLE, d.CheckState())
}

func TestDetectorDeployError(t *testing.T) {
	d := &Detector{}
	d.New(&MockBackend{deployErr: errors.New("no gpu")})
	err := d.LoadModel("w.pth")
	assert.ErrorContains(t, err, "no gpu")
	assert.Equal(t, REGISTERED, d.CheckState())
	assert.False(t, (&Detector{}).New(nil))
}

func TestDetectorZeroValue(t *testing.T) {
	var d Detector
	assert.Equal(t, UNREGISTERED, d.CheckState())
	assert.NotPanics(t, func() {
		_, err := d.Detect(context.Background(), iface.ImageData{})
		assert.ErrorIs(t, err, ErrNotRegistered)
		assert.ErrorIs(t, d.LoadModel("w.pth"), ErrNotRegistered)
	})

	forced := &Detector{State: IDLE}
	assert.NotPanics(t, func() {
		_, err := forced.Detect(context.Background(), iface.ImageData{})
		assert.ErrorIs(t, err, ErrNotRegistered)
		assert.ErrorIs(t, forced.LoadModel(""), ErrNotRegistered)
	})
}

func TestExampleEngine(t *testing.T) {
	e := &ExampleEngine{}
	require.NoError(t, e.Deploy(""))
	d, err := e.Predict(context.Background(), iface.ImageData{})
	require.NoError(t, err)
	require.Equal(t, 1, d.Len())
	assert.Equal(t, iface.Box{Top: 50, Left: 100, Bottom: 77, Right: 145}, d.Boxes[0])
	assert.Equal(t, 0.88, d.Scores[0])
	assert.Equal(t, "person", d.Classes[0].Name)

	d.Boxes[0].Top = 0
	again, err := e.Predict(context.Background(), iface.ImageData{})
	require.NoError(t, err)
	assert.Equal(t, 50, again.Boxes[0].Top)
}

func TestRandomEngine(t *testing.T) {
	e := NewRandomEngine([]int{0, 1, 2}, 17)
	require.NoError(t, e.Deploy(""))
	img := iface.ImageData{Width: 64, Height: 48}
	for i := 0; i < 200; i++ {
		d, err := e.Predict(context.Background(), img)
		require.NoError(t, err)
		require.NoError(t, d.Check())
		assert.GreaterOrEqual(t, d.Len(), 1)
		assert.LessOrEqual(t, d.Len(), 5)
		for j, b := range d.Boxes {
			assert.Less(t, b.Left, b.Right)
			assert.Less(t, b.Top, b.Bottom)
			assert.GreaterOrEqual(t, b.Left, 1)
			assert.GreaterOrEqual(t, b.Top, 1)
			assert.LessOrEqual(t, b.Right, img.Width-1)
			assert.LessOrEqual(t, b.Bottom, img.Height-1)
			assert.GreaterOrEqual(t, d.Scores[j], 0.0)
			assert.Less(t, d.Scores[j], 1.0)
			assert.Contains(t, []int{0, 1, 2}, d.Classes[j].ID)
		}
	}
}

func TestRandomEngineEdges(t *testing.T) {
	e := NewRandomEngine([]int{0}, 1)
	d, err := e.Predict(context.Background(), iface.ImageData{Width: 3, Height: 3})
	require.NoError(t, err)
	for _, b := range d.Boxes {
		assert.Equal(t, iface.Box{Top: 1, Left: 1, Bottom: 2, Right: 2}, b)
	}
	_, err = e.Predict(context.Background(), iface.ImageData{Width: 2, Height: 100})
	assert.ErrorIs(t, err, iface.ErrUnsupportedInput)
	assert.ErrorIs(t, NewRandomEngine(nil, 1).Deploy(""), iface.ErrConfiguration)
}

func TestRemoteEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/predict":
			file, _, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			body, _ := io.ReadAll(file)
			if string(body) != "jpeg-bytes" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"predictions": []map[string]any{{"bbox": []int{50, 100, 77, 145}, "class": "person", "confidence": 0.88}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	e := NewRemoteEngine(srv.URL+"/", time.Second)
	require.NoError(t, e.Deploy(""))
	d, err := e.Predict(context.Background(), iface.ImageData{Encoded: []byte("jpeg-bytes")})
	require.NoError(t, err)
	require.Equal(t, 1, d.Len())
	assert.Equal(t, "person", d.Classes[0].Name)

	_, err = e.Predict(context.Background(), iface.ImageData{Encoded: []byte("other")})
	assert.ErrorIs(t, err, iface.ErrFetch)

	down := NewRemoteEngine(srv.URL+"/missing", time.Second)
	assert.ErrorIs(t, down.Deploy(""), iface.ErrFetch)
}

func TestNewBackend(t *testing.T) {
	for kind, name := range map[string]string{
		config.EngineExample: "example",
		config.EngineRandom:  "random",
		config.EngineRemote:  "remote",
	} {
		cfg := config.Default()
		cfg.Engine = kind
		cfg.InferenceURL = "http://localhost:1"
		b, err := NewBackend(cfg, []int{0}, 1)
		require.NoError(t, err)
		assert.Equal(t, name, b.Name())
	}
	cfg := config.Default()
	cfg.Engine = "torch"
	_, err := NewBackend(cfg, nil, 1)
	assert.ErrorIs(t, err, iface.ErrConfiguration)
}
