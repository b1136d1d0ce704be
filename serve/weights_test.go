package serve

import (
	platform "CustomDetServe/Adhoc"
	"CustomDetServe/cache"
	"CustomDetServe/config"
	"CustomDetServe/engine"
	iface "CustomDetServe/interface"
	"CustomDetServe/meta"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFiles struct {
	files     map[string]string
	downloads int
}

func (f *fakeFiles) FileInfo(ctx context.Context, teamID int, path string) (*platform.FileInfo, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, nil
	}
	return &platform.FileInfo{TeamID: teamID, Path: path, Size: int64(len(data)), Hash: fmt.Sprintf("h%d", len(data))}, nil
}

func (f *fakeFiles) DownloadFile(ctx context.Context, teamID int, path string, w io.Writer) error {
	f.downloads++
	_, err := io.WriteString(w, f.files[path])
	return err
}

func weightsConfig(t *testing.T, path string) config.Config {
	cfg := config.Default()
	cfg.WeightsPath = path
	cfg.DataDir = t.TempDir()
	cfg.Platform.TeamID = 4
	return cfg
}

func TestDownloadWeights(t *testing.T) {
	ctx := context.Background()
	src := &fakeFiles{files: map[string]string{"/models/best.pth": "checkpoint"}}

	t.Run("Test template mode", func(t *testing.T) {
		for _, p := range []string{"", "/models/best.onnx"} {
			local, err := DownloadWeights(ctx, weightsConfig(t, p), src, nil)
			require.NoError(t, err)
			assert.Empty(t, local)
		}
		assert.Zero(t, src.downloads)
	})

	t.Run("Test missing checkpoint", func(t *testing.T) {
		_, err := DownloadWeights(ctx, weightsConfig(t, "/models/gone.pth"), src, nil)
		assert.ErrorIs(t, err, iface.ErrConfiguration)
	})

	t.Run("Test direct download", func(t *testing.T) {
		cfg := weightsConfig(t, "/models/best.pth")
		local, err := DownloadWeights(ctx, cfg, src, nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(cfg.DataDir, "best.pth"), local)
		data, err := os.ReadFile(local)
		require.NoError(t, err)
		assert.Equal(t, "checkpoint", string(data))
	})

	t.Run("Test cached download", func(t *testing.T) {
		c, err := cache.Open(t.TempDir())
		require.NoError(t, err)
		defer c.Close()
		before := src.downloads
		for i := 0; i < 2; i++ {
			cfg := weightsConfig(t, "/models/best.pth")
			local, err := DownloadWeights(ctx, cfg, src, c)
			require.NoError(t, err)
			data, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, "checkpoint", string(data))
		}
		assert.Equal(t, before+1, src.downloads)
	})
}

func TestDeploy(t *testing.T) {
	m, err := meta.New([]string{"person", "car", "bus"}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	t.Run("Test one detector per worker", func(t *testing.T) {
		cfg := config.Default()
		cfg.Engine = config.EngineRandom
		cfg.WorkersNum = 3
		detectors, err := Deploy(cfg, m, "", 42)
		require.NoError(t, err)
		require.Len(t, detectors, 3)
		for _, d := range detectors {
			assert.Equal(t, engine.IDLE, d.CheckState())
			assert.Equal(t, "random", d.Name())
		}
	})

	t.Run("Test deploy failure", func(t *testing.T) {
		srv := httptest.NewServer(nil)
		srv.Close()
		cfg := config.Default()
		cfg.Engine = config.EngineRemote
		cfg.InferenceURL = srv.URL
		cfg.Platform.TimeoutSeconds = 1
		_, err := Deploy(cfg, m, "", 0)
		assert.ErrorIs(t, err, iface.ErrFetch)
	})
}
