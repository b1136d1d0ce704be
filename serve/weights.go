package serve

import (
	platform "CustomDetServe/Adhoc"
	"CustomDetServe/cache"
	"CustomDetServe/config"
	"CustomDetServe/engine"
	iface "CustomDetServe/interface"
	"CustomDetServe/logger"
	"CustomDetServe/meta"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// WeightsSource reads team files from the annotation platform.
type WeightsSource interface {
	FileInfo(ctx context.Context, teamID int, path string) (*platform.FileInfo, error)
	DownloadFile(ctx context.Context, teamID int, path string, w io.Writer) error
}

// DownloadWeights fetches the configured checkpoint into the data dir and
// returns its local path. Paths that are not checkpoints leave the template
// engine in charge and return "". A checkpoint missing on the platform is a
// configuration error. c may be nil to skip the file cache.
func DownloadWeights(ctx context.Context, cfg config.Config, src WeightsSource, c *cache.Cache) (string, error) {
	log := logger.Named("weights")
	if !cfg.RemoteWeights() {
		log.Info("Model is not found. Template mode with example labels will be used.", zap.String("path", cfg.WeightsPath))
		return "", nil
	}
	teamID := cfg.Platform.TeamID
	info, err := src.FileInfo(ctx, teamID, cfg.WeightsPath)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", fmt.Errorf("%w: weights file not found: %s", iface.ErrConfiguration, cfg.WeightsPath)
	}

	local := filepath.Join(cfg.DataDir, filepath.Base(cfg.WeightsPath))
	download := func(ctx context.Context, w io.Writer) error {
		return src.DownloadFile(ctx, teamID, cfg.WeightsPath, w)
	}
	log.Info("Downloading model weights...", zap.String("path", cfg.WeightsPath), zap.Int64("size", info.Size))
	if c == nil {
		if err := downloadTo(ctx, local, download); err != nil {
			return "", err
		}
	} else {
		key := fmt.Sprintf("team/%d%s@%s", teamID, cfg.WeightsPath, info.Hash)
		hit, err := c.Fetch(ctx, key, local, download)
		if err != nil {
			return "", err
		}
		log.Debug("Weights cache", zap.Bool("hit", hit), zap.String("key", key))
	}
	log.Info("Model has been successfully downloaded", zap.String("local", local))
	return local, nil
}

func downloadTo(ctx context.Context, dst string, download func(context.Context, io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := download(ctx, f); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return err
	}
	return f.Close()
}

// Deploy builds one detector per worker for the configured engine and loads
// the weights into each of them.
func Deploy(cfg config.Config, m *meta.ModelMeta, weightsPath string, seed int64) ([]*engine.Detector, error) {
	detectors := make([]*engine.Detector, 0, cfg.WorkersNum)
	fail := func(err error) ([]*engine.Detector, error) {
		for _, d := range detectors {
			d.Destroy()
		}
		return nil, err
	}
	for i := 0; i < cfg.WorkersNum; i++ {
		workerSeed := seed
		if seed != 0 {
			workerSeed = seed + int64(i)
		}
		backend, err := engine.NewBackend(cfg, m.ClassIDs(), workerSeed)
		if err != nil {
			return fail(err)
		}
		d := &engine.Detector{}
		d.New(backend)
		detectors = append(detectors, d)
		if err := d.LoadModel(weightsPath); err != nil {
			return fail(err)
		}
	}
	logger.Log().Info("Model deployed", zap.String("engine", cfg.Engine), zap.Int("workers", len(detectors)))
	return detectors, nil
}
