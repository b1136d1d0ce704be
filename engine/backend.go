package engine

import (
	"CustomDetServe/config"
	iface "CustomDetServe/interface"
	"fmt"
	"time"
)

// NewBackend builds the prediction source named in the config. seed only
// matters for the random engine.
func NewBackend(cfg config.Config, classIDs []int, seed int64) (iface.Predictor, error) {
	switch cfg.Engine {
	case config.EngineExample:
		return &ExampleEngine{}, nil
	case config.EngineRandom:
		return NewRandomEngine(classIDs, seed), nil
	case config.EngineRemote:
		return NewRemoteEngine(cfg.InferenceURL, time.Duration(cfg.Platform.TimeoutSeconds)*time.Second), nil
	}
	return nil, fmt.Errorf("%w: unknown engine %q", iface.ErrConfiguration, cfg.Engine)
}
