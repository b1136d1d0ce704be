package config

import (
	iface "CustomDetServe/interface"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const KeyConfidenceThreshold = "confidence_threshold"

// Settings are the per-request inference settings after defaults have been applied.
type Settings struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
}

// DefaultSettings is the custom_settings.yaml document: its raw text is
// served to clients as is, its values back every request.
type DefaultSettings struct {
	Raw      string
	Values   map[string]any
	Settings Settings
}

func LoadDefaultSettings(path string) (*DefaultSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read settings %s: %v", iface.ErrConfiguration, path, err)
	}
	return ParseDefaultSettings(data)
}

func ParseDefaultSettings(data []byte) (*DefaultSettings, error) {
	ds := &DefaultSettings{Raw: string(data), Values: map[string]any{}}
	if err := yaml.Unmarshal(data, &ds.Values); err != nil {
		return nil, fmt.Errorf("%w: parse settings: %v", iface.ErrConfiguration, err)
	}
	if ds.Values == nil {
		ds.Values = map[string]any{}
	}
	if _, ok := ds.Values[KeyConfidenceThreshold]; !ok {
		return nil, fmt.Errorf("%w: settings have no %s", iface.ErrConfiguration, KeyConfidenceThreshold)
	}
	if err := yaml.Unmarshal(data, &ds.Settings); err != nil {
		return nil, fmt.Errorf("%w: parse settings: %v", iface.ErrConfiguration, err)
	}
	return ds, nil
}

// ValidateSettings warns about every default key the request left out.
// It never fails and never touches its inputs.
func ValidateSettings(req map[string]any, defaults map[string]any, log *zap.Logger) {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := req[k]; !ok {
			log.Warn("Field not found in request settings, default value will be used",
				zap.String("field", k), zap.Any("default", defaults[k]))
		}
	}
}

// Resolve merges request settings over the defaults into typed Settings.
func (ds *DefaultSettings) Resolve(req map[string]any, log *zap.Logger) (Settings, error) {
	ValidateSettings(req, ds.Values, log)
	s := ds.Settings
	for k, v := range req {
		switch k {
		case KeyConfidenceThreshold:
			f, err := toFloat(v)
			if err != nil {
				return Settings{}, fmt.Errorf("%w: %s: %v", iface.ErrValidation, k, err)
			}
			s.ConfidenceThreshold = f
		default:
			log.Debug("Ignoring unknown inference setting", zap.String("field", k))
		}
	}
	return s, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("want a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("want a finite number, got %v", f)
	}
	return f, nil
}
