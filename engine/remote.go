package engine

import (
	iface "CustomDetServe/interface"
	"CustomDetServe/pipeline"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteEngine forwards images to an external inference service that
// answers with prediction records.
type RemoteEngine struct {
	client *resty.Client
	url    string
}

func NewRemoteEngine(inferenceURL string, timeout time.Duration) *RemoteEngine {
	return &RemoteEngine{
		client: resty.New().SetTimeout(timeout),
		url:    strings.TrimRight(inferenceURL, "/"),
	}
}

type remoteResponse struct {
	Predictions []pipeline.Prediction `json:"predictions"`
}

func (e *RemoteEngine) Name() string { return "remote" }

// Deploy checks that the inference service is up; the weights are the
// service's business.
func (e *RemoteEngine) Deploy(string) error {
	resp, err := e.client.R().Get(e.url + "/health")
	if err != nil {
		return fmt.Errorf("%w: inference service: %v", iface.ErrFetch, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: inference service unhealthy: %s", iface.ErrFetch, resp.Status())
	}
	return nil
}

func (e *RemoteEngine) Predict(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	data := img.Encoded
	name := "image.jpg"
	if data == nil {
		var err error
		if data, err = os.ReadFile(img.Path); err != nil {
			return iface.Detections{}, err
		}
		name = filepath.Base(img.Path)
	}
	var result remoteResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetFileReader("file", name, bytes.NewReader(data)).
		SetResult(&result).
		Post(e.url + "/predict")
	if err != nil {
		return iface.Detections{}, fmt.Errorf("%w: inference request: %v", iface.ErrFetch, err)
	}
	if resp.IsError() {
		return iface.Detections{}, fmt.Errorf("%w: inference failed with status %s", iface.ErrFetch, resp.Status())
	}
	return pipeline.FromPredictions(result.Predictions)
}

func (e *RemoteEngine) Destroy() {}
