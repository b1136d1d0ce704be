package engine

import (
	iface "CustomDetServe/interface"
	"context"
)

// ExampleEngine returns the same single detection for every image.
type ExampleEngine struct{}

func (e *ExampleEngine) Name() string { return "example" }

func (e *ExampleEngine) Deploy(string) error { return nil }

func (e *ExampleEngine) Predict(ctx context.Context, img iface.ImageData) (iface.Detections, error) {
	return exampleDetection(), nil
}

func (e *ExampleEngine) Destroy() {}

// exampleDetection is the detection the template serves until a model is
// plugged in.
func exampleDetection() iface.Detections {
	var d iface.Detections
	d.Append(iface.Box{Top: 50, Left: 100, Bottom: 77, Right: 145}, 0.88, iface.ClassByName("person"))
	return d
}
