package iface

import (
	"context"
	"fmt"
)

// Box is an axis-aligned region in pixel coordinates, ordered top, left, bottom, right.
type Box struct {
	Top    int
	Left   int
	Bottom int
	Right  int
}

func (b Box) Width() int {
	return b.Right - b.Left
}

func (b Box) Height() int {
	return b.Bottom - b.Top
}

// ClassRef identifies a predicted class either by catalog index or by name.
type ClassRef struct {
	ID    int
	Name  string
	named bool
}

func ClassByID(id int) ClassRef {
	return ClassRef{ID: id}
}

func ClassByName(name string) ClassRef {
	return ClassRef{Name: name, named: true}
}

// ByName reports whether the reference carries a class name rather than an index.
func (c ClassRef) ByName() bool {
	return c.named
}

func (c ClassRef) String() string {
	if c.named {
		return c.Name
	}
	return fmt.Sprintf("#%d", c.ID)
}

// Detections holds raw predictions as parallel arrays. Scores is nil when
// the source does not report confidences.
type Detections struct {
	Boxes   []Box
	Scores  []float64
	Classes []ClassRef
}

func (d Detections) Len() int {
	return len(d.Boxes)
}

func (d Detections) HasScores() bool {
	return d.Scores != nil
}

// Check verifies that the parallel arrays line up.
func (d Detections) Check() error {
	if len(d.Classes) != len(d.Boxes) {
		return fmt.Errorf("%w: %d boxes, %d classes", ErrContract, len(d.Boxes), len(d.Classes))
	}
	if d.Scores != nil && len(d.Scores) != len(d.Boxes) {
		return fmt.Errorf("%w: %d boxes, %d scores", ErrContract, len(d.Boxes), len(d.Scores))
	}
	return nil
}

// Append adds one scored detection.
func (d *Detections) Append(box Box, score float64, class ClassRef) {
	d.Boxes = append(d.Boxes, box)
	d.Scores = append(d.Scores, score)
	d.Classes = append(d.Classes, class)
}

// ImageData is a decoded or encoded image handed to a predictor.
type ImageData struct {
	Path    string
	Encoded []byte
	Height  int
	Width   int
}

// Predictor is the capability a prediction source has to provide. Swapping
// the template engines for a real model means implementing this interface.
type Predictor interface {
	Name() string
	Deploy(weightsPath string) error
	Predict(ctx context.Context, img ImageData) (Detections, error)
	Destroy()
}
