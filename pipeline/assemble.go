package pipeline

import (
	"CustomDetServe/annotation"
	iface "CustomDetServe/interface"
	"CustomDetServe/meta"
	"fmt"
	"math"
)

type AssembleOptions struct {
	// CheckConfidence rejects scores outside [0, 1].
	CheckConfidence bool
}

// Assemble turns filtered detections into an annotation of an image of the
// given size. It fails on the first detection whose class is unknown or whose
// confidence is out of range; no partial annotation is returned.
func Assemble(d iface.Detections, m *meta.ModelMeta, height, width int, opts AssembleOptions) (*annotation.Annotation, error) {
	if err := d.Check(); err != nil {
		panic(err)
	}
	confidence := m.ConfidenceTag()
	labels := make([]annotation.Label, 0, d.Len())
	for i, box := range d.Boxes {
		cls, err := m.Resolve(d.Classes[i])
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		label := annotation.Label{
			Geometry: annotation.NewRectangle(box.Top, box.Left, box.Bottom, box.Right),
			Class:    cls,
		}
		if d.HasScores() {
			score := d.Scores[i]
			if opts.CheckConfidence {
				if err := checkConfidence(score); err != nil {
					return nil, fmt.Errorf("detection %d: %w", i, err)
				}
			}
			label.Tags = []annotation.Tag{{Meta: confidence, Value: score}}
		}
		labels = append(labels, label)
	}
	return annotation.New(height, width, labels), nil
}

func checkConfidence(score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return fmt.Errorf("%w: confidence must be a number in [0, 1], got %v", iface.ErrValidation, score)
	}
	return nil
}
