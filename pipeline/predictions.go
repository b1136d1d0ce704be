package pipeline

import (
	iface "CustomDetServe/interface"
	"encoding/json"
	"fmt"
)

// Prediction is the loose record format model code usually returns:
// {"bbox": [top, left, bottom, right], "class": "person" or 0, "confidence": 0.88}.
// Confidence is optional.
type Prediction struct {
	BBox       []int           `json:"bbox"`
	Class      json.RawMessage `json:"class"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// FromPredictions converts prediction records into parallel detection
// arrays. Either every record carries a confidence or none does.
func FromPredictions(preds []Prediction) (iface.Detections, error) {
	var d iface.Detections
	scored := 0
	for i, p := range preds {
		if p.BBox == nil {
			return iface.Detections{}, fmt.Errorf("%w: prediction %d has no bbox", iface.ErrUnsupportedInput, i)
		}
		if len(p.BBox) != 4 {
			return iface.Detections{}, fmt.Errorf("%w: prediction %d bbox has %d coordinates, want 4", iface.ErrUnsupportedInput, i, len(p.BBox))
		}
		class, err := parseClass(p.Class)
		if err != nil {
			return iface.Detections{}, fmt.Errorf("%w: prediction %d: %v", iface.ErrUnsupportedInput, i, err)
		}
		d.Boxes = append(d.Boxes, iface.Box{Top: p.BBox[0], Left: p.BBox[1], Bottom: p.BBox[2], Right: p.BBox[3]})
		d.Classes = append(d.Classes, class)
		if p.Confidence != nil {
			scored++
			d.Scores = append(d.Scores, *p.Confidence)
		}
	}
	if scored != 0 && scored != len(preds) {
		return iface.Detections{}, fmt.Errorf("%w: %d of %d predictions carry a confidence", iface.ErrUnsupportedInput, scored, len(preds))
	}
	return d, nil
}

func parseClass(raw json.RawMessage) (iface.ClassRef, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return iface.ClassRef{}, fmt.Errorf("no class")
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return iface.ClassByName(name), nil
	}
	var id int
	if err := json.Unmarshal(raw, &id); err == nil {
		return iface.ClassByID(id), nil
	}
	return iface.ClassRef{}, fmt.Errorf("class must be a name or an index, got %s", raw)
}
