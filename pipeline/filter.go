package pipeline

import (
	iface "CustomDetServe/interface"
)

// Filter keeps the detections scoring at least threshold, in their original
// order. Detections without scores pass through untouched.
func Filter(d iface.Detections, threshold float64) iface.Detections {
	if err := d.Check(); err != nil {
		panic(err)
	}
	if !d.HasScores() {
		return d
	}
	out := iface.Detections{
		Boxes:   make([]iface.Box, 0, d.Len()),
		Scores:  make([]float64, 0, d.Len()),
		Classes: make([]iface.ClassRef, 0, d.Len()),
	}
	for i, score := range d.Scores {
		if score < threshold {
			continue
		}
		out.Boxes = append(out.Boxes, d.Boxes[i])
		out.Scores = append(out.Scores, score)
		out.Classes = append(out.Classes, d.Classes[i])
	}
	return out
}
