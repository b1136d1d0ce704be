package pipeline

import (
	"CustomDetServe/annotation"
	iface "CustomDetServe/interface"
	"CustomDetServe/meta"
)

// Process runs the post-processor and the assembler over one image's detections.
func Process(d iface.Detections, m *meta.ModelMeta, threshold float64, height, width int, opts AssembleOptions) (*annotation.Annotation, error) {
	return Assemble(Filter(d, threshold), m, height, width, opts)
}
