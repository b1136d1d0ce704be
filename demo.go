package main

import (
	"CustomDetServe/annotation"
	"CustomDetServe/config"
	"CustomDetServe/engine"
	iface "CustomDetServe/interface"
	"CustomDetServe/meta"
	"CustomDetServe/pipeline"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"

	"gocv.io/x/gocv"
)

// runDemo runs the pipeline on a local image and writes a copy with the
// labels drawn, plus the annotation next to it as JSON.
func runDemo(cfg config.Config, m *meta.ModelMeta, defaults *config.DefaultSettings, in, out string) error {
	img := gocv.IMRead(in, gocv.IMReadColor)
	if img.Empty() {
		return fmt.Errorf("%w: cannot read image %s", iface.ErrUnsupportedInput, in)
	}
	defer img.Close()

	backend, err := engine.NewBackend(cfg, m.ClassIDs(), 0)
	if err != nil {
		return err
	}
	detector := &engine.Detector{}
	detector.New(backend)
	defer detector.Destroy()
	if err := detector.LoadModel(cfg.WeightsPath); err != nil {
		return err
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	dets, err := detector.Detect(context.Background(), iface.ImageData{
		Path:    in,
		Encoded: data,
		Height:  img.Rows(),
		Width:   img.Cols(),
	})
	if err != nil {
		return err
	}
	ann, err := pipeline.Process(dets, m, defaults.Settings.ConfidenceThreshold, img.Rows(), img.Cols(),
		pipeline.AssembleOptions{CheckConfidence: cfg.ValidateConfidence})
	if err != nil {
		return err
	}

	if err := drawAnnotation(&img, ann); err != nil {
		return err
	}
	if !gocv.IMWrite(out, img) {
		return fmt.Errorf("cannot write image %s", out)
	}
	js, err := json.MarshalIndent(ann, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out+".json", js, 0o644)
}

func drawAnnotation(img *gocv.Mat, ann *annotation.Annotation) error {
	for _, label := range ann.Labels {
		rgb, err := meta.ParseHex(label.Class.Color)
		if err != nil {
			return err
		}
		c := color.RGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255}
		g := label.Geometry
		if err := gocv.Rectangle(img, image.Rect(g.Left, g.Top, g.Right, g.Bottom), c, 2); err != nil {
			return fmt.Errorf("draw rectangle: %w", err)
		}
		text := label.Class.Title
		if conf, ok := label.Confidence(); ok {
			text = fmt.Sprintf("%s %.2f", text, conf)
		}
		if err := gocv.PutText(img, text, image.Pt(g.Left, max(g.Top-4, 12)), gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			return fmt.Errorf("draw text: %w", err)
		}
	}
	return nil
}
