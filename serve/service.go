// Package serve is the request core: it resolves settings, locates images,
// runs them through the worker pool and the pipeline, and turns every
// outcome into a result or a structured failure.
package serve

import (
	platform "CustomDetServe/Adhoc"
	"CustomDetServe/annotation"
	"CustomDetServe/config"
	iface "CustomDetServe/interface"
	"CustomDetServe/logger"
	"CustomDetServe/meta"
	"CustomDetServe/monitor"
	"CustomDetServe/pipeline"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	MethodGetOutputClassesAndTags    = "get_output_classes_and_tags"
	MethodGetCustomInferenceSettings = "get_custom_inference_settings"
	MethodGetSessionInfo             = "get_session_info"
	MethodInferenceImageURL          = "inference_image_url"
	MethodInferenceImageID           = "inference_image_id"
	MethodInferenceBatchIDs          = "inference_batch_ids"
	MethodInferenceImage             = "inference_image"
)

// Methods lists every operation Handle dispatches, in a stable order.
var Methods = []string{
	MethodGetOutputClassesAndTags,
	MethodGetCustomInferenceSettings,
	MethodGetSessionInfo,
	MethodInferenceImageURL,
	MethodInferenceImageID,
	MethodInferenceBatchIDs,
	MethodInferenceImage,
}

// ImageSource locates images on the annotation platform or on the web.
type ImageSource interface {
	ImageInfo(ctx context.Context, id int) (platform.ImageInfo, error)
	ImageInfoBatch(ctx context.Context, ids []int) ([]platform.ImageInfo, error)
	DownloadImage(ctx context.Context, id int, dst string) error
	DownloadURL(ctx context.Context, url, dst string) error
}

// Request is the state part of a request. Which fields matter depends on
// the method.
type Request struct {
	ImageURL string         `json:"image_url,omitempty"`
	ImageID  int            `json:"image_id,omitempty"`
	BatchIDs []int          `json:"batch_ids,omitempty"`
	Image    []byte         `json:"image,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

type CustomSettings struct {
	Settings string `json:"settings"`
}

type SessionInfo struct {
	App                  string `json:"app"`
	ModelName            string `json:"model_name"`
	Device               string `json:"device"`
	ClassesCount         int    `json:"classes_count"`
	TagsCount            int    `json:"tags_count"`
	SlidingWindowSupport bool   `json:"sliding_window_support"`
}

// BatchItem holds either the annotation of one batch image or its failure.
type BatchItem struct {
	Annotation *annotation.Annotation
	Failure    *Failure
}

func (b BatchItem) MarshalJSON() ([]byte, error) {
	if b.Failure != nil {
		return json.Marshal(b.Failure)
	}
	return json.Marshal(b.Annotation)
}

type Options struct {
	Meta               *meta.ModelMeta
	Defaults           *config.DefaultSettings
	Session            config.SessionInfo
	ValidateConfidence bool
	Pool               *Pool
	Images             ImageSource
	Monitor            *monitor.Monitor
	DataDir            string

	// ImageSize defaults to DecodeSize.
	ImageSize SizeFunc
}

type Service struct {
	meta      *meta.ModelMeta
	defaults  *config.DefaultSettings
	session   config.SessionInfo
	assemble  pipeline.AssembleOptions
	pool      *Pool
	images    ImageSource
	monitor   *monitor.Monitor
	dataDir   string
	imageSize SizeFunc
	log       *zap.Logger
}

func New(opts Options) (*Service, error) {
	if opts.Meta == nil || opts.Defaults == nil || opts.Pool == nil {
		return nil, fmt.Errorf("%w: service needs model meta, default settings and a worker pool", iface.ErrConfiguration)
	}
	s := &Service{
		meta:      opts.Meta,
		defaults:  opts.Defaults,
		session:   opts.Session,
		assemble:  pipeline.AssembleOptions{CheckConfidence: opts.ValidateConfidence},
		pool:      opts.Pool,
		images:    opts.Images,
		monitor:   opts.Monitor,
		dataDir:   opts.DataDir,
		imageSize: opts.ImageSize,
		log:       logger.Named("serve"),
	}
	if s.monitor == nil {
		s.monitor = monitor.New()
	}
	if s.imageSize == nil {
		s.imageSize = DecodeSize
	}
	if s.dataDir == "" {
		s.dataDir = os.TempDir()
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) Monitor() *monitor.Monitor {
	return s.monitor
}

// Handle runs one method inside the request boundary: panics are recovered,
// errors are logged and returned as a Failure, and every call is measured.
// A Failure never comes with a result.
func (s *Service) Handle(ctx context.Context, method string, req Request) (result any, fail *Failure) {
	start := time.Now()
	log := s.log.With(zap.String("method", method))
	if id, ok := RequestID(ctx); ok {
		log = log.With(zap.String("request_id", id))
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Request panicked", zap.Any("panic", r), zap.Stack("stack"))
			result, fail = nil, &Failure{Message: fmt.Sprint(r), Code: CodeInternal}
		}
		code := CodeOK
		if fail != nil {
			code = fail.Code
		}
		s.monitor.Observe(method, code, time.Since(start))
	}()

	res, err := s.dispatch(ctx, method, req)
	if err != nil {
		fail = newFailure(err)
		log.Warn("Request failed", zap.String("code", fail.Code), zap.Error(err))
		return nil, fail
	}
	log.Debug("Request done", zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, method string, req Request) (any, error) {
	switch method {
	case MethodGetOutputClassesAndTags:
		return s.GetOutputClassesAndTags(), nil
	case MethodGetCustomInferenceSettings:
		return s.GetCustomInferenceSettings(), nil
	case MethodGetSessionInfo:
		return s.GetSessionInfo(), nil
	case MethodInferenceImageURL:
		return s.InferenceImageURL(ctx, req.ImageURL, req.Settings)
	case MethodInferenceImageID:
		return s.InferenceImageID(ctx, req.ImageID, req.Settings)
	case MethodInferenceBatchIDs:
		return s.InferenceBatchIDs(ctx, req.BatchIDs, req.Settings)
	case MethodInferenceImage:
		return s.InferenceImage(ctx, req.Image, req.Settings)
	}
	return nil, fmt.Errorf("%w: unknown method %q", iface.ErrNotFound, method)
}

func (s *Service) GetOutputClassesAndTags() *meta.ModelMeta {
	return s.meta
}

func (s *Service) GetCustomInferenceSettings() CustomSettings {
	return CustomSettings{Settings: s.defaults.Raw}
}

func (s *Service) GetSessionInfo() SessionInfo {
	return SessionInfo{
		App:                  s.session.AppName,
		ModelName:            s.session.ModelName,
		Device:               s.session.Device,
		ClassesCount:         len(s.meta.Classes()),
		TagsCount:            len(s.meta.TagMetas()),
		SlidingWindowSupport: s.session.SlidingWindowSupport,
	}
}

func (s *Service) InferenceImageURL(ctx context.Context, imageURL string, settings map[string]any) (*annotation.Annotation, error) {
	st, err := s.defaults.Resolve(settings, s.log)
	if err != nil {
		return nil, err
	}
	ext, err := imageURLExt(imageURL)
	if err != nil {
		return nil, err
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: no image source configured", iface.ErrFetch)
	}
	local := s.tempPath("image." + ext)
	defer s.removeTemp(local)
	if err := s.images.DownloadURL(ctx, imageURL, local); err != nil {
		return nil, err
	}
	return s.inferFile(ctx, local, 0, 0, st)
}

func (s *Service) InferenceImageID(ctx context.Context, imageID int, settings map[string]any) (*annotation.Annotation, error) {
	st, err := s.defaults.Resolve(settings, s.log)
	if err != nil {
		return nil, err
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: no image source configured", iface.ErrFetch)
	}
	info, err := s.images.ImageInfo(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return s.inferInfo(ctx, info, st)
}

// InferenceBatchIDs runs every image independently, at most one per pool
// worker at a time. A failed image gets a Failure in its slot and does not
// stop the others; slots follow ids.
func (s *Service) InferenceBatchIDs(ctx context.Context, ids []int, settings map[string]any) ([]BatchItem, error) {
	st, err := s.defaults.Resolve(settings, s.log)
	if err != nil {
		return nil, err
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: no image source configured", iface.ErrFetch)
	}
	items := make([]BatchItem, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	infos, err := s.images.ImageInfoBatch(ctx, ids)
	if err != nil || len(infos) != len(ids) {
		s.log.Warn("Batch image info failed, looking images up one by one", zap.Error(err))
		infos = nil
	}

	var g errgroup.Group
	g.SetLimit(max(s.pool.Size(), 1))
	for i, id := range ids {
		g.Go(func() error {
			ann, err := s.batchItem(ctx, id, infos, i, st)
			if err != nil {
				items[i].Failure = newFailure(err)
				s.log.Warn("Batch image failed", zap.Int("image_id", id), zap.String("code", items[i].Failure.Code), zap.Error(err))
				return nil
			}
			items[i].Annotation = ann
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

func (s *Service) batchItem(ctx context.Context, id int, infos []platform.ImageInfo, i int, st config.Settings) (ann *annotation.Annotation, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Batch image panicked", zap.Int("image_id", id), zap.Any("panic", r))
			ann, err = nil, fmt.Errorf("image %d: %v", id, r)
		}
	}()
	var info platform.ImageInfo
	if infos != nil {
		info = infos[i]
	} else if info, err = s.images.ImageInfo(ctx, id); err != nil {
		return nil, err
	}
	return s.inferInfo(ctx, info, st)
}

// InferenceImage runs an already encoded image, as sent over the streaming
// and rpc transports.
func (s *Service) InferenceImage(ctx context.Context, data []byte, settings map[string]any) (*annotation.Annotation, error) {
	st, err := s.defaults.Resolve(settings, s.log)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", iface.ErrUnsupportedInput)
	}
	h, w, err := s.imageSize(data)
	if err != nil {
		return nil, err
	}
	return s.infer(ctx, iface.ImageData{Encoded: data, Height: h, Width: w}, st)
}

func (s *Service) inferInfo(ctx context.Context, info platform.ImageInfo, st config.Settings) (*annotation.Annotation, error) {
	local := s.tempPath(info.Name)
	defer s.removeTemp(local)
	if err := s.images.DownloadImage(ctx, info.ID, local); err != nil {
		return nil, err
	}
	return s.inferFile(ctx, local, info.Height, info.Width, st)
}

// inferFile trusts a known size and decodes the file otherwise.
func (s *Service) inferFile(ctx context.Context, path string, height, width int, st config.Settings) (*annotation.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", iface.ErrFetch, filepath.Base(path), err)
	}
	if height <= 0 || width <= 0 {
		if height, width, err = s.imageSize(data); err != nil {
			return nil, err
		}
	}
	return s.infer(ctx, iface.ImageData{Path: path, Encoded: data, Height: height, Width: width}, st)
}

func (s *Service) infer(ctx context.Context, img iface.ImageData, st config.Settings) (*annotation.Annotation, error) {
	dets, err := s.pool.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	ann, err := pipeline.Process(dets, s.meta, st.ConfidenceThreshold, img.Height, img.Width, s.assemble)
	if err != nil {
		return nil, err
	}
	s.monitor.AddLabels(len(ann.Labels))
	return ann, nil
}

func (s *Service) tempPath(name string) string {
	return filepath.Join(s.dataDir, uuid.NewString()+"_"+filepath.Base(name))
}

func (s *Service) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("Failed to remove temp image", zap.String("path", path), zap.Error(err))
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx with the id the caller gave the request.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok
}
