package router

import (
	platform "CustomDetServe/Adhoc"
	"CustomDetServe/config"
	"CustomDetServe/engine"
	iface "CustomDetServe/interface"
	"CustomDetServe/meta"
	"CustomDetServe/serve"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct{}

func (fakeImages) ImageInfo(ctx context.Context, id int) (platform.ImageInfo, error) {
	if id != 1 {
		return platform.ImageInfo{}, fmt.Errorf("%w: image %d", iface.ErrNotFound, id)
	}
	return platform.ImageInfo{ID: 1, Name: "1.jpg", Height: 240, Width: 320}, nil
}

func (f fakeImages) ImageInfoBatch(ctx context.Context, ids []int) ([]platform.ImageInfo, error) {
	var out []platform.ImageInfo
	for _, id := range ids {
		info, err := f.ImageInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (fakeImages) DownloadImage(ctx context.Context, id int, dst string) error {
	return os.WriteFile(dst, []byte("img"), 0o644)
}

func (fakeImages) DownloadURL(ctx context.Context, url, dst string) error {
	return os.WriteFile(dst, []byte("img"), 0o644)
}

func newRouter(t *testing.T) *httptest.Server {
	t.Helper()
	m, err := meta.New([]string{"person", "car", "bus"}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	defaults, err := config.ParseDefaultSettings([]byte("confidence_threshold: 0.5\n"))
	require.NoError(t, err)
	d := &engine.Detector{}
	d.New(&engine.ExampleEngine{})
	require.NoError(t, d.LoadModel(""))
	pool := serve.NewPool([]*engine.Detector{d})
	pool.Start()
	t.Cleanup(pool.Close)
	svc, err := serve.New(serve.Options{
		Meta:               m,
		Defaults:           defaults,
		Session:            config.Default().Session,
		ValidateConfidence: true,
		Pool:               pool,
		Images:             fakeImages{},
		DataDir:            t.TempDir(),
		ImageSize: func(data []byte) (int, int, error) {
			if string(data) == "broken" {
				return 0, 0, fmt.Errorf("%w: cannot decode", iface.ErrUnsupportedInput)
			}
			return 480, 640, nil
		},
	})
	require.NoError(t, err)
	srv := httptest.NewServer(New(svc, Options{IdleTimeout: 200 * time.Millisecond}))
	t.Cleanup(srv.Close)
	return srv
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

func post(t *testing.T, srv *httptest.Server, method, body string) (int, response) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/"+method, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestMethods(t *testing.T) {
	srv := newRouter(t)

	t.Run("Test ping", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/ping")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Test get_output_classes_and_tags", func(t *testing.T) {
		code, out := post(t, srv, serve.MethodGetOutputClassesAndTags, `{}`)
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, string(out.Data), `"title":"person"`)
		assert.Contains(t, string(out.Data), `"name":"confidence"`)
	})

	t.Run("Test empty body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/"+serve.MethodGetSessionInfo, "application/json", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	})

	t.Run("Test get_custom_inference_settings", func(t *testing.T) {
		code, out := post(t, srv, serve.MethodGetCustomInferenceSettings, `{"state":{},"context":{"request_id":"r1"}}`)
		require.Equal(t, http.StatusOK, code)
		assert.JSONEq(t, `{"settings":"confidence_threshold: 0.5\n"}`, string(out.Data))
	})

	t.Run("Test inference_image_id", func(t *testing.T) {
		code, out := post(t, srv, serve.MethodInferenceImageID, `{"state":{"image_id":1,"settings":{"confidence_threshold":0.5}}}`)
		require.Equal(t, http.StatusOK, code)
		var ann map[string]any
		require.NoError(t, json.Unmarshal(out.Data, &ann))
		assert.Equal(t, map[string]any{"height": 240.0, "width": 320.0}, ann["size"])
		assert.Len(t, ann["objects"], 1)
	})

	t.Run("Test inference_batch_ids", func(t *testing.T) {
		code, out := post(t, srv, serve.MethodInferenceBatchIDs, `{"state":{"batch_ids":[1,2]}}`)
		require.Equal(t, http.StatusOK, code)
		var items []map[string]any
		require.NoError(t, json.Unmarshal(out.Data, &items))
		require.Len(t, items, 2)
		assert.Contains(t, items[0], "objects")
		assert.Equal(t, serve.CodeNotFound, items[1]["code"])
	})

	t.Run("Test failures", func(t *testing.T) {
		cases := []struct {
			method string
			body   string
			status int
			code   string
		}{
			{serve.MethodInferenceImageURL, `{"state":{"image_url":"http://x/a.tiff"}}`, http.StatusBadRequest, serve.CodeUnsupportedInput},
			{serve.MethodInferenceImageID, `{"state":{"image_id":5}}`, http.StatusNotFound, serve.CodeNotFound},
			{serve.MethodInferenceImageID, `{"state":{"image_id":1,"settings":{"confidence_threshold":"x"}}}`, http.StatusBadRequest, serve.CodeValidation},
			{serve.MethodInferenceImageID, `{"state":`, http.StatusBadRequest, serve.CodeUnsupportedInput},
		}
		for _, tc := range cases {
			code, out := post(t, srv, tc.method, tc.body)
			assert.Equal(t, tc.status, code, tc.body)
			assert.Equal(t, tc.code, out.Code, tc.body)
			assert.NotEmpty(t, out.Error)
			assert.Empty(t, out.Data)
		}
	})

	t.Run("Test metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		assert.Contains(t, buf.String(), "serve_requests_total")
	})
}

func TestStream(t *testing.T) {
	srv := newRouter(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/inference?confidence_threshold=0.5"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var out response
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("data:image/jpeg;base64,"+base64.StdEncoding.EncodeToString([]byte("jpeg")))))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Empty(t, out.Code)
	assert.Contains(t, string(out.Data), `"classTitle":"person"`)

	out = response{}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("broken")))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, serve.CodeUnsupportedInput, out.Code)

	out = response{}
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("%%%")))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, serve.CodeUnsupportedInput, out.Code)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestStreamRejectsBadSettings(t *testing.T) {
	srv := newRouter(t)
	resp, err := http.Get(srv.URL + "/ws/inference?confidence_threshold=high")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
