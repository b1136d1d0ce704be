// Package platform talks to the annotation platform the model is served for:
// image lookups and downloads, team file storage and the liveness announce.
package platform

import (
	iface "CustomDetServe/interface"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const apiPrefix = "/public/api/v3/"

type ImageInfo struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	DatasetID int    `json:"datasetId"`
	Ext       string `json:"ext"`
	Height    int    `json:"height"`
	Width     int    `json:"width"`
}

type FileInfo struct {
	ID     int    `json:"id"`
	TeamID int    `json:"teamId"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Size   int64  `json:"sizeb"`
	Hash   string `json:"hash"`
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

type Client struct {
	http *resty.Client
}

func New(serverAddress, token string, timeout time.Duration) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(serverAddress, "/")+apiPrefix).
		SetHeader("x-api-key", token).
		SetTimeout(timeout).
		SetError(&apiError{})
	return &Client{http: c}
}

func (c *Client) ImageInfo(ctx context.Context, id int) (ImageInfo, error) {
	var info ImageInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", fmt.Sprint(id)).
		SetResult(&info).
		Get("images.info")
	if err := check(resp, err, fmt.Sprintf("image %d", id)); err != nil {
		return ImageInfo{}, err
	}
	return info, nil
}

// ImageInfoBatch returns infos in the order of ids. Ids the platform does not
// know about fail the whole call.
func (c *Client) ImageInfoBatch(ctx context.Context, ids []int) ([]ImageInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var infos []ImageInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"ids": ids}).
		SetResult(&infos).
		Post("images.bulk.info")
	if err := check(resp, err, "image batch"); err != nil {
		return nil, err
	}
	byID := make(map[int]ImageInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}
	ordered := make([]ImageInfo, len(ids))
	for i, id := range ids {
		info, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: image %d", iface.ErrNotFound, id)
		}
		ordered[i] = info
	}
	return ordered, nil
}

func (c *Client) DownloadImage(ctx context.Context, id int, dst string) error {
	return c.download(ctx, dst, fmt.Sprintf("image %d", id), func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(map[string]any{"id": id}).Post("images.download")
	})
}

// FileInfo returns nil without error when the team has no file at path.
func (c *Client) FileInfo(ctx context.Context, teamID int, path string) (*FileInfo, error) {
	var info FileInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"teamId": teamID, "path": path}).
		SetResult(&info).
		Post("file-storage.info")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := check(resp, err, path); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DownloadFile(ctx context.Context, teamID int, path string, w io.Writer) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody(map[string]any{"teamId": teamID, "path": path}).
		Post("file-storage.download")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", iface.ErrFetch, path, err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", iface.ErrNotFound, path)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s: %s", iface.ErrFetch, path, resp.Status())
	}
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("%w: %s: %v", iface.ErrFetch, path, err)
	}
	return nil
}

// DownloadURL fetches an arbitrary url into dst with the same client settings
// but without the platform base url.
func (c *Client) DownloadURL(ctx context.Context, url, dst string) error {
	return c.download(ctx, dst, url, func(r *resty.Request) (*resty.Response, error) {
		return r.Get(url)
	})
}

func (c *Client) download(ctx context.Context, dst, what string, do func(*resty.Request) (*resty.Response, error)) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	resp, err := do(c.http.R().SetContext(ctx).SetOutput(dst))
	if err := check(resp, err, what); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}

func check(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", iface.ErrFetch, what, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", iface.ErrNotFound, what)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
			return fmt.Errorf("%w: %s: %s", iface.ErrFetch, what, e.Error)
		}
		if body := strings.TrimSpace(resp.String()); body != "" {
			return fmt.Errorf("%w: %s: %s: %s", iface.ErrFetch, what, resp.Status(), body)
		}
		return fmt.Errorf("%w: %s: %s", iface.ErrFetch, what, resp.Status())
	}
	return nil
}
