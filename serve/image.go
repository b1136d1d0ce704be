package serve

import (
	iface "CustomDetServe/interface"
	"fmt"
	"net/url"
	"path"
	"strings"

	"gocv.io/x/gocv"
)

// SizeFunc reports the height and width of an encoded image.
type SizeFunc func(data []byte) (height, width int, err error)

// DecodeSize decodes the image with OpenCV to read its size.
func DecodeSize(data []byte) (int, int, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: decode image: %v", iface.ErrUnsupportedInput, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return 0, 0, fmt.Errorf("%w: decoded image is empty or unsupported format", iface.ErrUnsupportedInput)
	}
	return mat.Rows(), mat.Cols(), nil
}

var allowedExt = map[string]bool{"png": true, "jpg": true, "jpeg": true}

// imageURLExt returns the extension of the image a url points at. A url
// without one is taken for a jpg.
func imageURLExt(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: bad image url %q", iface.ErrUnsupportedInput, raw)
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	if ext == "" {
		return "jpg", nil
	}
	if !allowedExt[ext] {
		return "", fmt.Errorf("%w: image extension %q, want png, jpg or jpeg", iface.ErrUnsupportedInput, ext)
	}
	return ext, nil
}
