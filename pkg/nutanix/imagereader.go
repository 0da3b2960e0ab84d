package nutanix

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// ImageReader exposes an exported image file as an io.ReaderAt.
// Each ReadAt issues an authenticated Range request, so independent
// workers can pull disjoint regions of the image concurrently.
type ImageReader struct {
	client *Client
	ctx    context.Context
	url    string
	size   uint64
}

// NewImageReader probes the download endpoint for the image size
// and range support. The given context bounds every later ReadAt.
func (c *Client) NewImageReader(ctx context.Context, imageUUID string) (*ImageReader, error) {
	url := c.ImageFileURL(imageUUID)

	req, err := http.NewRequestWithContext(ctx, "HEAD", url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ResponseError{Method: "HEAD", URL: url, StatusCode: resp.StatusCode}
	}

	if resp.ContentLength <= 0 {
		return nil, fmt.Errorf("image %s: server did not report a content length", imageUUID)
	}

	if resp.Header.Get("Accept-Ranges") == "none" {
		return nil, fmt.Errorf("image %s: server does not accept range requests", imageUUID)
	}

	return &ImageReader{
		client: c,
		ctx:    ctx,
		url:    url,
		size:   uint64(resp.ContentLength),
	}, nil
}

func (r *ImageReader) Size() uint64 {
	return r.size
}

func (r *ImageReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= r.size {
		return 0, io.EOF
	}

	want := len(p)
	if rest := r.size - uint64(off); uint64(want) > rest {
		want = int(rest)
	}

	req, err := http.NewRequestWithContext(r.ctx, "GET", r.url, nil)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(r.client.username, r.client.password)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(want)-1))

	resp, err := r.client.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, resp.Body)

		return 0, &ResponseError{Method: "GET", URL: r.url, StatusCode: resp.StatusCode, Body: "range request rejected"}
	}

	n, err := io.ReadFull(resp.Body, p[:want])

	if err == nil && want < len(p) {
		err = io.EOF
	}

	return n, err
}
