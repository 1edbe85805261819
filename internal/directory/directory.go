// Package directory queries the stream server for the streams it publishes
// and for the recorded clips stored per stream.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
)

// ErrDirectoryUnavailable is returned for every failed directory request:
// network error, non-2xx status or an undecodable body.
var ErrDirectoryUnavailable = errors.New("stream directory unavailable")

// VideoFile is one recorded clip as listed by /api/videos/{label}.
type VideoFile struct {
	FileName string `json:"file_name"`
}

// Client talks to the directory endpoints of one server.
type Client struct {
	base string
	http *http.Client
}

// New creates a Client for the server at baseURL (scheme + host). A nil
// httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// List returns the stream identifiers in server order. The list is not
// retried; callers treat a failure as fatal for the discovery cycle.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, "/api/streams", &ids); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return ids, nil
}

// Videos lists the recorded clips of the stream with the given label.
func (c *Client) Videos(ctx context.Context, label string) ([]VideoFile, error) {
	var files []VideoFile
	if err := c.getJSON(ctx, "/api/videos/"+url.PathEscape(label), &files); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return files, nil
}

// Fetch downloads one clip into w and returns the number of bytes written.
func (c *Client) Fetch(ctx context.Context, label, fileName string, w io.Writer) (int64, error) {
	n, err := c.copy(ctx, "/api/videos/"+url.PathEscape(label)+"/"+url.PathEscape(fileName), w)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) (err error) {
	defer err2.Handle(&err)

	res := try.To1(c.get(ctx, path))
	defer res.Body.Close()

	try.To(json.NewDecoder(res.Body).Decode(v))
	return nil
}

func (c *Client) copy(ctx context.Context, path string, w io.Writer) (n int64, err error) {
	defer err2.Handle(&err)

	res := try.To1(c.get(ctx, path))
	defer res.Body.Close()

	return io.Copy(w, res.Body)
}

// get issues a GET and returns the response only for 2xx statuses. The body
// of any other response is folded into the error.
func (c *Client) get(ctx context.Context, path string) (res *http.Response, err error) {
	defer err2.Handle(&err)

	req := try.To1(http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, http.NoBody))
	res = try.To1(c.http.Do(req))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("GET %s: %s: %s", path, res.Status, strings.TrimSpace(string(body)))
	}
	return res, nil
}
