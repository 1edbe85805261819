package signaling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
)

// maxAnswerSize caps the answer body read from the server.
const maxAnswerSize = 1 << 20

// HTTPSignaler posts the offer to /api/streams/{id} as text/plain and reads
// the answer from the response body.
type HTTPSignaler struct {
	base    string
	client  *http.Client
	timeout time.Duration
}

// NewHTTP creates an HTTPSignaler for the server at baseURL. A nil client
// uses http.DefaultClient; a zero timeout waits forever.
func NewHTTP(baseURL string, client *http.Client, timeout time.Duration) *HTTPSignaler {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSignaler{base: trimBase(baseURL), client: client, timeout: timeout}
}

// Exchange implements Signaler. A non-2xx response is an error carrying the
// status and the response body.
func (s *HTTPSignaler) Exchange(ctx context.Context, streamID, offer string) (answer string, err error) {
	defer err2.Handle(&err)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	endpoint := s.base + "/api/streams/" + url.PathEscape(streamID)
	req := try.To1(http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer)))
	req.Header.Set("Content-Type", "text/plain")

	res := try.To1(s.client.Do(req))
	defer res.Body.Close()

	body := try.To1(io.ReadAll(io.LimitReader(res.Body, maxAnswerSize+1)))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return "", fmt.Errorf("POST %s: %s: %s", endpoint, res.Status, strings.TrimSpace(string(body)))
	}
	if len(body) > maxAnswerSize {
		return "", fmt.Errorf("POST %s: answer too large (over %d bytes)", endpoint, maxAnswerSize)
	}

	return string(body), nil
}
