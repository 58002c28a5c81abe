package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type GetOptions struct {
	MaxSize int
	Timeout time.Duration
}

type Response struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// A thing capable of downloading a file.
type Downloader interface {
	Get(ctx context.Context, url string, headers map[string]string, options GetOptions) (*Response, error)
}

// Upstream responded with a non-2xx status.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("status %d", e.StatusCode)
	if reason := strings.TrimSpace(strings.TrimPrefix(e.Status, fmt.Sprintf("%d", e.StatusCode))); reason != "" {
		msg += " " + reason
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Error bodies are only kept for diagnostics.
const maxErrorBody = 512

// Gets a file. Provided as convenience for implementing custom
// Downloaders.
func HTTPGet(ctx context.Context, url string, headers map[string]string, options GetOptions) (*Response, error) {
	return httpGet(ctx, &http.Client{}, url, headers, options)
}

func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string, options GetOptions) (*Response, error) {
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range headers {
		req.Header.Add(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var reader io.Reader = resp.Body
	if options.MaxSize > 0 {
		// One extra byte to tell a body at the limit from one
		// past it.
		reader = io.LimitReader(resp.Body, int64(options.MaxSize)+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if options.MaxSize > 0 && len(body) > options.MaxSize {
		return nil, fmt.Errorf("body exceeds %d bytes", options.MaxSize)
	}

	return &Response{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

// Downloader backed by a shared http.Client.
type HTTPDownloader struct {
	Client *http.Client
}

func NewHTTPDownloader() *HTTPDownloader {
	return &HTTPDownloader{Client: &http.Client{}}
}

func (d *HTTPDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) (*Response, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	return httpGet(ctx, client, url, headers, options)
}
