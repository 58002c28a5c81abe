package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGet(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/x-google-protobuf")
			w.Write([]byte("payload"))
		case "/unavailable":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("  upstream down \n"))
		case "/big":
			w.Write(make([]byte, 100))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte("late"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()

	resp, err := HTTPGet(ctx, server.URL+"/ok", map[string]string{"Authorization": "apikey k"}, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), resp.Body)
	assert.Equal(t, "application/x-google-protobuf", resp.ContentType)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "apikey k", gotHeaders.Get("Authorization"))

	_, err = HTTPGet(ctx, server.URL+"/unavailable", nil, GetOptions{})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
	assert.Equal(t, "upstream down", statusErr.Body)
	assert.Equal(t, "status 503 Service Unavailable: upstream down", err.Error())

	_, err = HTTPGet(ctx, server.URL+"/missing", nil, GetOptions{})
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 404, statusErr.StatusCode)
	assert.Equal(t, "status 404 Not Found", err.Error())

	// Size limit
	resp, err = HTTPGet(ctx, server.URL+"/big", nil, GetOptions{MaxSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 100, len(resp.Body))
	_, err = HTTPGet(ctx, server.URL+"/big", nil, GetOptions{MaxSize: 99})
	assert.Error(t, err)

	// Timeout
	_, err = HTTPGet(ctx, server.URL+"/slow", nil, GetOptions{Timeout: 20 * time.Millisecond})
	assert.Error(t, err)
}

// Serves canned results by URL and records what was requested.
type fakeDownloader struct {
	mutex     sync.Mutex
	results   map[string]*Response
	errs      map[string]error
	requested []string
	onGet     func(url string)
}

func (f *fakeDownloader) Get(ctx context.Context, url string, headers map[string]string, options GetOptions) (*Response, error) {
	f.mutex.Lock()
	f.requested = append(f.requested, url)
	f.mutex.Unlock()

	if f.onGet != nil {
		f.onGet(url)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err, found := f.errs[url]; found {
		return nil, err
	}
	if resp, found := f.results[url]; found {
		return resp, nil
	}
	return nil, &StatusError{StatusCode: 404, Status: "404 Not Found"}
}

func TestGetFirstNoCandidates(t *testing.T) {
	d := &fakeDownloader{}
	_, err := GetFirst(context.Background(), d, nil, GetOptions{}, nil)
	assert.ErrorIs(t, err, ErrNoCandidates)
	assert.Equal(t, 0, len(d.requested))
}

func TestGetFirstOrder(t *testing.T) {
	for _, tc := range []struct {
		name      string
		results   map[string]*Response
		errs      map[string]error
		body      string
		requested []string
		failed    []string
	}{
		{
			name:      "first_succeeds",
			results:   map[string]*Response{"a": {Body: []byte("A")}, "b": {Body: []byte("B")}},
			body:      "A",
			requested: []string{"a"},
		},
		{
			name:      "falls_through_status",
			results:   map[string]*Response{"c": {Body: []byte("C")}},
			body:      "C",
			requested: []string{"a", "b", "c"},
		},
		{
			name:      "falls_through_network_error",
			results:   map[string]*Response{"b": {Body: []byte("B")}},
			errs:      map[string]error{"a": errors.New("connection refused")},
			body:      "B",
			requested: []string{"a", "b"},
		},
		{
			name:      "exhausted",
			errs:      map[string]error{"b": errors.New("connection refused")},
			requested: []string{"a", "b", "c"},
			failed:    []string{"label-a", "label-b", "label-c"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDownloader{results: tc.results, errs: tc.errs}

			observed := []string{}
			resp, err := GetFirst(
				context.Background(),
				d,
				[]Candidate{
					{Label: "label-a", URL: "a"},
					{Label: "label-b", URL: "b"},
					{Label: "label-c", URL: "c"},
				},
				GetOptions{},
				nil,
				func(c Candidate, err error) { observed = append(observed, c.Label) },
			)

			assert.Equal(t, tc.requested, d.requested)
			assert.Equal(t, len(tc.requested), len(observed))

			if tc.failed == nil {
				require.NoError(t, err)
				assert.Equal(t, tc.body, string(resp.Body))
				return
			}

			var exhausted *ExhaustedError
			require.True(t, errors.As(err, &exhausted))
			labels := []string{}
			for _, f := range exhausted.Failures {
				labels = append(labels, f.Label)
			}
			assert.Equal(t, tc.failed, labels)

			// Per candidate reasons are reachable
			var statusErr *StatusError
			assert.True(t, errors.As(err, &statusErr))
			assert.Contains(t, err.Error(), "label-b: connection refused")
		})
	}
}

func TestGetFirstAcceptRejects(t *testing.T) {
	d := &fakeDownloader{results: map[string]*Response{
		"a": {Body: []byte("garbage")},
		"b": {Body: []byte("good")},
	}}

	resp, err := GetFirst(
		context.Background(),
		d,
		[]Candidate{{Label: "a", URL: "a"}, {Label: "b", URL: "b"}},
		GetOptions{},
		func(r *Response) error {
			if string(r.Body) != "good" {
				return errors.New("decoding failed")
			}
			return nil
		},
	)
	require.NoError(t, err)
	assert.Equal(t, "good", string(resp.Body))
	assert.Equal(t, []string{"a", "b"}, d.requested)
}

func TestGetFirstCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// Cancelled while the first candidate is in flight
	d := &fakeDownloader{onGet: func(string) { cancel() }}

	observed := 0
	_, err := GetFirst(
		ctx,
		d,
		[]Candidate{{Label: "a", URL: "a"}, {Label: "b", URL: "b"}},
		GetOptions{},
		nil,
		func(Candidate, error) { observed++ },
	)
	assert.ErrorIs(t, err, context.Canceled)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, []string{"a"}, d.requested)
	assert.Equal(t, 0, observed)

	// Cancelled before anything happens
	d = &fakeDownloader{}
	_, err = GetFirst(ctx, d, []Candidate{{Label: "a", URL: "a"}}, GetOptions{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, len(d.requested))
}

func TestHTTPDownloaderCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := GetFirst(
		ctx,
		NewHTTPDownloader(),
		[]Candidate{{Label: "a", URL: server.URL}, {Label: "b", URL: server.URL}},
		GetOptions{},
		nil,
	)
	assert.ErrorIs(t, err, context.Canceled)
}
