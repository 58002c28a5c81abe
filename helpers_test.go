package gtfslive

import (
	"context"
	"errors"
	"sync"

	"tidbyt.dev/gtfslive/downloader"
)

var errReleased = errors.New("released")

// Blocks every Get until the request is cancelled or release is
// closed. started is closed on the first call.
type blockingDownloader struct {
	started chan struct{}
	release chan struct{}

	once  sync.Once
	mutex sync.Mutex
	n     int
}

func (d *blockingDownloader) Get(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) (*downloader.Response, error) {
	d.mutex.Lock()
	d.n++
	d.mutex.Unlock()

	d.once.Do(func() { close(d.started) })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.release:
		return nil, errReleased
	}
}

func (d *blockingDownloader) calls() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.n
}

// Serves canned responses by URL. Unknown URLs get a 404. When gate is
// set, every Get waits for it to close first.
type fakeDownloader struct {
	responses map[string]*downloader.Response
	errs      map[string]error
	gate      chan struct{}

	mutex sync.Mutex
	urls  []string
	hdrs  []map[string]string
}

func (d *fakeDownloader) Get(ctx context.Context, url string, headers map[string]string, options downloader.GetOptions) (*downloader.Response, error) {
	d.mutex.Lock()
	d.urls = append(d.urls, url)
	d.hdrs = append(d.hdrs, headers)
	resp := d.responses[url]
	err := d.errs[url]
	gate := d.gate
	d.mutex.Unlock()

	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}

	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &downloader.StatusError{StatusCode: 404, Status: "404 Not Found"}
	}
	return resp, nil
}

func (d *fakeDownloader) set(url string, resp *downloader.Response, err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.responses == nil {
		d.responses = map[string]*downloader.Response{}
	}
	if d.errs == nil {
		d.errs = map[string]error{}
	}
	d.responses[url] = resp
	d.errs[url] = err
}

func (d *fakeDownloader) requested() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string{}, d.urls...)
}

func (d *fakeDownloader) headers(i int) map[string]string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.hdrs[i]
}
