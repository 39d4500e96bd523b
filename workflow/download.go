package workflow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offerpipe/offerpipe/model"
)

// Downloader fetches the flyer image bytes from its source url.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

type httpDownloader struct {
	client *http.Client
}

func NewHttpDownloader(timeout time.Duration) Downloader {
	return &httpDownloader{
		client: &http.Client{Timeout: timeout},
	}
}

func (d *httpDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("bad source url %s: %v", url, err))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("download flyer", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode < 500:
		return nil, model.NewValidationError(fmt.Sprintf("source returned status %d for %s", resp.StatusCode, url))
	default:
		return nil, model.NewTransientError("download flyer", fmt.Errorf("source returned status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewTransientError("read flyer body", err)
	}
	if len(data) == 0 {
		return nil, model.NewValidationError("source returned empty body")
	}
	return data, nil
}
