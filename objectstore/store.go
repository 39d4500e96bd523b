package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/model"
)

// Store uploads a blob and returns its public URL.
type Store interface {
	Upload(ctx context.Context, data []byte, objectPath string) (string, error)
}

var _ Store = new(HttpStore)

type HttpStore struct {
	conf   config.ObjectStoreConfig
	client *http.Client
}

func NewHttpStore(conf config.ObjectStoreConfig) *HttpStore {
	return &HttpStore{
		conf:   conf,
		client: &http.Client{},
	}
}

func (hs *HttpStore) Upload(ctx context.Context, data []byte, objectPath string) (string, error) {
	fullPath := path.Join(hs.conf.BasePath, objectPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, hs.conf.URL+"/"+fullPath, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := hs.client.Do(req)
	if err != nil {
		return "", model.NewTransientError("object upload", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", model.NewTransientError("read upload response", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", model.NewTransientError("object upload", fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return "", model.NewValidationError(fmt.Sprintf("object upload: status %d", resp.StatusCode))
	}
	var result struct {
		Url string `json:"url"`
	}
	if err := json.Unmarshal(body, &result); err != nil || result.Url == "" {
		return "", model.NewValidationError("upload response missing url")
	}
	return result.Url, nil
}
