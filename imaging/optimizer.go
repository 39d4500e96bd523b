package imaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offerpipe/offerpipe/model"
)

// Optimizer compresses and normalizes a generated image before upload.
type Optimizer interface {
	Optimize(ctx context.Context, image []byte) ([]byte, error)
}

type httpOptimizer struct {
	url    string
	client *http.Client
}

func NewHttpOptimizer(url string, timeout time.Duration) Optimizer {
	return &httpOptimizer{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (o *httpOptimizer) Optimize(ctx context.Context, image []byte) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, model.NewTransientError("optimize image", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, model.NewTransientError("read optimizer response", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, model.NewTransientError("optimize image", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, model.NewValidationError(fmt.Sprintf("optimizer rejected image: status %d", resp.StatusCode))
	}
	var out struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("malformed optimizer response: %v", err))
	}
	data, err := base64.StdEncoding.DecodeString(out.Image)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("malformed optimized image: %v", err))
	}
	return data, nil
}
