package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"go.uber.org/zap"
)

const transportRetries = 2

const codeNoProducts = "NO_PRODUCTS_FOUND"
const codeSafetyRejected = "SAFETY_REJECTED"

var _ Extractor = new(HttpClient)
var _ Scorer = new(HttpClient)
var _ Judge = new(HttpClient)
var _ ImageGenerator = new(HttpClient)
var _ DiscountParser = new(HttpClient)

// HttpClient talks to the AI gateway. Constructed once at process start
// and injected wherever a collaborator interface is needed.
type HttpClient struct {
	conf   config.AIConfig
	client *http.Client
}

func NewHttpClient(conf config.AIConfig) *HttpClient {
	return &HttpClient{
		conf: conf,
		client: &http.Client{
			Timeout: conf.RequestTimeout,
		},
	}
}

// serviceError is the error half of every gateway response.
type serviceError struct {
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (e serviceError) classify() error {
	switch e.Error {
	case "":
		return nil
	case codeSafetyRejected:
		return model.SafetyRejection{Reason: e.Reason}
	default:
		return model.NewValidationError(e.Error)
	}
}

func (c *HttpClient) Extract(ctx context.Context, image []byte) ([]model.OfferRecord, error) {
	req := map[string]any{
		"image": base64.StdEncoding.EncodeToString(image),
	}
	var resp struct {
		serviceError
		Offers []model.OfferRecord `json:"offers"`
	}
	if err := c.post(ctx, c.conf.ExtractorURL, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.classify(); err != nil {
		return nil, err
	}
	return resp.Offers, nil
}

func (c *HttpClient) Score(ctx context.Context, item *model.FlyerItem, candidates []model.CandidateProduct) ([]model.ScoredMatch, error) {
	req := map[string]any{
		"item":       item,
		"candidates": candidates,
	}
	var resp struct {
		serviceError
		Matches []model.ScoredMatch `json:"matches"`
	}
	if err := c.post(ctx, c.conf.ScorerURL, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.classify(); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

func (c *HttpClient) Judge(ctx context.Context, item *model.FlyerItem, candidate model.MatchedCandidate, rule *model.ApprovalRule) (Judgment, error) {
	req := map[string]any{
		"item":        item,
		"candidate":   candidate,
		"instruction": rule.Expression,
	}
	var resp struct {
		serviceError
		Judgment
	}
	if err := c.post(ctx, c.conf.JudgeURL, req, &resp); err != nil {
		return Judgment{}, err
	}
	if err := resp.classify(); err != nil {
		return Judgment{}, err
	}
	return resp.Judgment, nil
}

func (c *HttpClient) Generate(ctx context.Context, prompt string, image []byte) ([]byte, error) {
	req := map[string]any{
		"prompt": prompt,
		"image":  base64.StdEncoding.EncodeToString(image),
	}
	var resp struct {
		serviceError
		Image string `json:"image"`
	}
	if err := c.post(ctx, c.conf.ImageGenURL, req, &resp); err != nil {
		return nil, err
	}
	if err := resp.classify(); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, model.NewValidationError(fmt.Sprintf("malformed generated image: %v", err))
	}
	return data, nil
}

func (c *HttpClient) ParseDiscount(ctx context.Context, phrase string, originalPrice float64) (float64, error) {
	req := map[string]any{
		"phrase":        phrase,
		"originalPrice": originalPrice,
	}
	var resp struct {
		serviceError
		NewPrice float64 `json:"newPrice"`
	}
	if err := c.post(ctx, c.conf.JudgeURL+"/discount", req, &resp); err != nil {
		return 0, err
	}
	if err := resp.classify(); err != nil {
		return 0, err
	}
	if resp.NewPrice <= 0 || resp.NewPrice >= originalPrice {
		return 0, model.NewValidationError(fmt.Sprintf("implausible parsed price %.2f for original %.2f", resp.NewPrice, originalPrice))
	}
	return resp.NewPrice, nil
}

// post sends one JSON request with bounded retries on transport-class
// failures. Terminal classifications are wrapped Permanent so backoff
// stops immediately.
func (c *HttpClient) post(ctx context.Context, url string, reqBody any, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), transportRetries)
	operation := func() error {
		err := c.doOnce(ctx, url, data, respBody)
		if err != nil && !model.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

func (c *HttpClient) doOnce(ctx context.Context, url string, data []byte, respBody any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return model.NewTransientError(fmt.Sprintf("POST %s", url), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.NewTransientError(fmt.Sprintf("read %s response", url), err)
	}
	logger.Debug("ai call finished", zap.String("url", url), zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(started)))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return model.NewTransientError(fmt.Sprintf("POST %s", url), fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return model.NewValidationError(fmt.Sprintf("POST %s: status %d: %s", url, resp.StatusCode, truncate(body, 200)))
	}
	if err := json.Unmarshal(body, respBody); err != nil {
		logger.Error("malformed ai response", zap.String("url", url), zap.ByteString("body", body[:min(len(body), 2048)]), zap.Error(err))
		return model.NewValidationError(fmt.Sprintf("malformed response from %s: %v", url, err))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
