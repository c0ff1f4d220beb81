package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "tilawa-gateway/pkg/errors"
	"tilawa-gateway/pkg/metrics"
)

// 三类上游错误；重试策略在队列层，这里只分类不重试
var (
	ErrTimeout     = errors.New("upstream timeout")
	ErrUnavailable = errors.New("upstream unavailable")
	ErrBadResponse = errors.New("bad upstream response")
)

// Gateway is the outbound boundary to the tilawa-core-ai inference service.
type Gateway interface {
	Enhance(ctx context.Context, sample []byte) ([]byte, error)
	Classify(ctx context.Context, sample []byte) (*Classification, error)
	Align(ctx context.Context, sample []byte) (*Alignment, error)
	Calibrate(ctx context.Context, samples [][]byte, noise []byte) (*CalibrationResult, error)
	Healthz(ctx context.Context) error
}

type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func New(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type filePart struct {
	field string
	name  string
	data  []byte
}

// Enhance returns the adaptively enhanced audio as WAV bytes.
func (c *Client) Enhance(ctx context.Context, sample []byte) ([]byte, error) {
	body, err := c.postMultipart(ctx, "enhance", "/audio/enhance-adaptive",
		[]filePart{{field: "file", name: "sample.wav", data: sample}})
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, c.classifyErr("enhance", ErrBadResponse)
	}
	return body, nil
}

func (c *Client) Classify(ctx context.Context, sample []byte) (*Classification, error) {
	body, err := c.postMultipart(ctx, "classify", "/quran/is-quran",
		[]filePart{{field: "file", name: "sample.wav", data: sample}})
	if err != nil {
		return nil, err
	}
	var out Classification
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.classifyErr("classify", ErrBadResponse)
	}
	out.Raw = body
	return &out, nil
}

func (c *Client) Align(ctx context.Context, sample []byte) (*Alignment, error) {
	body, err := c.postMultipart(ctx, "align", "/quran/align",
		[]filePart{{field: "file", name: "sample.wav", data: sample}})
	if err != nil {
		return nil, err
	}
	var out Alignment
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.classifyErr("align", ErrBadResponse)
	}
	out.Raw = body
	return &out, nil
}

// Calibrate sends up to five reference samples plus an optional noise
// sample as one multipart batch.
func (c *Client) Calibrate(ctx context.Context, samples [][]byte, noise []byte) (*CalibrationResult, error) {
	parts := make([]filePart, 0, len(samples)+1)
	for i, s := range samples {
		parts = append(parts, filePart{field: "files", name: fmt.Sprintf("ref_%d.wav", i), data: s})
	}
	if len(noise) > 0 {
		parts = append(parts, filePart{field: "noise_file", name: "noise.wav", data: noise})
	}
	body, err := c.postMultipart(ctx, "calibrate", "/audio/calibrate", parts)
	if err != nil {
		return nil, err
	}
	var out CalibrationResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, c.classifyErr("calibrate", ErrBadResponse)
	}
	return &out, nil
}

func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportErr("health", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return c.classifyErr("health", fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) postMultipart(ctx context.Context, op, path string, parts []filePart) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		fw, err := w.CreateFormFile(p.field, p.name)
		if err != nil {
			return nil, fmt.Errorf("build multipart: %w", err)
		}
		if _, err := fw.Write(p.data); err != nil {
			return nil, fmt.Errorf("build multipart: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(op, "transport_error").Inc()
		return nil, c.transportErr(op, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.UpstreamCalls.WithLabelValues(op, "read_error").Inc()
		return nil, c.classifyErr(op, ErrBadResponse)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamCalls.WithLabelValues(op, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		c.log.Warn("upstream returned non-2xx",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode))
		return nil, apperrors.Wrap(apperrors.CodeUpstream,
			fmt.Errorf("%s: status %d", op, resp.StatusCode), "upstream error")
	}
	metrics.UpstreamCalls.WithLabelValues(op, "ok").Inc()
	return body, nil
}

// transportErr 区分超时与连接失败
func (c *Client) transportErr(op string, err error) error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return c.classifyErr(op, ErrTimeout)
	}
	return c.classifyErr(op, ErrUnavailable)
}

func (c *Client) classifyErr(op string, cause error) error {
	return apperrors.Wrap(apperrors.CodeUpstream, cause, op+" failed")
}
