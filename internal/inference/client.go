package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivlev/sherdmark/internal/sherd"
)

const maxResponseBytes = 16 << 20

// Predictor runs the detection and classification workflow on one image.
type Predictor interface {
	Predict(ctx context.Context, image []byte) (*Prediction, error)
}

// Options configures a workflow Client.
type Options struct {
	ServiceURL string
	APIKey     string
	Workspace  string
	WorkflowID string
	Timeout    time.Duration
}

// Client calls a hosted inference workflow over HTTP. Caching is always disabled.
type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a workflow client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger.Named("inference"),
	}
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s/%s/workflows/%s",
		strings.TrimRight(c.opts.ServiceURL, "/"),
		url.PathEscape(c.opts.Workspace),
		url.PathEscape(c.opts.WorkflowID),
	)
}

// Predict posts the image to the workflow and parses the single expected result set.
func (c *Client) Predict(ctx context.Context, image []byte) (*Prediction, error) {
	sets, err := c.run(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(sets) != 1 {
		return nil, responseErrorf("expected exactly one result set, got %d", len(sets))
	}
	return parseResultSet(sets[0])
}

func (c *Client) run(ctx context.Context, image []byte) ([]resultSet, error) {
	body, err := json.Marshal(workflowRequest{
		APIKey:   c.opts.APIKey,
		UseCache: false,
		Inputs: map[string]imageInput{
			"image": {Type: "base64", Value: base64.StdEncoding.EncodeToString(image)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode workflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, &CallError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &CallError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &CallError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("workflow call finished",
		zap.String("workspace", c.opts.Workspace),
		zap.String("workflow", c.opts.WorkflowID),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &CallError{StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	var out workflowResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &ResponseError{Reason: "decode body", Err: err}
	}
	if out.Outputs == nil {
		return nil, responseErrorf("missing outputs")
	}
	return out.Outputs, nil
}

func parseResultSet(rs resultSet) (*Prediction, error) {
	if rs.DetectionPredictions == nil || rs.DetectionPredictions.Predictions == nil {
		return nil, responseErrorf("missing detection_predictions.predictions")
	}
	if rs.ClassificationPredictions == nil {
		return nil, responseErrorf("missing classification_predictions")
	}
	if rs.ModelPredictions == nil {
		return nil, responseErrorf("missing model_predictions")
	}

	raw := *rs.DetectionPredictions.Predictions
	dets := make([]sherd.Detection, 0, len(raw))
	for i, d := range raw {
		if d.DetectionID == nil || d.X == nil || d.Y == nil || d.Width == nil || d.Height == nil {
			return nil, responseErrorf("detection %d is missing detection_id or box fields", i)
		}
		dets = append(dets, sherd.Detection{
			ID:         *d.DetectionID,
			X:          *d.X,
			Y:          *d.Y,
			Width:      *d.Width,
			Height:     *d.Height,
			Class:      d.Class,
			Confidence: d.Confidence,
		})
	}

	types := make(sherd.Labels, len(*rs.ClassificationPredictions))
	for i, p := range *rs.ClassificationPredictions {
		if p.Predictions == nil || p.Predictions.ParentID == nil {
			return nil, responseErrorf("classification_predictions[%d] is missing predictions.parent_id", i)
		}
		types[*p.Predictions.ParentID] = p.Predictions.label()
	}

	quals := make(sherd.Labels, len(*rs.ModelPredictions))
	for i, p := range *rs.ModelPredictions {
		if p.ParentID == nil {
			return nil, responseErrorf("model_predictions[%d] is missing parent_id", i)
		}
		quals[*p.ParentID] = p.label()
	}

	return &Prediction{Detections: dets, Types: types, Qualifications: quals}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
