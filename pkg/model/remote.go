package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/energycast/energycast/pkg/common"
)

// Remote calls a TensorFlow Serving style REST endpoint:
// POST {"instances": [...]} returns {"predictions": [...]}.
type Remote struct {
	url    string
	client *http.Client
}

var _ Predictor = (*Remote)(nil)

// NewRemote returns a Remote predictor for the given :predict URL.
func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		url:    url,
		client: common.HTTPClient(timeout),
	}
}

// Predict implements Predictor. It is not retried; a failed call is reported
// to the caller immediately.
func (r *Remote) Predict(ctx context.Context, in Tensor) (Tensor, error) {
	nested, err := nest(in)
	if err != nil {
		return Tensor{}, err
	}
	// instances is the batch dimension; a leading dimension of 1 is the batch
	// itself, anything else is sent as a batch of one.
	instances := nested
	if len(in.Shape) < 2 || in.Shape[0] != 1 {
		instances = []any{nested}
	}
	body, err := json.Marshal(map[string]any{"instances": instances})
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return Tensor{}, fmt.Errorf("failed to create predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Tensor{}, fmt.Errorf("predict request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Tensor{}, fmt.Errorf("predict returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out struct {
		Predictions any    `json:"predictions"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Tensor{}, fmt.Errorf("failed to decode predict response: %w", err)
	}
	if out.Error != "" {
		return Tensor{}, fmt.Errorf("predict error: %s", out.Error)
	}
	return flatten(out.Predictions)
}

// nest converts a tensor into nested slices following its shape.
func nest(t Tensor) (any, error) {
	if len(t.Shape) == 0 || t.Size() != len(t.Data) {
		return nil, fmt.Errorf("cannot nest shape %v with %d values: %w", t.Shape, len(t.Data), ErrShapeMismatch)
	}
	var build func(dim, offset int) (any, int)
	build = func(dim, offset int) (any, int) {
		if dim == len(t.Shape)-1 {
			n := t.Shape[dim]
			return t.Data[offset : offset+n], offset + n
		}
		out := make([]any, t.Shape[dim])
		for i := range out {
			out[i], offset = build(dim+1, offset)
		}
		return out, offset
	}
	v, _ := build(0, 0)
	return v, nil
}

// flatten converts decoded JSON nested arrays into a tensor, inferring the
// shape and rejecting ragged input.
func flatten(v any) (Tensor, error) {
	var shape []int
	var data []float64
	var walk func(v any, depth int) error
	walk = func(v any, depth int) error {
		switch x := v.(type) {
		case float64:
			if depth != len(shape) {
				return fmt.Errorf("scalar at depth %d, expected %d: %w", depth, len(shape), ErrShapeMismatch)
			}
			data = append(data, x)
			return nil
		case []any:
			if depth == len(shape) {
				if len(data) > 0 {
					return fmt.Errorf("ragged predictions at depth %d: %w", depth, ErrShapeMismatch)
				}
				shape = append(shape, len(x))
			} else if depth > len(shape) || shape[depth] != len(x) {
				return fmt.Errorf("ragged predictions at depth %d: %w", depth, ErrShapeMismatch)
			}
			for _, e := range x {
				if err := walk(e, depth+1); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("unexpected prediction element %T: %w", v, ErrShapeMismatch)
		}
	}
	if err := walk(v, 0); err != nil {
		return Tensor{}, err
	}
	if len(shape) == 0 {
		return Tensor{}, errors.New("predictions must be an array")
	}
	t := Tensor{Shape: shape, Data: data}
	if t.Size() != len(data) {
		return Tensor{}, fmt.Errorf("predictions shape %v has %d values: %w", shape, len(data), ErrShapeMismatch)
	}
	return t, nil
}
