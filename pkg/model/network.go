package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/floats"
)

// Layer is a fully-connected layer. Weights are indexed [out][in].
type Layer struct {
	Weights [][]float64 `json:"weights"`
	Biases  []float64   `json:"biases"`
}

// Network is a feedforward network with ReLU hidden layers and a linear
// output layer. The input tensor is flattened before the first layer, so a
// [1, window, features] window maps onto window*features inputs.
type Network struct {
	Layers []Layer `json:"layers"`
}

var _ Predictor = (*Network)(nil)

// DecodeNetwork reads a JSON network and validates its dimensions.
func DecodeNetwork(r io.Reader) (*Network, error) {
	var n Network
	if err := json.NewDecoder(r).Decode(&n); err != nil {
		return nil, fmt.Errorf("failed to decode network: %w", err)
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks that every layer's input width matches the previous output.
func (n *Network) Validate() error {
	if len(n.Layers) == 0 {
		return errors.New("network has no layers")
	}
	prevOut := -1
	for i, l := range n.Layers {
		if len(l.Weights) == 0 {
			return fmt.Errorf("layer %d has no outputs", i)
		}
		if len(l.Biases) != len(l.Weights) {
			return fmt.Errorf("layer %d has %d biases for %d outputs", i, len(l.Biases), len(l.Weights))
		}
		in := len(l.Weights[0])
		for j, w := range l.Weights {
			if len(w) != in {
				return fmt.Errorf("layer %d row %d has %d weights, expected %d", i, j, len(w), in)
			}
		}
		if prevOut >= 0 && in != prevOut {
			return fmt.Errorf("layer %d expects %d inputs but previous layer outputs %d", i, in, prevOut)
		}
		prevOut = len(l.Weights)
	}
	return nil
}

// Inputs returns the flattened input width.
func (n *Network) Inputs() int {
	return len(n.Layers[0].Weights[0])
}

// Outputs returns the output width.
func (n *Network) Outputs() int {
	return len(n.Layers[len(n.Layers)-1].Weights)
}

// Forward computes the network output. It allocates per call and never
// mutates the network, so concurrent calls are safe.
func (n *Network) Forward(input []float64) []float64 {
	x := input
	for i, l := range n.Layers {
		y := make([]float64, len(l.Weights))
		for j, row := range l.Weights {
			sum := l.Biases[j] + floats.Dot(row, x)
			// ReLU for all layers except the last (linear output).
			if i < len(n.Layers)-1 && sum < 0 {
				sum = 0
			}
			y[j] = sum
		}
		x = y
	}
	return x
}

// Predict implements Predictor. The output has shape [1, outputs].
func (n *Network) Predict(ctx context.Context, in Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	if len(in.Data) != n.Inputs() {
		return Tensor{}, fmt.Errorf("network expects %d inputs, got shape %v: %w", n.Inputs(), in.Shape, ErrShapeMismatch)
	}
	return Tensor{Shape: []int{1, n.Outputs()}, Data: n.Forward(in.Data)}, nil
}
