// Package predict fires scheduled prediction cycles: it builds inference
// inputs from the feed tape, fans them out to every live model over the
// runner node transport, classifies each outcome, and commits the input
// with all of its predictions in one transaction.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crunchdao/coordinator-node-starter/go/contract"
)

// ErrUnreachable wraps transport-level failures where the runner node
// never answered. Callers classify these predictions ABSENT rather than
// FAILED.
var ErrUnreachable = errors.New("model runner unreachable")

// Client speaks JSON over HTTP to the model runner node.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		// Per-call deadlines come from the request context; the client
		// itself does not time out.
		http: &http.Client{},
	}
}

type predictRequest struct {
	Input contract.JSONMap `json:"input"`
}

type predictResponse struct {
	Output contract.JSONMap `json:"output"`
}

// ListModels returns the runner node's current deployment listing.
func (c *Client) ListModels(ctx context.Context) ([]contract.Model, error) {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var models []contract.Model
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decoding model listing: %w", err)
	}
	return models, nil
}

// Tick primes one model with the latest inference input.
func (c *Client) Tick(ctx context.Context, modelID string, input contract.JSONMap) error {
	var _, err = c.post(ctx, "/models/"+modelID+"/tick", input)
	return err
}

// Predict asks one model for its inference output.
func (c *Client) Predict(ctx context.Context, modelID string, input contract.JSONMap) (contract.JSONMap, error) {
	return c.post(ctx, "/models/"+modelID+"/predict", input)
}

func (c *Client) post(ctx context.Context, path string, input contract.JSONMap) (contract.JSONMap, error) {
	var body, err = json.Marshal(predictRequest{Input: input})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding model response: %w", err)
	}
	return out.Output, nil
}

// classify keeps context deadline errors recognizable and folds every
// other transport failure into ErrUnreachable.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func statusError(resp *http.Response) error {
	var body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("model runner %s: %s", resp.Status, bytes.TrimSpace(body))
}

// Invoker is the transport slice the orchestrator fans out over.
type Invoker interface {
	Tick(ctx context.Context, modelID string, input contract.JSONMap) error
	Predict(ctx context.Context, modelID string, input contract.JSONMap) (contract.JSONMap, error)
}

// ModelLister is the discovery slice the runner sync loop uses.
type ModelLister interface {
	ListModels(ctx context.Context) ([]contract.Model, error)
}

var (
	_ Invoker     = (*Client)(nil)
	_ ModelLister = (*Client)(nil)
)

// timeout helper shared by the fan-out paths.
func callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
