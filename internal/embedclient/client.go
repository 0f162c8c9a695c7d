// Package embedclient is the RPC client translating text to embeddings
// via the external vectorizer, in Query mode (single string, latency
// sensitive) and Corpus mode (batched, order-preserving minibatching).
//
// Grounded on sentence_vectorizer.py's DockerVectorizer (query mode) and
// SentenceVectorizer (corpus mode), with a struct shape matching a thin
// HTTP-backed embedding provider.
package embedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/liliang-cn/newsindex/internal/errs"
)

// Client calls a single embedding RPC endpoint contract:
//
//	POST {"inputs":{"text":[...]}}  ->  {"outputs":[[float,...],...]}
type Client struct {
	Endpoint string
	HTTP     *http.Client
	// CorpusMinibatchSize bounds how many strings are sent per request
	// in corpus mode; callers pick a value (64 heavy / 512 lite) based on
	// the configured embedding model.
	CorpusMinibatchSize int
}

// New builds a Client. httpClient may be nil to use http.DefaultClient.
func New(endpoint string, httpClient *http.Client, minibatchSize int) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if minibatchSize <= 0 {
		minibatchSize = 64
	}
	return &Client{Endpoint: endpoint, HTTP: httpClient, CorpusMinibatchSize: minibatchSize}
}

type rpcRequest struct {
	Inputs struct {
		Text []string `json:"text"`
	} `json:"inputs"`
}

type rpcResponse struct {
	Outputs [][]float32 `json:"outputs"`
}

func (c *Client) call(ctx context.Context, texts []string) ([][]float32, error) {
	var req rpcRequest
	req.Inputs.Text = texts

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "embed", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "embed", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errs.New(errs.KindUpstreamError, "embed",
			fmt.Sprintf("embedding RPC returned status %d", resp.StatusCode))
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errs.Wrap(errs.KindUpstreamError, "embed", err)
	}
	if len(out.Outputs) != len(texts) {
		return nil, errs.New(errs.KindUpstreamError, "embed",
			fmt.Sprintf("expected %d output vectors, got %d", len(texts), len(out.Outputs)))
	}
	return out.Outputs, nil
}

// EmbedQuery vectorizes a single string, returning its [1,D] row.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := c.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedCorpus vectorizes a list of strings, internally minibatching at
// CorpusMinibatchSize while preserving input order exactly in the
// returned [N,D] result.
func (c *Client) EmbedCorpus(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.CorpusMinibatchSize {
		end := start + c.CorpusMinibatchSize
		if end > len(texts) {
			end = len(texts)
		}
		out, err := c.call(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		result = append(result, out...)
	}
	return result, nil
}
