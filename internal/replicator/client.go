// Package replicator mirrors observations into an external vector store
// so semantic recall survives local database loss.
package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const clientTimeout = 3 * time.Second

// Client talks to a Chroma-style vector store over HTTP.
type Client struct {
	baseURL    string
	collection string
	http       *http.Client
}

// NewClient creates a client for the store at baseURL writing into the
// named collection.
func NewClient(baseURL, collection string) *Client {
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		http:       &http.Client{Timeout: clientTimeout},
	}
}

// Document is one record to mirror.
type Document struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

type upsertRequest struct {
	IDs       []string            `json:"ids"`
	Documents []string            `json:"documents"`
	Metadatas []map[string]string `json:"metadatas"`
}

// Upsert writes documents into the collection, replacing existing ids.
func (c *Client) Upsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	req := upsertRequest{
		IDs:       make([]string, len(docs)),
		Documents: make([]string, len(docs)),
		Metadatas: make([]map[string]string, len(docs)),
	}
	for i, d := range docs {
		req.IDs[i] = d.ID
		req.Documents[i] = d.Text
		req.Metadatas[i] = d.Metadata
	}
	return c.post(ctx, fmt.Sprintf("/api/v1/collections/%s/upsert", c.collection), req)
}

type deleteRequest struct {
	Where map[string]string `json:"where"`
}

// DeleteWhere removes all documents whose metadata matches where.
func (c *Client) DeleteWhere(ctx context.Context, where map[string]string) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/collections/%s/delete", c.collection), deleteRequest{Where: where})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vector store returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
