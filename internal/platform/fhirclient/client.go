// Package fhirclient performs the backend operations the importer needs:
// read, search, transaction and delete.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/fhir-importer/internal/platform/fhir"
	"github.com/ehr/fhir-importer/internal/platform/transport"
)

var ErrNotFound = errors.New("resource not found")

// Requester is the transport collaborator.
type Requester interface {
	Request(ctx context.Context, method, path string, body any) (*transport.Response, error)
}

type Client struct {
	rq     Requester
	logger zerolog.Logger
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

func New(rq Requester, opts ...Option) *Client {
	c := &Client{rq: rq, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read fetches Type/id. 404 and 410 map to ErrNotFound.
func (c *Client) Read(ctx context.Context, resourceType, id string) (fhir.Document, error) {
	path := "/" + fhir.FormatReference(resourceType, url.PathEscape(id))
	resp, err := c.rq.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
	}
	if !resp.OK() {
		return nil, outcomeError(http.MethodGet, path, resp)
	}

	doc, err := fhir.ParseDocument(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if doc.String("meta", "versionId") == "" {
		if etag := resp.Header.Get("ETag"); etag != "" {
			doc["meta"] = map[string]any{"versionId": fhir.ParseETag(etag)}
		}
	}
	return doc, nil
}

// Version returns the current version of Type/id and whether it exists.
func (c *Client) Version(ctx context.Context, resourceType, id string) (string, bool, error) {
	doc, err := c.Read(ctx, resourceType, id)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return fhir.VersionOf(doc, ""), true, nil
}

// Search runs GET Type?params.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	path := "/" + resourceType
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, err := c.rq.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", resourceType, err)
	}
	if !resp.OK() {
		return nil, outcomeError(http.MethodGet, path, resp)
	}

	var b fhir.Bundle
	if err := json.Unmarshal(resp.Body, &b); err != nil {
		return nil, fmt.Errorf("decode %s search bundle: %w", resourceType, err)
	}
	return &b, nil
}

// Transaction posts b to the base URL. The response is returned as-is;
// a non-2xx status is additionally reported as an error carrying the
// OperationOutcome diagnostics.
func (c *Client) Transaction(ctx context.Context, b *fhir.Bundle) (*transport.Response, error) {
	c.logger.Info().Int("entries", len(b.Entry)).Msg("submitting transaction")
	resp, err := c.rq.Request(ctx, http.MethodPost, "", b)
	if err != nil {
		return resp, fmt.Errorf("submit transaction: %w", err)
	}
	if !resp.OK() {
		return resp, outcomeError(http.MethodPost, "", resp)
	}
	return resp, nil
}

// Delete removes Type/id, optionally cascading to referencing resources.
func (c *Client) Delete(ctx context.Context, resourceType, id string, cascade bool) error {
	path := "/" + fhir.FormatReference(resourceType, url.PathEscape(id))
	if cascade {
		path += "?_cascade=delete"
	}
	resp, err := c.rq.Request(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	if !resp.OK() {
		return outcomeError(http.MethodDelete, path, resp)
	}
	c.logger.Info().Str("resource", fhir.FormatReference(resourceType, id)).Msg("deleted")
	return nil
}

// OutcomeError wraps a rejected response; Outcome is set when the body is
// an OperationOutcome.
type OutcomeError struct {
	*transport.StatusError
	Outcome *fhir.OperationOutcome
}

func (e *OutcomeError) Error() string {
	if e.Outcome != nil {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Outcome.Summary())
	}
	return e.StatusError.Error()
}

func (e *OutcomeError) Unwrap() error { return e.StatusError }

func outcomeError(method, path string, resp *transport.Response) error {
	e := &OutcomeError{StatusError: transport.NewStatusError(method, path, resp)}
	var oo fhir.OperationOutcome
	if json.Unmarshal(resp.Body, &oo) == nil && oo.ResourceType == "OperationOutcome" {
		e.Outcome = &oo
	}
	return e
}
