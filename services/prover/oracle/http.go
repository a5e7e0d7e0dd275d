// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/AleutianAI/AleutianProver/services/prover/proofstate"
)

var tracer = otel.Tracer("aleutian.prover.oracle")

// ErrPredictor indicates the remote predictor failed or answered garbage.
var ErrPredictor = errors.New("oracle: predictor request failed")

// DefaultHTTPTimeout bounds one predictor request.
const DefaultHTTPTimeout = 30 * time.Second

// maxResponseBytes caps how much of a predictor response is read.
const maxResponseBytes = 4 << 20

// HTTP scores contexts through a remote predictor service.
//
// The service receives POST {endpoint} with a JSON scoreRequest and answers
// a scoreResponse. Predictions are re-ranked locally, so the service may
// return them in any order and may return more than requested.
type HTTP struct {
	httpClient *http.Client
	endpoint   string
	model      string
	logger     *slog.Logger
}

// HTTPOption configures an HTTP oracle.
type HTTPOption func(*HTTP)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) { h.httpClient = c }
}

// WithModel names the predictor model to request.
func WithModel(model string) HTTPOption {
	return func(h *HTTP) { h.model = model }
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

type scoreRequest struct {
	Model       string            `json:"model,omitempty"`
	Goal        string            `json:"goal"`
	Hypotheses  map[string]string `json:"hypotheses"`
	PrevTactics []string          `json:"prev_tactics"`
	OpenGoals   int               `json:"open_goals"`
	Count       int               `json:"count"`
}

type scoreResponse struct {
	Predictions []Prediction `json:"predictions"`
	Error       string       `json:"error,omitempty"`
}

// NewHTTP creates a predictor client for endpoint.
func NewHTTP(endpoint string, timeout time.Duration, opts ...HTTPOption) (*HTTP, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("oracle endpoint not set")
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	h := &HTTP{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger.Info("Initializing predictor client", "endpoint", h.endpoint, "model", h.model)
	return h, nil
}

// Score implements Oracle.
func (h *HTTP) Score(ctx context.Context, snap proofstate.Snapshot, count int) ([]Prediction, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadCount, count)
	}
	if !snap.InProof() {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "HTTP.Score")
	defer span.End()
	span.SetAttributes(
		attribute.String("oracle.endpoint", h.endpoint),
		attribute.Int("oracle.count", count),
		attribute.Int("oracle.open_goals", snap.Open()),
	)

	prev := snap.PrevTactics
	if prev == nil {
		prev = []string{}
	}
	body, err := json.Marshal(scoreRequest{
		Model:       h.model,
		Goal:        snap.Goal(),
		Hypotheses:  snap.HypothesisMap(),
		PrevTactics: prev,
		OpenGoals:   snap.Open(),
		Count:       count,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("Predictor call failed", "endpoint", h.endpoint, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPredictor, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: reading response: %w", ErrPredictor, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: status %d: %s", ErrPredictor, resp.StatusCode, strings.TrimSpace(string(respBody)))
		span.SetStatus(codes.Error, err.Error())
		h.logger.Error("Predictor returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		return nil, err
	}

	var out scoreResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: decoding response: %w", ErrPredictor, err)
	}
	if out.Error != "" {
		err := fmt.Errorf("%w: %s", ErrPredictor, out.Error)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	preds := Rank(out.Predictions, count)
	span.SetAttributes(attribute.Int("oracle.predictions", len(preds)))
	h.logger.Debug("Received predictions", "count", len(preds))
	return preds, nil
}
