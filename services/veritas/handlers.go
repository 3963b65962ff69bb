// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package veritas exposes the confidence pipeline over HTTP.
package veritas

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianVeritas/services/veritas/assemble"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/calibrate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/deliver"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/evaluate"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/perf"
	"github.com/AleutianAI/AleutianVeritas/services/veritas/pipeline"
)

// =============================================================================
// Wire Types
// =============================================================================

// ErrorResponse is the error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// AnswerRequest is the body for POST /v1/veritas/answer.
type AnswerRequest struct {
	Query           string `json:"query" binding:"required"`
	TopK            int    `json:"topK"`
	Mode            string `json:"mode"`
	Display         string `json:"display"`
	IncludeEvidence bool   `json:"includeEvidence"`
}

// EvaluateRequest is the body for POST /v1/veritas/evaluate. It scores an
// externally generated response without running retrieval or generation.
type EvaluateRequest struct {
	Query           string            `json:"query" binding:"required"`
	Response        string            `json:"response" binding:"required"`
	Sources         []evaluate.Source `json:"sources"`
	TokenConfidence float64           `json:"tokenConfidence"`
}

// EvaluateResponse pairs the evaluation with its calibrated confidence.
type EvaluateResponse struct {
	Evaluation *evaluate.Result     `json:"evaluation"`
	Calibrated calibrate.Calibrated `json:"calibrated"`
}

// FeedbackRequest is the body for POST /v1/veritas/feedback/:id.
type FeedbackRequest struct {
	Rating  float64 `json:"rating"`
	Comment string  `json:"comment"`
}

// TrainRequest is the body for POST /v1/veritas/calibration/train. Data
// may be omitted to train on accumulated feedback samples.
type TrainRequest struct {
	Method string                `json:"method" binding:"required"`
	Data   []calibrate.DataPoint `json:"data"`
}

// StatsResponse is the body for GET /v1/veritas/stats.
type StatsResponse struct {
	Delivery deliver.Stats `json:"delivery"`
	Cache    perf.Stats    `json:"cache"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers carries the HTTP endpoint implementations.
//
// # Thread Safety
//
// Safe for concurrent use; all state lives in the injected components.
type Handlers struct {
	pipeline   *pipeline.Pipeline
	evaluator  *evaluate.Evaluator
	calibrator *calibrate.Calibrator
	delivery   *deliver.Manager
	cache      *perf.Cache
	logger     *slog.Logger
}

// NewHandlers creates the endpoint set.
//
// # Inputs
//
//   - p: The answer pipeline. Must not be nil.
//   - evaluator, calibrator, delivery: The standalone components also
//     reachable outside the full pipeline. Must not be nil.
//   - cache: The shared result cache, for stats. May be nil.
//   - logger: May be nil.
func NewHandlers(p *pipeline.Pipeline, evaluator *evaluate.Evaluator, calibrator *calibrate.Calibrator, delivery *deliver.Manager, cache *perf.Cache, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		pipeline:   p,
		evaluator:  evaluator,
		calibrator: calibrator,
		delivery:   delivery,
		cache:      cache,
		logger:     logger,
	}
}

// getOrCreateRequestID returns the inbound X-Request-ID or mints one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleAnswer handles POST /v1/veritas/answer.
//
// Description:
//
//	Runs the full pipeline for one query and returns the delivered
//	answer with all stage artifacts. Upstream failures degrade inside
//	the pipeline; the endpoint errors only on bad input or cancellation.
//
// Response:
//
//	200 OK: pipeline.Answer
//	400 Bad Request: Missing query
//	499: Client cancelled the request
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleAnswer(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAnswer")

	var req AnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "query is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	answer, err := h.pipeline.Answer(c.Request.Context(), req.Query, pipeline.Options{
		TopK:            req.TopK,
		Mode:            assemble.Mode(req.Mode),
		Display:         deliver.DisplayStyle(req.Display),
		IncludeEvidence: req.IncludeEvidence,
	})
	if err != nil {
		// Cancellation between stages is the pipeline's only error.
		logger.Warn("answer cancelled", slog.String("error", err.Error()))
		c.JSON(499, ErrorResponse{Error: "request cancelled", Code: "CANCELLED"})
		return
	}

	logger.Info("answer delivered",
		slog.String("action", string(answer.Evaluation.Action)),
		slog.Float64("confidence", answer.Response.Confidence),
		slog.Int64("elapsed_ms", answer.ElapsedMs),
	)
	c.JSON(http.StatusOK, answer)
}

// HandleEvaluate handles POST /v1/veritas/evaluate.
//
// Description:
//
//	Scores an externally generated response against supplied sources
//	and returns the evaluation plus its calibrated confidence. Lets
//	callers use the scoring stack without the retrieval/generation
//	stages.
//
// Response:
//
//	200 OK: EvaluateResponse
//	400 Bad Request: Missing query or response
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleEvaluate(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleEvaluate")

	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "query and response are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	result := h.evaluator.Evaluate(c.Request.Context(), req.Query, req.Response, req.Sources, req.TokenConfidence)
	calibrated := h.calibrator.Calibrate(result.Overall)

	logger.Info("evaluation completed",
		slog.String("action", string(result.Action)),
		slog.Float64("overall", result.Overall),
	)
	c.JSON(http.StatusOK, EvaluateResponse{Evaluation: result, Calibrated: calibrated})
}

// HandleFeedback handles POST /v1/veritas/feedback/:id.
//
// Description:
//
//	Attaches a user accuracy judgment to a previously delivered answer.
//	The pair feeds the calibrator's training buffer.
//
// Response:
//
//	200 OK: {"status": "recorded"}
//	400 Bad Request: Malformed body
//	404 Not Found: Unknown or already-judged feedback id
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleFeedback(c *gin.Context) {
	feedbackID := c.Param("id")

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "rating is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	if err := h.delivery.CaptureFeedback(feedbackID, deliver.Feedback{
		Rating:  req.Rating,
		Comment: req.Comment,
	}); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: err.Error(),
			Code:  "UNKNOWN_FEEDBACK_ID",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// HandleTrainCalibration handles POST /v1/veritas/calibration/train.
//
// Description:
//
//	Fits the requested calibration method on the supplied data points,
//	or on the accumulated feedback buffer when the body carries none.
//
// Response:
//
//	200 OK: calibrate.Parameters
//	400 Bad Request: Unknown method or insufficient samples
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleTrainCalibration(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleTrainCalibration")

	var req TrainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "method is required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}

	params, err := h.calibrator.Train(req.Data, calibrate.Method(req.Method))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "TRAINING_FAILED",
		})
		return
	}

	logger.Info("calibration trained via API",
		slog.String("method", req.Method),
		slog.Int("samples", params.SampleCount),
	)
	c.JSON(http.StatusOK, params)
}

// HandleCalibrationQuality handles POST /v1/veritas/calibration/quality.
//
// Description:
//
//	Scores the active calibration against a labeled data set, returning
//	ECE, MCE, and Brier score.
//
// Response:
//
//	200 OK: calibrate.Quality
//	400 Bad Request: Empty data set
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleCalibrationQuality(c *gin.Context) {
	var req struct {
		Data []calibrate.DataPoint `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Data) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "data points are required",
			Code:  "MISSING_PARAMETER",
		})
		return
	}
	c.JSON(http.StatusOK, h.calibrator.EvaluateQuality(req.Data))
}

// HandleExportCalibration handles GET /v1/veritas/calibration.
//
// Response:
//
//	200 OK: calibrate.Parameters (the active state; method "none" when
//	untrained)
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleExportCalibration(c *gin.Context) {
	c.JSON(http.StatusOK, h.calibrator.Export())
}

// HandleStats handles GET /v1/veritas/stats.
//
// Response:
//
//	200 OK: StatsResponse with delivery aggregates and cache counters.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleStats(c *gin.Context) {
	resp := StatsResponse{Delivery: h.delivery.Stats()}
	if h.cache != nil {
		resp.Cache = h.cache.CacheStats()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /v1/veritas/health.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
