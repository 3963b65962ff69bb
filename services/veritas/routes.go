// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package veritas

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all Veritas routes with the router.
//
// Description:
//
//	Registers all /v1/veritas/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Endpoints:
//
//	POST /v1/veritas/answer - Run the full confidence pipeline for a query
//	POST /v1/veritas/evaluate - Score an externally generated response
//	POST /v1/veritas/feedback/:id - Attach user feedback to a delivery
//	POST /v1/veritas/calibration/train - Fit a calibration method
//	POST /v1/veritas/calibration/quality - Score calibration quality
//	GET  /v1/veritas/calibration - Export the active calibration state
//	GET  /v1/veritas/stats - Delivery and cache aggregates
//	GET  /v1/veritas/health - Health check
//
// Example:
//
//	handlers := veritas.NewHandlers(pipe, evaluator, calibrator, delivery, cache, logger)
//
//	v1 := router.Group("/v1")
//	veritas.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	v := rg.Group("/veritas")
	{
		// Answer pipeline
		v.POST("/answer", handlers.HandleAnswer)

		// Standalone evaluation
		v.POST("/evaluate", handlers.HandleEvaluate)

		// Feedback capture
		v.POST("/feedback/:id", handlers.HandleFeedback)

		// Calibration lifecycle
		v.POST("/calibration/train", handlers.HandleTrainCalibration)
		v.POST("/calibration/quality", handlers.HandleCalibrationQuality)
		v.GET("/calibration", handlers.HandleExportCalibration)

		// Observability
		v.GET("/stats", handlers.HandleStats)
		v.GET("/health", handlers.HandleHealth)
	}
}
