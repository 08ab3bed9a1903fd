// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package invoke

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the API on rg, normally the /v1/invoke group.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)
	rg.POST("/classify", h.HandleClassify)
	rg.POST("/classify/batch", h.HandleClassifyBatch)

	turns := rg.Group("/turns")
	{
		turns.POST("", h.HandleBeginTurn)
		turns.DELETE("/:turn", h.HandleDiscardTurn)
		turns.POST("/:turn/fragments", h.HandleFragments)
		turns.GET("/:turn/invocations", h.HandleGetTurn)
		turns.POST("/:turn/invocations/:id/approve", h.HandleApprove)
		turns.POST("/:turn/invocations/:id/reject", h.HandleReject)
		turns.GET("/:turn/stream", h.HandleStream)
	}

	fb := rg.Group("/feedback")
	{
		fb.POST("", h.HandleFeedback)
		fb.GET("/stats", h.HandleFeedbackStats)
	}
}
