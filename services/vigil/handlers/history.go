// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Vigil/services/vigil/datatypes"
)

const defaultListLimit = 100

func bindLimit(c *gin.Context) (int, bool) {
	var q datatypes.ListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abort(c, http.StatusBadRequest, "invalid limit")
		return 0, false
	}
	if err := datatypes.Validate(&q); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return 0, false
	}
	if q.Limit == 0 {
		q.Limit = defaultListLimit
	}
	return q.Limit, true
}

// HandleHistory returns recent observations and manager decisions, newest
// first.
func HandleHistory(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := bindLimit(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		obs, err := d.History.Observations(ctx, limit)
		if err != nil {
			fail(c, d.logger(), "list observations", err)
			return
		}
		decisions, err := d.History.Decisions(ctx, limit)
		if err != nil {
			fail(c, d.logger(), "list decisions", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"observations": obs, "decisions": decisions})
	}
}

// HandleSummaries returns window summaries, newest first.
func HandleSummaries(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := bindLimit(c)
		if !ok {
			return
		}
		sums, err := d.History.Summaries(c.Request.Context(), limit)
		if err != nil {
			fail(c, d.logger(), "list summaries", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summaries": sums})
	}
}

// HandleClearHistory deletes observations, summaries and decisions. The
// strike ledger is kept.
func HandleClearHistory(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := d.History.Clear(c.Request.Context()); err != nil {
			fail(c, d.logger(), "clear history", err)
			return
		}
		d.logger().Info("history cleared")
		c.Status(http.StatusNoContent)
	}
}
