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

// HandleListTasks returns the task list.
func HandleListTasks(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": d.Coordinator.State().Tasks})
	}
}

// HandleReplaceTasks swaps the whole task list.
func HandleReplaceTasks(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.TasksRequest
		if !bind(c, &req) {
			return
		}
		out := d.Coordinator.ReplaceTasks(req.ToTasks())
		c.JSON(http.StatusOK, gin.H{"tasks": out})
	}
}

// HandleBraindump extracts tasks from free text. The list is untouched when
// extraction fails.
func HandleBraindump(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.BraindumpRequest
		if !bind(c, &req) {
			return
		}
		out, err := d.Coordinator.Braindump(c.Request.Context(), req.Text)
		if err != nil {
			fail(c, d.logger(), "braindump", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": out})
	}
}
