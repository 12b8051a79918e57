// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/Vigil/services/vigil/history"
	"github.com/AleutianAI/Vigil/services/vigil/tasks"
)

const judgeSystemPrompt = `You watch a screenshot of someone's screen and report what they are doing.
Reply with JSON only: {"description": string, "thought": string, "focused": bool, "tasks_to_complete": [string]}.
"description" is one plain sentence about the visible activity.
"thought" is your short reasoning.
"focused" is true when the activity plausibly serves one of the listed tasks.
"tasks_to_complete" holds the exact text of listed tasks the screen shows as done, or [].
Never suggest new tasks. Use the recent history only as context for the current screen.`

const summarizeSystemPrompt = `You condense a window of activity observations into a short summary.
Reply with JSON only: {"summary": string}.
Mention the dominant activities and how much of the window was on-task.`

const decideSystemPrompt = `You are a strict but fair productivity manager.
Given the task list, the latest activity summary and recent observations, decide whether the person is being productive.
Reply with JSON only: {"productive": bool, "reason": string, "message": string, "interjection": string}.
When not productive, "message" is what you say out loud to redirect them, at most two sentences, matching the strike level given.
When productive, "interjection" may hold a brief encouragement or stay empty.`

const assessSystemPrompt = `You check a spoken response against outstanding tasks.
Reply with JSON only: {"completed_ids": [string], "compliant": bool, "note": string}.
List only ids from the given tasks that the response clearly says are done.
"compliant" is true when the response commits to getting back on task.
"note" is one short sentence for the person.`

const extractSystemPrompt = `You turn a free-form braindump into a concise task list.
Reply with JSON only: {"tasks": [string]}.
Each task is a short imperative phrase. Drop duplicates and anything that is not actionable.`

func taskLines(items []string) string {
	if len(items) == 0 {
		return "(no tasks set)"
	}
	var b strings.Builder
	for _, t := range items {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	return b.String()
}

func observationLines(obs []history.Observation) string {
	if len(obs) == 0 {
		return "(no observations)"
	}
	var b strings.Builder
	for _, o := range obs {
		state := "off-task"
		if o.Focused {
			state = "on-task"
		}
		fmt.Fprintf(&b, "[%s] %s (%s)\n", o.Timestamp.Format(time.Kitchen), o.Description, state)
	}
	return b.String()
}

func judgePrompt(in JudgeInput) string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	b.WriteString(taskLines(in.Tasks))
	if in.Summary != "" {
		b.WriteString("\nPrevious summary:\n")
		b.WriteString(in.Summary + "\n")
	}
	if len(in.Recent) > 0 {
		b.WriteString("\nRecent activity:\n")
		b.WriteString(observationLines(in.Recent))
	}
	return b.String()
}

func summarizePrompt(obs []history.Observation) string {
	return "Observations:\n" + observationLines(obs)
}

func decidePrompt(in DecisionInput) string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	b.WriteString(taskLines(in.Tasks))
	b.WriteString("\nLatest summary:\n")
	if in.Summary == "" {
		b.WriteString("(none yet)\n")
	} else {
		b.WriteString(in.Summary + "\n")
	}
	b.WriteString("\nRecent observations:\n")
	b.WriteString(observationLines(in.Observations))
	fmt.Fprintf(&b, "\nStrike level if redirected: %d of 3\n", in.NextStrike)
	return b.String()
}

func assessPrompt(transcript string, outstanding []tasks.Task) string {
	var b strings.Builder
	b.WriteString("Outstanding tasks:\n")
	for _, t := range outstanding {
		fmt.Fprintf(&b, "- id=%s: %s\n", t.ID, t.Text)
	}
	b.WriteString("\nResponse:\n")
	b.WriteString(transcript)
	return b.String()
}
