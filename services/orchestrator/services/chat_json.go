// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package services

import (
	"context"
	"encoding/json"
)

// CompleteJSON performs a blocking completion and decodes the model's
// answer into out.
//
// # Description
//
// Models asked for JSON routinely wrap it in prose or markdown fences.
// Decoding runs in two passes: the raw answer first, then the first
// balanced JSON object found inside it. If neither parses, the call
// fails with a decode error carrying the original cause.
//
// # Examples
//
//	var plan taskPlanResponse
//	err := client.CompleteJSON(ctx, req, &plan)
func (c *OpenAIChat) CompleteJSON(ctx context.Context, req CompletionRequest, out any) error {
	raw, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}

	directErr := json.Unmarshal([]byte(raw), out)
	if directErr == nil {
		return nil
	}

	obj, ok := extractJSONObject(raw)
	if !ok {
		aerr := NewDecodeError(serviceChat, "CompleteJSON", directErr)
		aerr.Detail = "no JSON object found in completion"
		return aerr
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return NewDecodeError(serviceChat, "CompleteJSON", err)
	}
	return nil
}

// extractJSONObject returns the first balanced top-level JSON object in
// s. Braces inside string literals do not count toward the balance, and
// escaped quotes do not end a literal.
func extractJSONObject(s string) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start >= 0 {
				inString = true
			}
		case '{':
			if start < 0 {
				start = i
			}
			depth++
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
