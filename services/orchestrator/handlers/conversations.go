// Aleutian AI - Sitka conversational retrieval service
// Copyright (C) 2025 Aleutian AI
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/Sitka/services/orchestrator/conversation"
	"github.com/AleutianAI/Sitka/services/orchestrator/datatypes"
)

// ===== Conversation Handler =====

// ConversationHandler serves the conversation lifecycle endpoints:
// create, history, summary, list, delete, and store statistics.
type ConversationHandler struct {
	store  *conversation.Manager
	logger *slog.Logger
}

// NewConversationHandler builds the lifecycle handler.
func NewConversationHandler(store *conversation.Manager, logger *slog.Logger) (*ConversationHandler, error) {
	if store == nil {
		return nil, errors.New("conversation handler: nil store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationHandler{store: store, logger: logger}, nil
}

// ===== Response Payloads =====

type conversationCreatedData struct {
	ConversationID string                      `json:"conversation_id"`
	UserID         string                      `json:"user_id"`
	Mode           datatypes.ConversationMode  `json:"mode"`
	CreatedAt      time.Time                   `json:"created_at"`
	IsCustomID     bool                        `json:"is_custom_id"`
}

type conversationHistoryData struct {
	ConversationID string              `json:"conversation_id"`
	Messages       []datatypes.Message `json:"messages"`
	MessageCount   int                 `json:"message_count"`
}

type conversationListData struct {
	Conversations []datatypes.ConversationSummary `json:"conversations"`
	Total         int                             `json:"total"`
}

type conversationClosedData struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// ===== Endpoints =====

// HandleCreate serves POST /conversations.
//
// # Description
//
// A caller-supplied conversation_id is honoured and reported back with
// is_custom_id=true; re-creating an existing id returns the existing
// conversation with 200 instead of 201, so retries are harmless.
func (h *ConversationHandler) HandleCreate(c *gin.Context) {
	var req datatypes.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.NewErrorResponse(
			"malformed request body: "+err.Error(), string(datatypes.ErrCodeValidation)))
		return
	}
	if err := req.Validate(); err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}
	isCustomID := req.ConversationID != ""

	task, created, err := h.store.Create(&req)
	if err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}

	data := conversationCreatedData{
		ConversationID: task.ID(),
		UserID:         task.UserID(),
		Mode:           task.Mode(),
		CreatedAt:      task.Summary().CreatedAt,
		IsCustomID:     isCustomID,
	}
	if created {
		c.JSON(http.StatusCreated, datatypes.NewSuccessResponse("conversation created", data))
		return
	}
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("conversation already exists", data))
}

// HandleHistory serves GET /conversations/:id/history.
func (h *ConversationHandler) HandleHistory(c *gin.Context) {
	id := c.Param("id")
	task, err := h.store.Get(id)
	if err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}

	messages := task.History()
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("history", conversationHistoryData{
		ConversationID: id,
		Messages:       messages,
		MessageCount:   len(messages),
	}))
}

// HandleSummary serves GET /conversations/:id/summary.
func (h *ConversationHandler) HandleSummary(c *gin.Context) {
	id := c.Param("id")
	task, err := h.store.Get(id)
	if err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("summary", task.Summary()))
}

// HandleList serves GET /conversations. An optional ?user_id= narrows
// the snapshot to one caller's conversations.
func (h *ConversationHandler) HandleList(c *gin.Context) {
	userID := c.Query("user_id")

	all := h.store.List()
	summaries := all
	if userID != "" {
		summaries = make([]datatypes.ConversationSummary, 0, len(all))
		for _, s := range all {
			if s.UserID == userID {
				summaries = append(summaries, s)
			}
		}
	}

	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("conversations", conversationListData{
		Conversations: summaries,
		Total:         len(summaries),
	}))
}

// HandleDelete serves DELETE /conversations/:id. The first delete wins;
// a repeat reports not found because the entry is gone.
func (h *ConversationHandler) HandleDelete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Close(id); err != nil {
		code, msg := datatypes.ClassifiedMessage(err)
		c.JSON(httpStatusFor(code), datatypes.NewErrorResponse(msg, string(code)))
		return
	}
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("conversation closed", conversationClosedData{
		ConversationID: id,
		Status:         "closed",
	}))
}

// HandleStatistics serves GET /statistics.
func (h *ConversationHandler) HandleStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.NewSuccessResponse("statistics", h.store.Statistics()))
}
