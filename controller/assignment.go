// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/bureau-foundation/conclave/lib/codec"
	"github.com/bureau-foundation/conclave/wire"
)

// assignSubjectPrefix is the per-instance assignment subject. The
// orchestration service requests on assignSubjectPrefix + instance id.
const assignSubjectPrefix = "conclave.assign."

// AssignmentHandler answers meeting assignment requests from the
// orchestration service. Rejections always carry a reason: the
// orchestrator routes around AT_CAPACITY and DRAINING, and treats
// CONFLICT as a placement bug to investigate.
type AssignmentHandler struct {
	controller *Controller
	logger     *slog.Logger
}

// NewAssignmentHandler builds the handler for one controller.
func NewAssignmentHandler(controller *Controller, logger *slog.Logger) *AssignmentHandler {
	return &AssignmentHandler{controller: controller, logger: logger}
}

// Handle decides one assignment request.
func (h *AssignmentHandler) Handle(ctx context.Context, request wire.AssignRequest) wire.AssignResponse {
	if h.controller.Draining() {
		h.logger.Info("assignment refused, instance draining", "meeting_id", request.MeetingID)
		return wire.AssignResponse{Reason: wire.ReasonDraining}
	}
	if h.controller.Counters().Meetings() >= int64(h.controller.config.Capacity) {
		h.logger.Info("assignment refused, at capacity",
			"meeting_id", request.MeetingID,
			"capacity", h.controller.config.Capacity,
		)
		return wire.AssignResponse{Reason: wire.ReasonAtCapacity}
	}

	generation, err := h.controller.CreateMeeting(ctx, request.MeetingID)
	if err != nil {
		if errors.Is(err, ErrMeetingExists) {
			h.logger.Warn("assignment conflict, meeting already hosted", "meeting_id", request.MeetingID)
			return wire.AssignResponse{Reason: wire.ReasonConflict}
		}
		h.logger.Error("assignment failed", "meeting_id", request.MeetingID, "error", err)
		return wire.AssignResponse{Reason: wire.ReasonConflict}
	}

	h.logger.Info("assignment accepted", "meeting_id", request.MeetingID, "generation", generation)
	return wire.AssignResponse{Accepted: true, Generation: generation}
}

// Subscribe attaches the handler to this instance's NATS assignment
// subject. The returned subscription stays live until drained or the
// connection closes.
func (h *AssignmentHandler) Subscribe(ctx context.Context, conn *nats.Conn, instanceID string) (*nats.Subscription, error) {
	subject := assignSubjectPrefix + instanceID
	subscription, err := conn.Subscribe(subject, func(message *nats.Msg) {
		var request wire.AssignRequest
		if err := codec.Unmarshal(message.Data, &request); err != nil {
			h.logger.Warn("malformed assignment request", "error", err)
			return
		}

		response := h.Handle(ctx, request)
		payload, err := codec.Marshal(response)
		if err != nil {
			h.logger.Error("encoding assignment response", "error", err)
			return
		}
		if err := message.Respond(payload); err != nil {
			h.logger.Warn("replying to assignment request", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return subscription, nil
}
