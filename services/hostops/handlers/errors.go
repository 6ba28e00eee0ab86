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
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hostops/pkg/validation"
	"github.com/AleutianAI/hostops/services/hostops/control"
	"github.com/AleutianAI/hostops/services/hostops/datatypes"
	"github.com/AleutianAI/hostops/services/hostops/executor"
	"github.com/AleutianAI/hostops/services/hostops/middleware"
	"github.com/AleutianAI/hostops/services/hostops/ports"
	"github.com/AleutianAI/hostops/services/hostops/supervisor"
)

// badRequest lists the errors caused by the request itself.
var badRequest = []error{
	validation.ErrInvalid,
	executor.ErrInvalidParameter,
	executor.ErrUnknownCommand,
	control.ErrUnknownService,
	control.ErrUnknownAction,
	control.ErrMissingPort,
	control.ErrUnsupportedAction,
	control.ErrNoReadinessPort,
	supervisor.ErrUnknownApp,
	supervisor.ErrUnknownAction,
	supervisor.ErrConfirmationRequired,
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	for _, target := range badRequest {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, control.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ports.ErrNotListening), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError answers with the mapped status and the error text. Server
// side failures are logged; client mistakes are not.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	trace.SpanFromContext(c.Request.Context()).RecordError(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("admin request failed",
			"path", c.FullPath(),
			"request_id", middleware.GetRequestID(c),
			"error", err,
		)
	}
	writeMessage(c, status, err.Error())
}

func writeMessage(c *gin.Context, status int, msg string) {
	c.JSON(status, datatypes.ErrorResponse{
		Success:   false,
		Error:     msg,
		Message:   msg,
		RequestID: middleware.GetRequestID(c),
	})
}
