package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorResponse(t *testing.T) {
	message := "Test error message"
	code := "TEST_ERROR"

	response := NewErrorResponse(message, code)

	assert.Equal(t, "error", response.Error)
	assert.Equal(t, message, response.Message)
	assert.Equal(t, code, response.Code)
	assert.WithinDuration(t, time.Now(), response.Timestamp, time.Second)
	assert.Empty(t, response.Details)
	assert.Empty(t, response.RequestID)
}

func TestErrorResponse_WithDetail(t *testing.T) {
	response := NewErrorResponse("Rate limit exceeded", ErrorCodeRateLimitExceeded).
		WithDetail("route", "serviceA").
		WithDetail("policy", "serviceA-0")

	assert.Equal(t, map[string]string{"route": "serviceA", "policy": "serviceA-0"}, response.Details)

	data, err := json.Marshal(response)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decoded["code"])
	assert.NotContains(t, decoded, "request_id")
}

func TestNewHealthCheckResponse(t *testing.T) {
	status := StatusHealthy

	response := NewHealthCheckResponse(status)

	assert.Equal(t, status, response.Status)
	assert.WithinDuration(t, time.Now(), response.Timestamp, time.Second)
	assert.NotNil(t, response.Components)
	assert.Empty(t, response.Components)
}

func TestHealthStatusConstants(t *testing.T) {
	assert.Equal(t, "healthy", StatusHealthy)
	assert.Equal(t, "unhealthy", StatusUnhealthy)
	assert.Equal(t, "degraded", StatusDegraded)
}

func TestErrorCodeConstants(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", ErrorCodeNotFound)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", ErrorCodeRateLimitExceeded)
	assert.Equal(t, "INTERNAL_ERROR", ErrorCodeInternalError)
	assert.Equal(t, "BAD_GATEWAY", ErrorCodeBadGateway)
	assert.Equal(t, "SERVICE_UNAVAILABLE", ErrorCodeServiceUnavailable)
}
