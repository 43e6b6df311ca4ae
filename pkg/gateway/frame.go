package gateway

import (
	"encoding/json"
	"net/http"
)

// Client to server events.
const (
	EventMessage      = "message"
	EventJoinChannel  = "join_channel"
	EventLeaveChannel = "leave_channel"
)

// Server to client events.
const (
	EventChannelJoined     = "channel_joined"
	EventChannelLeft       = "channel_left"
	EventChannelJoinDenied = "channel_join_denied"
)

// Error codes carried in error frames.
const (
	CodeServiceNotFound    = "SERVICE_NOT_FOUND"
	CodeServiceUnreachable = "SERVICE_UNREACHABLE"
	CodeBusUnavailable     = "BUS_UNAVAILABLE"
	CodeRequestTimeout     = "REQUEST_TIMEOUT"
	CodeRateLimited        = "RATE_LIMITED"
	CodeBadFrame           = "BAD_FRAME"
)

// Frame is one websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ErrorPayload is sent as the data of a message frame when a request fails.
type ErrorPayload struct {
	ErrorCode int    `json:"errorCode"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func encodeFrame(event string, data interface{}) ([]byte, error) {
	return json.Marshal(outFrame{Event: event, Data: data})
}

func errServiceNotFound() ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusNotFound, Code: CodeServiceNotFound, Message: "Unable to find a service to process request"}
}

func errServiceUnreachable(service string) ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusBadGateway, Code: CodeServiceUnreachable, Message: "Service " + service + " cannot be reached over the message bus"}
}

func errBusUnavailable() ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusServiceUnavailable, Code: CodeBusUnavailable, Message: "Message bus is not available"}
}

func errRequestTimeout() ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusGatewayTimeout, Code: CodeRequestTimeout, Message: "Service did not respond in time"}
}

func errRateLimited() ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusTooManyRequests, Code: CodeRateLimited, Message: "Too many messages"}
}

func errBadFrame(reason string) ErrorPayload {
	return ErrorPayload{ErrorCode: http.StatusBadRequest, Code: CodeBadFrame, Message: reason}
}
