package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request is the envelope sent by a caller.
type Request struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func NewRequest(action Action, payload any) (*Request, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", action, err)
	}
	return &Request{Action: action, Payload: raw}, nil
}

// MustRequest is NewRequest for payloads that are known to encode.
func MustRequest(action Action, payload any) *Request {
	req, err := NewRequest(action, payload)
	if err != nil {
		panic(err)
	}
	return req
}

func (r *Request) DecodePayload(v any) error {
	if isNull(r.Payload) {
		return fmt.Errorf("%w: %s has no payload", ErrMalformedMessage, r.Action)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, r.Action, err)
	}
	return nil
}

// Response is the envelope returned for every request.
type Response struct {
	Action  Action          `json:"action"`
	Status  Status          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func NewResponse(action Action, status Status, message string, data any) (*Response, error) {
	raw, err := marshalRaw(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s data: %w", action, err)
	}
	return &Response{Action: action, Status: status, Message: message, Data: raw}, nil
}

func Success(action Action, message string, data any) *Response {
	resp, err := NewResponse(action, StatusSuccess, message, data)
	if err != nil {
		return Failure(action, StatusError, err.Error())
	}
	return resp
}

func Failure(action Action, status Status, message string) *Response {
	return &Response{Action: action, Status: status, Message: message}
}

func (r *Response) OK() bool {
	return strings.EqualFold(string(r.Status), string(StatusSuccess))
}

func (r *Response) HasData() bool {
	return !isNull(r.Data)
}

func (r *Response) DecodeData(v any) error {
	if isNull(r.Data) {
		return fmt.Errorf("%w: %s response has no data", ErrMalformedMessage, r.Action)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedMessage, r.Action, err)
	}
	return nil
}

func marshalRaw(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
