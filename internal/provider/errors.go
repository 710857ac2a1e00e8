package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrTimeout is retryable and counts toward the failure window.
	ErrTimeout = errors.New("provider timeout")
	// ErrAuth is never retried and degrades the provider immediately.
	ErrAuth = errors.New("provider authentication failed")
	// ErrUpstream covers any other failed call.
	ErrUpstream = errors.New("provider call failed")
	// ErrInvalidRequest is a caller error. It never counts against the
	// provider and is not retried on another candidate.
	ErrInvalidRequest = errors.New("invalid capability request")
)

type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindAuth     ErrorKind = "auth"
	KindUpstream ErrorKind = "upstream"
	KindInvalid  ErrorKind = "invalid"
)

// CallError is the normalized failure an adapter reports to the engine.
type CallError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *CallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func (e *CallError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrUpstream:
		return e.Kind == KindUpstream
	case ErrInvalidRequest:
		return e.Kind == KindInvalid
	}
	return false
}

func NewCallError(providerName string, kind ErrorKind, err error) *CallError {
	return &CallError{Provider: providerName, Kind: kind, Err: err}
}

// InvalidParams reports a request the provider cannot serve as asked.
func InvalidParams(providerName, format string, args ...any) *CallError {
	return NewCallError(providerName, KindInvalid, fmt.Errorf(format, args...))
}

// StatusError maps a non-2xx HTTP status to a CallError. 400 and 422 are
// answers about the request, not about the provider's health.
func StatusError(providerName string, status int, body []byte) *CallError {
	kind := KindUpstream
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindTimeout
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = KindInvalid
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return &CallError{
		Provider:   providerName,
		Kind:       kind,
		StatusCode: status,
		Err:        fmt.Errorf("unexpected response: %s", string(body)),
	}
}

// Classify reports the failure kind of err, treating deadline expiry as a timeout.
func Classify(err error) ErrorKind {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUpstream
}

const maxBodyBytes = 1 << 20

// Do executes an HTTP request and returns the raw body, mapping transport
// and status failures to CallErrors.
func Do(client *http.Client, providerName string, req *http.Request) (*RawResponse, error) {
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			return nil, NewCallError(providerName, KindTimeout, err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, NewCallError(providerName, KindUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, NewCallError(providerName, KindUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(providerName, resp.StatusCode, body)
	}
	return &RawResponse{StatusCode: resp.StatusCode, Body: body}, nil
}
