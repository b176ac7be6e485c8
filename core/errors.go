package core

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Lookup misses
	ErrAgentNotFound   = errors.New("agent not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrTargetNotFound  = errors.New("target not found")

	// Load balancing
	ErrNoAvailableEndpoints = errors.New("no available endpoints")

	// Discovery
	ErrDiscoveryUnavailable = errors.New("discovery service unavailable")
	ErrUnsupportedBackend   = errors.New("unsupported backend")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrResourceExhausted  = errors.New("resource exhausted")

	// Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrNetwork          = errors.New("network error")

	// Pass-through from transport
	ErrUnauthenticated  = errors.New("authentication failed")
	ErrPermissionDenied = errors.New("permission denied")
)

// ErrorKind classifies cluster errors for the external boundary.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindConfig
	KindNetwork
	KindConnection
	KindTimeout
	KindNodeManagement
	KindServiceDiscovery
	KindLoadBalancer
	KindHealthCheck
	KindStateSync
	KindAgentNotFound
	KindNodeNotFound
	KindServiceNotFound
	KindAuthentication
	KindPermission
	KindResourceExhausted
	KindUnsupportedBackend
)

var kindCodes = map[ErrorKind]string{
	KindInternal:           "INTERNAL_ERROR",
	KindConfig:             "CONFIG_ERROR",
	KindNetwork:            "NETWORK_ERROR",
	KindConnection:         "CONNECTION_ERROR",
	KindTimeout:            "TIMEOUT_ERROR",
	KindNodeManagement:     "NODE_MANAGEMENT_ERROR",
	KindServiceDiscovery:   "SERVICE_DISCOVERY_ERROR",
	KindLoadBalancer:       "LOAD_BALANCER_ERROR",
	KindHealthCheck:        "HEALTH_CHECK_ERROR",
	KindStateSync:          "STATE_SYNC_ERROR",
	KindAgentNotFound:      "AGENT_NOT_FOUND",
	KindNodeNotFound:       "NODE_NOT_FOUND",
	KindServiceNotFound:    "SERVICE_NOT_FOUND",
	KindAuthentication:     "AUTHENTICATION_ERROR",
	KindPermission:         "PERMISSION_ERROR",
	KindResourceExhausted:  "RESOURCE_EXHAUSTED",
	KindUnsupportedBackend: "UNSUPPORTED_BACKEND",
}

// Code returns the stable machine-readable code for the kind.
func (k ErrorKind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindInternal]
}

func (k ErrorKind) String() string {
	return k.Code()
}

// Retryable reports whether errors of this kind are transient.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindConnection, KindTimeout, KindResourceExhausted:
		return true
	}
	return false
}

// GRPCCode maps the kind to a gRPC status code.
func (k ErrorKind) GRPCCode() codes.Code {
	switch k {
	case KindAgentNotFound, KindNodeNotFound, KindServiceNotFound:
		return codes.NotFound
	case KindConfig:
		return codes.InvalidArgument
	case KindAuthentication:
		return codes.Unauthenticated
	case KindPermission:
		return codes.PermissionDenied
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindResourceExhausted:
		return codes.ResourceExhausted
	case KindNetwork, KindConnection:
		return codes.Unavailable
	case KindUnsupportedBackend:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the kind to an HTTP status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAgentNotFound, KindNodeNotFound, KindServiceNotFound:
		return http.StatusNotFound
	case KindConfig:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindPermission:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindNetwork, KindConnection, KindLoadBalancer:
		return http.StatusServiceUnavailable
	case KindUnsupportedBackend:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// ClusterError provides structured error information with context
// It implements the error interface and supports error wrapping
type ClusterError struct {
	Op      string    // Operation that failed (e.g., "discovery.Register")
	Kind    ErrorKind // Error classification
	ID      string    // Optional ID of the entity involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *ClusterError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind.Code())
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ClusterError) Unwrap() error {
	return e.Err
}

// Code returns the stable machine-readable code
func (e *ClusterError) Code() string {
	return e.Kind.Code()
}

// GRPCStatus lets status.FromError translate a ClusterError at a gRPC boundary.
func (e *ClusterError) GRPCStatus() *status.Status {
	return status.New(e.Kind.GRPCCode(), e.Error())
}

// NewClusterError creates a new ClusterError
func NewClusterError(op string, kind ErrorKind, err error) *ClusterError {
	return &ClusterError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// NotFoundError builds the lookup-miss error for a service id.
func NotFoundError(op, id string) *ClusterError {
	return &ClusterError{Op: op, Kind: KindServiceNotFound, ID: id, Err: ErrServiceNotFound}
}

// KindOf extracts the ErrorKind from err. Bare sentinels are classified as well.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var ce *ClusterError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, ErrNodeNotFound):
		return KindNodeNotFound
	case errors.Is(err, ErrServiceNotFound):
		return KindServiceNotFound
	case errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrMissingConfiguration):
		return KindConfig
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrConnectionFailed):
		return KindConnection
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrDiscoveryUnavailable):
		return KindNetwork
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, ErrUnauthenticated):
		return KindAuthentication
	case errors.Is(err, ErrPermissionDenied):
		return KindPermission
	case errors.Is(err, ErrUnsupportedBackend):
		return KindUnsupportedBackend
	case errors.Is(err, ErrNoAvailableEndpoints), errors.Is(err, ErrTargetNotFound):
		return KindLoadBalancer
	}
	return KindInternal
}

// ErrorCode returns the machine-readable code for any error.
func ErrorCode(err error) string {
	return KindOf(err).Code()
}

// IsRetryable checks if an error is retryable
// Retryable errors are transient network or capacity issues
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrTargetNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsStateError checks if an error is related to invalid lifecycle transitions
func IsStateError(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) ||
		errors.Is(err, ErrNotStarted)
}
