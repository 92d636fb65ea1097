package grpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/ensemble"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/router"
)

// =============================================================================
// ARGUMENT VALIDATION
// =============================================================================

// validateRequired returns InvalidArgument when field is empty.
func validateRequired(field, fieldName string) error {
	if field == "" {
		return InvalidArgument(fieldName)
	}
	return nil
}

// InvalidArgument reports a missing required field.
func InvalidArgument(fieldName string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", fieldName)
}

// NotFound reports an unknown resource.
func NotFound(resourceType, id string) error {
	return status.Errorf(codes.NotFound, "%s not found: %s", resourceType, id)
}

// Internal wraps an unexpected failure.
func Internal(operation string, cause error) error {
	return status.Errorf(codes.Internal, "%s failed: %v", operation, cause)
}

// ResourceExhausted reports a limit violation.
func ResourceExhausted(resourceType, limit string) error {
	return status.Errorf(codes.ResourceExhausted, "%s limit exceeded: %s", resourceType, limit)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// toStatus maps core errors onto gRPC status codes. Errors that already
// carry a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		valErr      *kernel.InputValidationError
		costErr     *kernel.CostExceededError
		rateErr     *kernel.RateLimitedError
		strategyErr *ensemble.StrategyError
		busErr      *commbus.CommBusError
		timeoutErr  *commbus.QueryTimeoutError
		deliveryErr *commbus.DeliveryError
		noHandler   *commbus.NoHandlerError
	)
	switch {
	case errors.As(err, &valErr),
		errors.As(err, &costErr),
		errors.As(err, &strategyErr),
		errors.Is(err, kernel.ErrUnknownCapability),
		errors.Is(err, router.ErrNoCandidates),
		errors.As(err, &busErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &deliveryErr):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.As(err, &rateErr):
		return status.Errorf(codes.ResourceExhausted, "%s", err.Error())
	case errors.Is(err, kernel.ErrQueueFull):
		return ResourceExhausted("queue", err.Error())
	case errors.Is(err, kernel.ErrNoWorkerAvailable),
		errors.Is(err, router.ErrRoutingExhausted),
		errors.Is(err, kernel.ErrEngineStopped),
		errors.As(err, &noHandler):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, kernel.ErrWorkerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return Internal("request", err)
	}
}

// rpcError maps err and annotates it with the failing operation.
func rpcError(operation string, err error) error {
	st := status.Convert(toStatus(err))
	return status.Error(st.Code(), fmt.Sprintf("%s: %s", operation, st.Message()))
}
