package server

import (
	"errors"
	"net/http"

	"PDALedger/internal/auth"
	"PDALedger/internal/core"
	"PDALedger/internal/ingestion"
	"PDALedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BadRequestError marks a request that could not be decoded.
type BadRequestError struct {
	Err error
}

func (e *BadRequestError) Error() string { return "bad request: " + e.Err.Error() }

func (e *BadRequestError) Unwrap() error { return e.Err }

type errorClass struct {
	code   codes.Code
	status int
	reason string
}

func classify(err error) errorClass {
	var bad *BadRequestError
	switch {
	case errors.As(err, &bad):
		return errorClass{codes.InvalidArgument, http.StatusBadRequest, "bad_request"}
	case errors.Is(err, core.ErrAlreadyExists):
		return errorClass{codes.AlreadyExists, http.StatusConflict, core.Reason(err)}
	case errors.Is(err, ingestion.ErrDuplicate):
		return errorClass{codes.AlreadyExists, http.StatusConflict, "duplicate"}
	case errors.Is(err, core.ErrNotFound), errors.Is(err, query.ErrNotFound):
		return errorClass{codes.NotFound, http.StatusNotFound, "not_found"}
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidName),
		errors.Is(err, core.ErrAddressMismatch):
		return errorClass{codes.InvalidArgument, http.StatusBadRequest, core.Reason(err)}
	case errors.Is(err, core.ErrUnauthorized), errors.Is(err, auth.ErrAdminRequired):
		return errorClass{codes.PermissionDenied, http.StatusForbidden, "unauthorized"}
	case errors.Is(err, auth.ErrMissingSignature), errors.Is(err, auth.ErrBadSignature):
		return errorClass{codes.Unauthenticated, http.StatusUnauthorized, "bad_signature"}
	case errors.Is(err, core.ErrInsufficientFunds), errors.Is(err, core.ErrInsufficientBalance):
		return errorClass{codes.FailedPrecondition, http.StatusUnprocessableEntity, core.Reason(err)}
	case errors.Is(err, core.ErrFaucetDisabled):
		return errorClass{codes.PermissionDenied, http.StatusForbidden, "faucet_disabled"}
	case errors.Is(err, core.ErrClosed), errors.Is(err, ingestion.ErrDedupUnavailable):
		return errorClass{codes.Unavailable, http.StatusServiceUnavailable, "unavailable"}
	case errors.Is(err, core.ErrDerivationExhausted):
		return errorClass{codes.Internal, http.StatusInternalServerError, "derivation_exhausted"}
	}
	return errorClass{codes.Internal, http.StatusInternalServerError, "internal"}
}

// grpcError converts a service error into a status error. Internal errors
// keep their message out of the response.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	c := classify(err)
	if c.code == codes.Internal && c.reason == "internal" {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(c.code, err.Error())
}

// HTTPStatus is the response code for a service error.
func HTTPStatus(err error) int {
	return classify(err).status
}
