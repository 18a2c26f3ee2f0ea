package gateway

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mew-protocol/mew-go/pkg/envelope"
)

// Admission and ingest failures. The WebSocket path translates these into
// directed system/error envelopes; the REST path maps them to HTTP statuses.
var (
	// ErrSpaceClosed — the space stopped admitting envelopes, either from a
	// clean shutdown or a fatal audit failure.
	ErrSpaceClosed = errors.New("space closed")

	// ErrUnauthorized — the bearer token resolves to no participant.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateIdentity — the identity already has an active session and
	// the duplicate policy is reject.
	ErrDuplicateIdentity = errors.New("identity already connected")

	// ErrIdentityMismatch — envelope.from does not match the authenticated
	// identity.
	ErrIdentityMismatch = errors.New("identity mismatch")

	// ErrDuplicateEnvelope — the envelope id was already admitted.
	ErrDuplicateEnvelope = errors.New("duplicate envelope id")

	// ErrCapabilityDenied — no capability in the sender's set permits the
	// envelope.
	ErrCapabilityDenied = errors.New("capability denied")
)

// mapSpaceError maps space errors to HTTP error responses for the REST
// surface.
func mapSpaceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, ErrCapabilityDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrIdentityMismatch):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnauthorized):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrSpaceClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrDuplicateEnvelope),
		errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrUnsupportedVersion),
		errors.Is(err, envelope.ErrMissingField),
		errors.Is(err, envelope.ErrInvalidField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected space error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
