package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/projecteka/gateway/contracts"
	"github.com/projecteka/gateway/orchestrator"
)

const codeInternal = "INTERNAL"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusOf maps an orchestrator error to its HTTP status
func StatusOf(err error) int {
	if errors.Is(err, orchestrator.ErrDraining) {
		return http.StatusServiceUnavailable
	}

	switch contracts.CodeOf(err) {
	case contracts.CodeMalformedEnvelope,
		contracts.CodeUnknownTarget,
		contracts.CodeUnknownOrExpiredCorrelation:
		return http.StatusBadRequest
	case contracts.CodeUnauthenticated,
		contracts.CodeUnknownOrInactiveSender:
		return http.StatusUnauthorized
	case contracts.CodeUnauthorizedFlow:
		return http.StatusForbidden
	case contracts.CodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusOf(err)

	detail := errorDetail{Code: string(contracts.CodeOf(err)), Message: err.Error()}
	var gwErr *contracts.Error
	if errors.As(err, &gwErr) && gwErr.Message != "" {
		detail.Message = gwErr.Message
	}
	switch {
	case errors.Is(err, orchestrator.ErrDraining):
		detail = errorDetail{Code: codeInternal, Message: "gateway is shutting down"}
	case detail.Code == "":
		detail = errorDetail{Code: codeInternal, Message: "internal error"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: detail}); err != nil {
		logger.Error("failed to write error response", "error", err)
	}
}
