package http

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/xmarket/xmarket/internal/domain"
)

type errorBody struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case domain.KindUnauthorized:
		status = http.StatusUnauthorized
	case domain.KindBadRequest:
		status = http.StatusBadRequest
	case domain.KindValidation:
		status = http.StatusUnprocessableEntity
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTransient:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Status: "error",
		Error:  kind.String(),
		Detail: domain.DetailOf(err),
	})
}
