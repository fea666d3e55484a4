package handlers

import "net/http"

// statusCoder is implemented by every gatewayerr type; writeGatewayError
// collapses §7's status table to a single type switch.
type statusCoder interface {
	Error() string
	StatusCode() int
}

// httpStatuser is implemented only by gatewayerr.UpstreamError, whose
// client-facing status (502) differs from any status it carries internally.
type httpStatuser interface {
	Error() string
	HTTPStatus() int
}

func writeGatewayError(w http.ResponseWriter, err error) {
	if hs, ok := err.(httpStatuser); ok {
		respondError(w, hs.HTTPStatus(), hs.Error())
		return
	}
	if sc, ok := err.(statusCoder); ok {
		respondError(w, sc.StatusCode(), sc.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
