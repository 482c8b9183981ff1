package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sells-group/geoattend/internal/auth"
	"github.com/sells-group/geoattend/internal/ingest"
	"github.com/sells-group/geoattend/internal/model"
)

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	var sample model.LocationSample
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if claims := auth.FromContext(r.Context()); claims != nil {
		if claims.TenantID != sample.TenantID {
			writeError(w, http.StatusForbidden, "token is not valid for this tenant")
			return
		}
		if claims.Subject != "" && claims.Subject != sample.SubjectID {
			writeError(w, http.StatusForbidden, "token is not valid for this subject")
			return
		}
	}

	res := s.deps.Gateway.Accept(r.Context(), sample)
	if res.Accepted() {
		writeJSON(w, http.StatusAccepted, model.SampleAck{ConfirmedAt: res.ConfirmedAt.UTC()})
		return
	}

	var (
		verr *ingest.ValidationError
		rl   *ingest.RateLimited
	)
	switch {
	case errors.As(res.Err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(res.Err, &rl):
		writeRetryAfter(w, rl.RetryAfter, rl.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, "ingestion unavailable")
	}
}
