package tokenauthority

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/schoolgate/internal/models"
)

// NewHandler serves the token service HTTP contract on top of an Authority
// POST /token/create and POST /token/verify
func NewHandler(a Authority) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /token/create", func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID <= 0 || req.SessionID == uuid.Nil || req.ExpiresIn <= 0 {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid token request"})
			return
		}

		token, err := a.Create(r.Context(), models.Principal{UserID: req.UserID, SessionID: req.SessionID}, time.Duration(req.ExpiresIn)*time.Minute)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "token creation failed"})
			return
		}

		writeJSON(w, http.StatusOK, createResponse{Token: token})
	})

	mux.HandleFunc("POST /token/verify", func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "invalid verify request"})
			return
		}

		v, err := a.Verify(r.Context(), req.Token)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "token verification failed"})
			return
		}

		resp := verifyResponse{Verified: &v.Verified, Expired: v.Expired}
		if v.Verified {
			resp.UserID = v.Principal.UserID
			resp.SessionID = v.Principal.SessionID.String()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
