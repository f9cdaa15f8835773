package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eigerco/cartridge/internal/jobs"
	"github.com/eigerco/cartridge/internal/store"
)

// announceSignupJob posts a chat line for every new user once the user is
// committed.
const announceSignupJob = "announce-signup"

type signupParams struct {
	Username string `json:"username"`
}

func (s *Server) scheduleSignup(tx *store.WriteTx, u User) error {
	_, err := s.rt.Jobs().Schedule(tx, announceSignupJob, signupParams{Username: u.Username})
	return err
}

func (s *Server) announceSignup(_ context.Context, raw json.RawMessage) error {
	var params signupParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("decode %s params: %w", announceSignupJob, err)
	}
	return s.appendChatLine(params.Username + " signed up")
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status, err := jobs.ParseStatus(mux.Vars(r)["status"])
	if err != nil {
		inputError(w, "invalid_status")
		return
	}
	recs, err := store.ReadValue(s.rt.Store(), func(tx *store.ReadTx) ([]jobs.Record, error) {
		return jobs.List(tx, status)
	})
	if err != nil {
		storeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, recs)
}
