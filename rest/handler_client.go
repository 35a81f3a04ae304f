package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/cluster"
)

type createUserRequest struct {
	Username string `json:"username"`
}

func (s *Server) HandleEnrolClient(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	client, err := s.flowService.EnrolClient(r.Context(), clientId)
	if err != nil {
		respondWithErr(w, "error enrolling client", err, zap.String("client_id", clientId))
		return
	}
	respondWithJSON(w, http.StatusOK, client)
}

func (s *Server) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		respondWithError(w, http.StatusBadRequest, "username is required")
		return
	}
	defer r.Body.Close()
	if err := s.flowService.CreateUser(r.Context(), req.Username); err != nil {
		respondWithErr(w, "error creating user", err, zap.String("username", req.Username))
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleGetNotifications(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	notifications, err := s.flowService.ReadNotifications(r.Context(), username)
	if err != nil {
		respondWithErr(w, "error reading notifications", err, zap.String("username", username))
		return
	}
	respondWithJSON(w, http.StatusOK, notifications)
}

func (s *Server) HandleGetMembers(w http.ResponseWriter, r *http.Request) {
	if s.members == nil {
		respondWithJSON(w, http.StatusOK, []cluster.Node{})
		return
	}
	respondWithJSON(w, http.StatusOK, s.members.Members())
}
