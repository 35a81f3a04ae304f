package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/flow"
)

func creatorParam(r *http.Request) (string, error) {
	creator := r.URL.Query().Get("creator")
	if creator == "" {
		return "", badRequest("creator is required")
	}
	return creator, nil
}

func (s *Server) HandleScheduleFlow(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if req.Creator == "" {
		respondWithError(w, http.StatusBadRequest, "creator is required")
		return
	}
	args, err := decodeArgs(req.Args)
	if err != nil {
		respondWithErr(w, "error scheduling flow", err)
		return
	}
	sf, err := s.flowService.ScheduleFlow(r.Context(), flow.ScheduleFlowArgs{
		ClientId:      clientId,
		Creator:       req.Creator,
		FlowName:      req.FlowName,
		Args:          args,
		RunnerArgs:    req.RunnerArgs,
		OutputPlugins: req.OutputPlugins,
	})
	if err != nil {
		respondWithErr(w, "error scheduling flow", err, zap.String("client_id", clientId), zap.String("flow", req.FlowName))
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"scheduled_flow_id": sf.ScheduledFlowId})
}

func (s *Server) HandleListScheduledFlows(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	creator, err := creatorParam(r)
	if err != nil {
		respondWithErr(w, "error listing scheduled flows", err)
		return
	}
	sfs, err := s.flowService.ListScheduledFlows(r.Context(), clientId, creator)
	if err != nil {
		respondWithErr(w, "error listing scheduled flows", err, zap.String("client_id", clientId), zap.String("creator", creator))
		return
	}
	respondWithJSON(w, http.StatusOK, newScheduledFlowViews(sfs))
}

func (s *Server) HandleUnscheduleFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	creator, err := creatorParam(r)
	if err != nil {
		respondWithErr(w, "error unscheduling flow", err)
		return
	}
	if err := s.flowService.UnscheduleFlow(r.Context(), vars["clientId"], creator, vars["scheduledFlowId"]); err != nil {
		respondWithErr(w, "error unscheduling flow", err, zap.String("client_id", vars["clientId"]), zap.String("scheduled_flow_id", vars["scheduledFlowId"]))
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleStartScheduledFlows(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	creator, err := creatorParam(r)
	if err != nil {
		respondWithErr(w, "error starting scheduled flows", err)
		return
	}
	if err := s.flowService.StartScheduledFlows(r.Context(), clientId, creator); err != nil {
		respondWithErr(w, "error starting scheduled flows", err, zap.String("client_id", clientId), zap.String("creator", creator))
		return
	}
	respondOKWithoutBody(w)
}
