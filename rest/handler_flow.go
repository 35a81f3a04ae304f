package rest

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/model"
)

type startFlowRequest struct {
	FlowName      string                         `json:"flow_name"`
	FlowId        string                         `json:"flow_id,omitempty"`
	Creator       string                         `json:"creator,omitempty"`
	Args          json.RawMessage                `json:"args,omitempty"`
	RunnerArgs    model.RunnerArgs               `json:"runner_args"`
	OutputPlugins []model.OutputPluginDescriptor `json:"output_plugins,omitempty"`
}

type terminateFlowRequest struct {
	Reason string `json:"reason"`
}

type processFlowRequest struct {
	ClientId string `json:"client_id"`
	FlowId   string `json:"flow_id"`
}

type processFlowResponse struct {
	FlowState        model.FlowState `json:"flow_state"`
	NothingToProcess bool            `json:"nothing_to_process,omitempty"`
}

func (s *Server) HandleStartFlow(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	args, err := decodeArgs(req.Args)
	if err != nil {
		respondWithErr(w, "error starting flow", err)
		return
	}
	flowId, err := s.flowService.StartFlow(r.Context(), flow.StartFlowArgs{
		ClientId:      clientId,
		FlowName:      req.FlowName,
		FlowId:        req.FlowId,
		Creator:       req.Creator,
		Args:          args,
		RunnerArgs:    req.RunnerArgs,
		OutputPlugins: req.OutputPlugins,
	})
	if err != nil {
		respondWithErr(w, "error starting flow", err, zap.String("client_id", clientId), zap.String("flow", req.FlowName))
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{"flow_id": flowId})
}

func (s *Server) HandleListFlows(w http.ResponseWriter, r *http.Request) {
	clientId := mux.Vars(r)["clientId"]
	flows, err := s.flowService.ListFlows(r.Context(), clientId)
	if err != nil {
		respondWithErr(w, "error listing flows", err, zap.String("client_id", clientId))
		return
	}
	respondWithJSON(w, http.StatusOK, newFlowViews(flows))
}

func (s *Server) HandleGetFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f, err := s.flowService.ReadFlow(r.Context(), vars["clientId"], vars["flowId"])
	if err != nil {
		respondWithErr(w, "error reading flow", err, zap.String("client_id", vars["clientId"]), zap.String("flow_id", vars["flowId"]))
		return
	}
	respondWithJSON(w, http.StatusOK, newFlowView(f))
}

func (s *Server) HandleGetChildFlows(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flows, err := s.flowService.ReadChildFlows(r.Context(), vars["clientId"], vars["flowId"])
	if err != nil {
		respondWithErr(w, "error reading child flows", err, zap.String("client_id", vars["clientId"]), zap.String("flow_id", vars["flowId"]))
		return
	}
	respondWithJSON(w, http.StatusOK, newFlowViews(flows))
}

func (s *Server) HandleGetFlowResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	offset, count, err := pageParams(r)
	if err != nil {
		respondWithErr(w, "error reading flow results", err)
		return
	}
	results, err := s.flowService.ReadFlowResults(r.Context(), vars["clientId"], vars["flowId"], offset, count)
	if err != nil {
		respondWithErr(w, "error reading flow results", err, zap.String("client_id", vars["clientId"]), zap.String("flow_id", vars["flowId"]))
		return
	}
	respondWithJSON(w, http.StatusOK, newResultViews(results))
}

func (s *Server) HandleGetFlowLog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	offset, count, err := pageParams(r)
	if err != nil {
		respondWithErr(w, "error reading flow log", err)
		return
	}
	entries, err := s.flowService.ReadFlowLog(r.Context(), vars["clientId"], vars["flowId"], offset, count)
	if err != nil {
		respondWithErr(w, "error reading flow log", err, zap.String("client_id", vars["clientId"]), zap.String("flow_id", vars["flowId"]))
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (s *Server) HandleTerminateFlow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req terminateFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()
	if req.Reason == "" {
		req.Reason = "terminated by user"
	}
	if err := s.flowService.TerminateFlow(r.Context(), vars["clientId"], vars["flowId"], req.Reason); err != nil {
		respondWithErr(w, "error terminating flow", err, zap.String("client_id", vars["clientId"]), zap.String("flow_id", vars["flowId"]))
		return
	}
	respondOKWithoutBody(w)
}

func (s *Server) HandleProcessFlow(w http.ResponseWriter, r *http.Request) {
	var req processFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ClientId == "" || req.FlowId == "" {
		respondWithError(w, http.StatusBadRequest, "client_id and flow_id are required")
		return
	}
	defer r.Body.Close()
	fpr := &model.FlowProcessingRequest{ClientId: req.ClientId, FlowId: req.FlowId}
	state, err := s.flowService.ProcessFlow(r.Context(), fpr)
	if errors.Is(err, flow.ErrFlowHasNothingToProcess) {
		respondWithJSON(w, http.StatusOK, processFlowResponse{FlowState: state, NothingToProcess: true})
		return
	}
	if err != nil {
		respondWithErr(w, "error processing flow", err, zap.String("client_id", req.ClientId), zap.String("flow_id", req.FlowId))
		return
	}
	respondWithJSON(w, http.StatusOK, processFlowResponse{FlowState: state})
}
