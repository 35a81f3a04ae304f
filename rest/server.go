package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohitkumar/fleetflow/cluster"
	"github.com/mohitkumar/fleetflow/flow"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/persistence"
)

type Members interface {
	Members() []cluster.Node
}

type Server struct {
	http.Server
	Port        int
	flowService *flow.FlowService
	members     Members
}

func NewServer(httpPort int, flowService *flow.FlowService, members Members) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr:        fmt.Sprintf(":%d", httpPort),
			IdleTimeout: 2 * time.Second,
		},
		flowService: flowService,
		members:     members,
		Port:        httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/clients/{clientId}", s.HandleEnrolClient).Methods(http.MethodPut)
	router.HandleFunc("/users", s.HandleCreateUser).Methods(http.MethodPost)
	router.HandleFunc("/users/{username}/notifications", s.HandleGetNotifications).Methods(http.MethodGet)

	router.HandleFunc("/clients/{clientId}/flows", s.HandleStartFlow).Methods(http.MethodPost)
	router.HandleFunc("/clients/{clientId}/flows", s.HandleListFlows).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/flows/{flowId}", s.HandleGetFlow).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/flows/{flowId}/children", s.HandleGetChildFlows).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/flows/{flowId}/results", s.HandleGetFlowResults).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/flows/{flowId}/log", s.HandleGetFlowLog).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/flows/{flowId}/terminate", s.HandleTerminateFlow).Methods(http.MethodPost)

	router.HandleFunc("/clients/{clientId}/scheduled-flows", s.HandleScheduleFlow).Methods(http.MethodPost)
	router.HandleFunc("/clients/{clientId}/scheduled-flows", s.HandleListScheduledFlows).Methods(http.MethodGet)
	router.HandleFunc("/clients/{clientId}/scheduled-flows/start", s.HandleStartScheduledFlows).Methods(http.MethodPost)
	router.HandleFunc("/clients/{clientId}/scheduled-flows/{scheduledFlowId}", s.HandleUnscheduleFlow).Methods(http.MethodDelete)

	router.HandleFunc("/flows/process", s.HandleProcessFlow).Methods(http.MethodPost)
	router.HandleFunc("/cluster/members", s.HandleGetMembers).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOKWithoutBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	res, _ := json.Marshal(map[string]string{"error": message})
	w.Write(res)
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string {
	return e.msg
}

func badRequest(format string, args ...any) error {
	return badRequestError{msg: fmt.Sprintf(format, args...)}
}

func statusCode(err error) int {
	var dup persistence.DuplicateFlowIdError
	var bad badRequestError
	var unknownClass flow.UnknownFlowClassError
	var argsType flow.ArgsTypeError
	var invalidArgs flow.InvalidArgsError
	switch {
	case persistence.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &dup), errors.Is(err, persistence.ErrFlowLeased):
		return http.StatusConflict
	case errors.As(err, &bad), errors.As(err, &unknownClass), errors.As(err, &argsType), errors.As(err, &invalidArgs):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondWithErr(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		logger.Error(msg, append(fields, zap.Error(err))...)
	}
	respondWithError(w, code, err.Error())
}
