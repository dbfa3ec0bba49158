package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/stateroom/backend/manager"
	"github.com/adwski/stateroom/backend/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultRequestTimeout   = 5 * time.Second

	maxRequestBody = 4096
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	CreateRoom(ctx context.Context, roomID string) (string, error)
	ConnectionInfo(ctx context.Context, roomID string) (model.ConnectionInfo, error)
}

type CreateRequest struct {
	RoomID string `json:"room_id,omitempty"`
}

type CreateResponse struct {
	RoomID string `json:"room_id"`
}

type GenericResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string
	// Gatherer is served on /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:    cfg.RoomService,
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/room", srv.createRoom)
	r.HandleFunc("GET /api/room/{roomID}", srv.roomInfo)
	r.HandleFunc("GET /health", health)
	r.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"}, nil)
}

func (srv *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var req CreateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	// An empty body asks for a generated id.
	if len(body) > 0 {
		if err = json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: err.Error()}, &srv.logger)
			return
		}
	}

	srv.logger.Trace().Any("request", req).Msg("got create request")

	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()
	roomID, err := srv.svc.CreateRoom(ctx, req.RoomID)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, manager.ErrRoomIDNotAllowed):
			code = http.StatusBadRequest
		case errors.Is(err, manager.ErrCreate):
			code = http.StatusConflict
		}
		writeJSON(w, code, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &CreateResponse{RoomID: roomID}, &srv.logger)
}

func (srv *Server) roomInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	ctx, cancel := context.WithTimeout(r.Context(), defaultRequestTimeout)
	defer cancel()

	info, err := srv.svc.ConnectionInfo(ctx, r.PathValue("roomID"))
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, manager.ErrRoomNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &info, &srv.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil && logger != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
