package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adwski/stateroom/backend/mailbox"
	"github.com/adwski/stateroom/backend/manager"
	"github.com/adwski/stateroom/backend/metrics"
	"github.com/adwski/stateroom/backend/model"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	tokenParam = "token"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SessionService interface {
		OpenSession(ctx context.Context, roomID, token string, sender model.Sender) (model.ClientID, error)
		CloseSession(roomID string, client model.ClientID) error
		Forward(roomID string, client model.ClientID, payload model.MessagePayload) error
	}

	Config struct {
		Logger         *zerolog.Logger
		Metrics        *metrics.Metrics
		SessionService SessionService
		ListenAddr     string
		PingInterval   time.Duration
		PongWait       time.Duration
		MaxMessageSize int64
		// RateLimit is the number of inbound frames per second a session may send. Zero disables it.
		RateLimit float64
	}

	Server struct {
		svc     SessionService
		ws      *websocket.Upgrader
		metrics *metrics.Metrics
		*http.Server

		logger zerolog.Logger

		pingInterval   time.Duration
		pongWait       time.Duration
		maxMessageSize int64
		rateLimit      float64
	}

	// session is the room's handle on one websocket connection.
	// Outbound messages queue without bound until the sender goroutine writes them.
	session struct {
		outbox *mailbox.Mailbox[model.MessageFromServer]
	}
)

func (s *session) Send(msg model.MessageFromServer) {
	s.outbox.Push(msg)
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:            cfg.SessionService,
		metrics:        cfg.Metrics,
		pingInterval:   cfg.PingInterval,
		pongWait:       cfg.PongWait,
		maxMessageSize: cfg.MaxMessageSize,
		rateLimit:      cfg.RateLimit,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
	if srv.metrics == nil {
		srv.metrics = metrics.Discard()
	}
	if srv.pingInterval <= 0 {
		srv.pingInterval = defaultPingInterval
	}
	if srv.pongWait <= 0 {
		srv.pongWait = defaultPongWait
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomID}", srv.connect)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
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

func (srv *Server) connect(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get(tokenParam)

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("session", ulid.Make().String()).
		Logger()

	sess := &session{outbox: mailbox.New[model.MessageFromServer]()}

	ctx, cancel := context.WithCancel(context.Background()) // long-living session context

	client, err := srv.svc.OpenSession(r.Context(), roomID, token, sess)
	if err != nil {
		cancel()
		sess.outbox.Close()
		logger.Error().Err(err).Msg("failed to open session")
		if errors.Is(err, manager.ErrRoomNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	logger = logger.With().Uint32("client", uint32(client)).Logger()

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logger.Error().Err(err).Msg("websocket upgrade failed")
		cancel()
		sess.outbox.Close()
		srv.destroySession(roomID, client, &logger)
		return
	}
	logger.Debug().Msg("session created")

	go srv.handleWSConn(ctx, cancel, conn, roomID, client, sess, &logger)
}

func (srv *Server) destroySession(roomID string, client model.ClientID, logger *zerolog.Logger) {
	if err := srv.svc.CloseSession(roomID, client); err != nil {
		logger.Warn().Err(err).Msg("failed to close session")
		return
	}
	logger.Debug().Msg("session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	roomID string,
	client model.ClientID,
	sess *session,
	logger *zerolog.Logger,
) {
	wg := &sync.WaitGroup{}

	wg.Add(3)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, roomID, client, logger)
		cancel()
	}()
	go func() {
		webSocketSender(wg, conn, sess.outbox, logger)
		cancel()
	}()
	go srv.webSocketPinger(ctx, wg, conn, logger)

	<-ctx.Done()
	sess.outbox.Close()
	webSocketCloser(conn, logger)
	wg.Wait()
	srv.destroySession(roomID, client, logger)
}

func (srv *Server) webSocketPinger(ctx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, logger *zerolog.Logger) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			// WriteControl may run concurrently with the sender's writes.
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(defaultWebSocketWriteDeadline))
			if err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				continue
			}
			logger.Trace().Msg("ping sent")
		}
	}
}

func webSocketSender(
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	outbox *mailbox.Mailbox[model.MessageFromServer],
	logger *zerolog.Logger,
) {
	defer wg.Done()

	var failed bool
	outbox.Run(func(msg model.MessageFromServer) {
		if failed {
			return
		}
		mt := websocket.TextMessage
		if msg.Payload.IsBinary() {
			mt = websocket.BinaryMessage
		}
		if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket write deadline")
			failed = true
			outbox.Close()
			return
		}
		if err := conn.WriteMessage(mt, msg.Payload.Bytes()); err != nil {
			logger.Error().Err(err).Msg("failed to write outgoing message")
			failed = true
			outbox.Close()
			return
		}
		logger.Trace().Int("type", mt).Msg("message sent")
	})
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	roomID string,
	client model.ClientID,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if srv.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(srv.rateLimit), max(1, int(srv.rateLimit)))
	}

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			mt, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			if !limiter.Allow() {
				logger.Warn().Msg("inbound rate limit exceeded, message dropped")
				srv.metrics.Drop(metrics.DropRateLimited)
				continue
			}

			var payload model.MessagePayload
			switch mt {
			case websocket.TextMessage:
				if !utf8.Valid(msg) {
					logger.Warn().Msg("text frame is not valid UTF-8, message dropped")
					srv.metrics.Drop(metrics.DropDecode)
					continue
				}
				payload = model.TextPayload(string(msg))
			case websocket.BinaryMessage:
				payload = model.BinaryPayload(msg)
			default:
				continue
			}

			if wsErr = srv.svc.Forward(roomID, client, payload); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to forward message")
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close frame")
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
