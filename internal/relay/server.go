package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/s3sync/internal/s3event"
)

// maxBodySize caps SNS deliveries. SNS messages are at most 256KB.
const maxBodySize = 1 << 20

// healthBody is what GET / returns.
const healthBody = "Running."

// Server is the relay HTTP surface: health, SNS ingestion and the
// client websocket endpoint.
type Server struct {
	hub       *Hub
	confirmer SubscriptionConfirmer
	logger    *slog.Logger
	router    *gin.Engine
}

// ServerConfig holds the collaborators of a Server. A nil Confirmer
// leaves subscription confirmations to the operator.
type ServerConfig struct {
	Hub        *Hub
	Confirmer  SubscriptionConfirmer
	TokenHash  string
	Production bool
}

func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		hub:       cfg.Hub,
		confirmer: cfg.Confirmer,
		logger:    logger,
	}

	r := gin.New()

	r.Use(sloggin.NewWithConfig(logger.WithGroup("http"), sloggin.Config{
		DefaultLevel:     slog.LevelDebug,
		ClientErrorLevel: slog.LevelWarn,
		ServerErrorLevel: slog.LevelError,
		WithRequestID:    true,
	}))
	r.Use(gin.Recovery())

	r.GET("/", s.handleHealth)
	r.POST("/sns", s.handleSNS)
	r.GET("/ws", requireToken(cfg.TokenHash, logger), s.handleWebsocket)

	s.router = r

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, healthBody)
}

// handleSNS confirms subscriptions and broadcasts every other SNS
// delivery verbatim. SNS posts with Content-Type text/plain, so the body
// is read raw rather than bound.
func (s *Server) handleSNS(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize))
	if err != nil {
		s.logger.Warn("reading sns body", slog.String("error", err.Error()))
		c.Status(http.StatusBadRequest)

		return
	}

	if !gjson.ValidBytes(body) {
		s.logger.Error("received a non-SNS request")
		c.Status(http.StatusBadRequest)

		return
	}

	// Clients drop envelopes they cannot use.
	typ, _ := s3event.Type(body)

	if typ == s3event.TypeSubscriptionConfirmation {
		s.confirm(c, body)
		c.Status(http.StatusOK)

		return
	}

	n := s.hub.Broadcast(body)
	s.logger.Debug("forwarded sns message",
		slog.String("type", typ),
		slog.Int("clients", n),
	)

	c.Status(http.StatusOK)
}

func (s *Server) confirm(c *gin.Context, body []byte) {
	var env s3event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Error("decoding subscription confirmation", slog.String("error", err.Error()))
		return
	}

	if s.confirmer == nil {
		s.logger.Warn("no sns client configured, confirm manually",
			slog.String("topic", env.TopicArn),
			slog.String("subscribe_url", env.SubscribeURL),
		)

		return
	}

	if _, err := s.confirmer.ConfirmSubscription(c.Request.Context(), confirmInput(env.TopicArn, env.Token)); err != nil {
		s.logger.Error("confirming sns subscription",
			slog.String("topic", env.TopicArn),
			slog.String("error", err.Error()),
		)

		return
	}

	s.logger.Info("sns subscription confirmed", slog.String("topic", env.TopicArn))
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.hub.Serve(c.Request.Context(), conn)
}
