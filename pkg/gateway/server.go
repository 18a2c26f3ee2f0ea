package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/mew-protocol/mew-go/pkg/config"
	"github.com/mew-protocol/mew-go/pkg/envelope"
	"github.com/mew-protocol/mew-go/pkg/version"
)

// maxEnvelopeBytes bounds a REST-submitted envelope body. WebSocket frames
// carry the same practical limit through the read loop's buffer.
const maxEnvelopeBytes = 1 << 20

// Server is the gateway's HTTP surface: health, the WebSocket endpoint, and
// the REST message-submission endpoint.
type Server struct {
	echo  *echo.Echo
	http  *http.Server
	space *Space
	cfg   *config.SpaceConfig

	logger *slog.Logger
}

// NewServer wires the routes for a space.
func NewServer(space *Space, cfg *config.SpaceConfig) *Server {
	e := echo.New()
	s := &Server{
		echo:   e,
		space:  space,
		cfg:    cfg,
		logger: slog.Default().With("space", space.Name()),
	}

	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)
	e.POST("/participants/:identity/messages", s.submitHandler)

	return s
}

// Start runs the HTTP server on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.http.ListenAndServe()
}

// Serve runs the HTTP server on an existing listener. Tests use it to bind
// a random port before starting the server.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{
		Handler: s.echo,
	}
	return s.http.Serve(ln)
}

// Shutdown stops the HTTP listener. WebSocket sessions are hijacked
// connections and are closed by Space.Close, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing tree for tests that mount the server on
// httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// healthHandler handles GET /health. Unauthenticated: reports only the
// space name, connection count, and build version.
func (s *Server) healthHandler(c *echo.Context) error {
	status := "healthy"
	code := http.StatusOK
	if s.space.Closed() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{
		"status":       status,
		"space":        s.space.Name(),
		"participants": s.space.ConnectedCount(),
		"version":      version.GitCommit,
	})
}

// wsHandler handles GET /ws: authenticates the bearer token, upgrades to
// WebSocket, admits the session, and pumps frames into the space until the
// connection drops.
func (s *Server) wsHandler(c *echo.Context) error {
	if err := s.checkSpaceParam(c); err != nil {
		return err
	}

	token := bearerToken(c)
	if token == "" {
		token = c.QueryParam("token")
	}
	identity, caps, ok := s.cfg.ResolveToken(token)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if declared := c.QueryParam("participant"); declared != "" && declared != identity {
		return echo.NewHTTPError(http.StatusConflict, "token does not authenticate participant "+declared)
	}
	// Best-effort duplicate refusal before the upgrade; Admit re-checks
	// under the router mutex.
	if s.space.Settings().DuplicatePolicy == config.DuplicateReject && s.space.HasActive(identity) {
		return echo.NewHTTPError(http.StatusConflict, "participant already connected")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.space.Settings().AllowedOrigins,
	})
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxEnvelopeBytes)

	sess, err := s.space.Admit(identity, caps, wsConn{conn})
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, err.Error())
		return nil
	}

	for {
		data, err := wsConn{conn}.Read(sess.Context())
		if err != nil {
			s.space.Remove(sess, "disconnect")
			return nil
		}
		s.space.Ingest(sess, data)
	}
}

// submitHandler handles POST /participants/:identity/messages — envelope
// submission without a WebSocket, authenticated the same way.
func (s *Server) submitHandler(c *echo.Context) error {
	if err := s.checkSpaceParam(c); err != nil {
		return err
	}

	token := bearerToken(c)
	identity, _, ok := s.cfg.ResolveToken(token)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	if pathIdentity := c.Param("identity"); pathIdentity != identity {
		return echo.NewHTTPError(http.StatusConflict, "token does not authenticate participant "+pathIdentity)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxEnvelopeBytes))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	e, err := envelope.Parse(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := s.space.Submit(identity, e); err != nil {
		return mapSpaceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": e.ID})
}

// checkSpaceParam rejects requests naming a space this gateway does not
// host. An absent space parameter selects the hosted space.
func (s *Server) checkSpaceParam(c *echo.Context) error {
	if space := c.QueryParam("space"); space != "" && space != s.space.Name() {
		return echo.NewHTTPError(http.StatusNotFound, "unknown space "+space)
	}
	return nil
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *echo.Context) string {
	h := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// securityHeaders returns middleware that sets standard security response
// headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// wsConn adapts *websocket.Conn to the session transport.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
