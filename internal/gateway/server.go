// Package gateway exposes the stylist session over HTTP: a WebSocket event
// protocol for the conversational loop, REST for analysis history, and
// WebRTC signaling for the voice path.
package gateway

import (
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/neverendingsdreams/mira-stylist/internal/gesture"
	"github.com/neverendingsdreams/mira-stylist/internal/rtc"
	"github.com/neverendingsdreams/mira-stylist/internal/session"
	"github.com/neverendingsdreams/mira-stylist/internal/store"
	"github.com/neverendingsdreams/mira-stylist/internal/synth"
)

// History is the slice of the persistence layer the REST routes need.
type History interface {
	ListAnalyses(limit int) ([]store.Analysis, error)
	DeleteAnalysis(id string) error
	ClearAll() error
}

// controlSurface is what the WebSocket loop drives on a live session.
type controlSurface interface {
	StartListening() error
	StopListening()
	HandleText(text string)
	CaptureAndAnalyze(t session.Trigger)
	ToggleMonitoring()
	ToggleWakeWord() error
	Cancel()
	OnMediaStopped()
	Close() error
}

// Deps wires one Server. History, Classifier and RTC may be nil; the
// matching routes degrade gracefully.
type Deps struct {
	History       History
	Backend       session.Inferencer
	Archive       session.Archiver
	Voice         synth.Voice
	Classifier    gesture.Classifier
	GestureConfig gesture.Config
	RTC           *rtc.Handler
	SpeechKey     string
	SessionConfig session.Config
	CameraIdle    int // seconds; 0 uses the media default

	// newSession lets tests substitute the controller.
	newSession func(d session.Deps) controlSurface
}

type Server struct {
	Echo *echo.Echo
	deps Deps
}

func New(deps Deps) *Server {
	if deps.newSession == nil {
		deps.newSession = func(d session.Deps) controlSurface {
			return session.New(deps.SessionConfig, d)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))

	s := &Server{Echo: e, deps: deps}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/session", s.serveSession)
	e.GET("/analyses", s.listAnalyses)
	e.DELETE("/analyses", s.clearAnalyses)
	e.DELETE("/analyses/:id", s.deleteAnalysis)
	if deps.RTC != nil {
		e.POST("/offer", s.handleOffer)
	}
	return s
}

func (s *Server) listAnalyses(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusOK, []store.Analysis{})
	}
	limit := store.DefaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}
	out, err := s.deps.History.ListAnalyses(limit)
	if err != nil {
		log.Printf("gateway: list analyses: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
	}
	if out == nil {
		out = []store.Analysis{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) deleteAnalysis(c echo.Context) error {
	if s.deps.History == nil {
		return c.NoContent(http.StatusNotFound)
	}
	if err := s.deps.History.DeleteAnalysis(c.Param("id")); err != nil {
		log.Printf("gateway: delete analysis: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "delete failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) clearAnalyses(c echo.Context) error {
	if s.deps.History == nil {
		return c.NoContent(http.StatusNotFound)
	}
	if err := s.deps.History.ClearAll(); err != nil {
		log.Printf("gateway: clear analyses: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "clear failed"})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleOffer(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offer"})
	}
	answer, err := s.deps.RTC.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("gateway: handle offer: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "webrtc setup failed"})
	}
	return c.JSON(http.StatusOK, answer)
}
