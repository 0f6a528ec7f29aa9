package httpsrv

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/easwatch/easwatch/internal/buildinfo"
	"github.com/easwatch/easwatch/internal/health"
	"github.com/easwatch/easwatch/internal/ringbuf"
	"github.com/easwatch/easwatch/internal/samedec"
	"github.com/easwatch/easwatch/internal/source"
)

func (s *Server) initRoutes(metricsHandler http.Handler) {
	s.echo.GET("/healthz", s.handleHealthz)

	api := s.echo.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/sources", s.handleSources)
	api.GET("/events/failover", s.handleFailoverEvents)
	api.GET("/events/decode", s.handleDecodeEvents)

	if metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
}

// healthzResponse is the liveness view for load balancers and probes.
type healthzResponse struct {
	Status        string  `json:"status"`
	Score         float64 `json:"score"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Timestamp     string  `json:"timestamp"`
}

// statusResponse is the full aggregate served by /api/v1/status.
type statusResponse struct {
	Version       string         `json:"version"`
	BuildDate     string         `json:"build_date"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Health        health.Report  `json:"health"`
	Master        bufferResponse `json:"master"`
	Decoder       *decoderStatus `json:"decoder,omitempty"`
}

type decoderStatus struct {
	State            string  `json:"state"`
	SamplesProcessed uint64  `json:"samples_processed"`
	ProcessingRate   float64 `json:"processing_rate"`
	ExpectedRate     float64 `json:"expected_rate"`
	Confidence       float64 `json:"confidence"`
	BurstsDetected   uint64  `json:"bursts_detected"`
	BurstsValidated  uint64  `json:"bursts_validated"`
	BurstsRejected   uint64  `json:"bursts_rejected"`
	Messages         uint64  `json:"messages"`
}

type bufferResponse struct {
	Capacity    uint64  `json:"capacity"`
	Buffered    uint64  `json:"buffered"`
	FillPercent float64 `json:"fill_percent"`
	PeakFill    float64 `json:"peak_fill_percent"`
	Dropped     uint64  `json:"dropped"`
	Overruns    uint64  `json:"overruns"`
	Underruns   uint64  `json:"underruns"`
}

type sourceResponse struct {
	ID               string         `json:"id"`
	Kind             string         `json:"kind"`
	Origin           string         `json:"origin"`
	Priority         int            `json:"priority"`
	State            string         `json:"state"`
	Active           bool           `json:"active"`
	Silent           bool           `json:"silent"`
	LevelDB          float64        `json:"level_db"`
	Level            int            `json:"level"` // 0-100 meter reading
	Clipping         bool           `json:"clipping"`
	LastData         time.Time      `json:"last_data"`
	UptimeSeconds    float64        `json:"uptime_seconds"`
	RestartCount     int            `json:"restart_count"`
	NextRetrySeconds float64        `json:"next_retry_seconds"`
	ChunksCaptured   uint64         `json:"chunks_captured"`
	Buffer           bufferResponse `json:"buffer"`
}

func toBufferResponse(st ringbuf.Stats) bufferResponse {
	return bufferResponse{
		Capacity:    st.Capacity,
		Buffered:    st.Buffered,
		FillPercent: st.FillPercent(),
		PeakFill:    st.PeakFill,
		Dropped:     st.Dropped,
		Overruns:    st.Overruns,
		Underruns:   st.Underruns,
	}
}

func toSourceResponse(a *source.AdapterSnapshot, active string) sourceResponse {
	return sourceResponse{
		ID:               a.ID,
		Kind:             a.Kind,
		Origin:           a.Origin,
		Priority:         a.Priority,
		State:            a.State.String(),
		Active:           a.ID == active,
		Silent:           a.Silent,
		LevelDB:          a.LevelDB,
		Level:            a.Level.Level,
		Clipping:         a.Level.Clipping,
		LastData:         a.LastData,
		UptimeSeconds:    a.Uptime.Seconds(),
		RestartCount:     a.RestartCount,
		NextRetrySeconds: a.NextRetryDelay.Seconds(),
		ChunksCaptured:   a.ChunksCaptured,
		Buffer:           toBufferResponse(a.Ring),
	}
}

// handleHealthz serves 200 while the pipeline is healthy or degraded and
// 503 once it is failed, so probes restart the service only when it has
// actually stopped doing useful work.
func (s *Server) handleHealthz(c echo.Context) error {
	rep := s.health.Snapshot()
	code := http.StatusOK
	if rep.Status == health.StatusFailed {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, healthzResponse{
		Status:        string(rep.Status),
		Score:         rep.OverallScore,
		Version:       buildinfo.Version,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.manager.Snapshot()
	resp := statusResponse{
		Version:       buildinfo.Version,
		BuildDate:     buildinfo.BuildDate,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Health:        s.health.Snapshot(),
		Master:        toBufferResponse(snap.Master),
	}
	if s.decoder != nil {
		m := s.decoder.Metrics()
		resp.Decoder = &decoderStatus{
			State:            m.State.String(),
			SamplesProcessed: m.SamplesProcessed,
			ProcessingRate:   m.ProcessingRate,
			ExpectedRate:     m.ExpectedRate,
			Confidence:       m.Confidence,
			BurstsDetected:   m.BurstsDetected,
			BurstsValidated:  m.BurstsValidated,
			BurstsRejected:   m.BurstsRejected,
			Messages:         m.Messages,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSources(c echo.Context) error {
	snap := s.manager.Snapshot()
	out := make([]sourceResponse, 0, len(snap.Adapters))
	for i := range snap.Adapters {
		out = append(out, toSourceResponse(&snap.Adapters[i], snap.Active))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleFailoverEvents(c echo.Context) error {
	snap := s.manager.Snapshot()
	events := snap.Failovers
	if events == nil {
		events = []source.FailoverEvent{}
	}
	if n := limitParam(c, len(events)); n < len(events) {
		events = events[:n]
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleDecodeEvents(c echo.Context) error {
	events := []samedec.Event{}
	if s.decoder != nil {
		events = s.decoder.History()
	}
	if events == nil {
		events = []samedec.Event{}
	}
	if n := limitParam(c, len(events)); n < len(events) {
		events = events[:n]
	}
	return c.JSON(http.StatusOK, events)
}

// limitParam reads an optional positive ?limit=N, defaulting to all.
// Event lists are most-recent-first, so the limit keeps the newest.
func limitParam(c echo.Context, all int) int {
	raw := c.QueryParam("limit")
	if raw == "" {
		return all
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return all
	}
	return n
}
