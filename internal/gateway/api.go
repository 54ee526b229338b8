package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/sweeper"
	"github.com/liteclaw/devicegate/internal/version"
	"github.com/liteclaw/devicegate/pkg/types"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]interface{}{
		"status":      "ok",
		"connections": s.registry.Len(),
	}
	if s.certs != nil {
		body["tlsReady"] = s.certs.Ready()
	}
	return c.JSON(http.StatusOK, body)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c echo.Context) error {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	totals := s.flows.Totals()
	resp := types.Status{
		Status:      "running",
		Version:     version.Version,
		Uptime:      s.Uptime().Round(time.Second).String(),
		Connections: s.registry.Len(),
		Sessions:    s.registry.Bound(),
		Instances:   s.pool.Len(),
		Capacity:    s.cfg.Instance.Capacity,
		Binds:       s.binder.Len(),
		Traffic: types.Traffic{
			BytesIn:   totals.BytesIn,
			BytesOut:  totals.BytesOut,
			FramesIn:  totals.FramesIn,
			FramesOut: totals.FramesOut,
		},
		Jobs: s.jobs(),
		Memory: types.MemoryStats{
			Alloc:      memStats.Alloc,
			TotalAlloc: memStats.TotalAlloc,
			Sys:        memStats.Sys,
			NumGC:      memStats.NumGC,
		},
		GoVersion: runtime.Version(),
		Arch:      runtime.GOARCH,
		OS:        runtime.GOOS,
	}
	return c.JSON(http.StatusOK, types.OK(resp))
}

// handleListSessions handles GET /api/sessions
func (s *Server) handleListSessions(c echo.Context) error {
	now := s.registry.Now()
	entries := s.registry.Entries()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.Before(entries[j].StartedAt)
	})

	list := make([]types.Session, 0, len(entries))
	for _, e := range entries {
		list = append(list, s.sessionView(e, now))
	}
	return c.JSON(http.StatusOK, types.OK(list))
}

func (s *Server) sessionView(e *session.Entry, now int64) types.Session {
	info := e.Info()
	v := types.Session{
		ID:          e.ID,
		SessionKey:  info.SessionKey,
		Remote:      e.Channel.RemoteAddr(),
		State:       stateConnected.String(),
		AppType:     info.AppType,
		NetworkType: info.NetworkType,
		StartedAt:   e.StartedAt,
		IdleMs:      time.Duration(now - e.LastHeartbeat()).Milliseconds(),
	}
	if dc, ok := e.Channel.(*conn); ok {
		v.State = dc.getState().String()
	}
	if fc, ok := s.flows.Get(e.ID); ok {
		snap := fc.Snapshot()
		v.BytesIn, v.BytesOut = snap.BytesIn, snap.BytesOut
		v.FramesIn, v.FramesOut = snap.FramesIn, snap.FramesOut
	}
	if info.SessionKey != "" {
		if inst, ok := s.pool.Get(info.SessionKey); ok && inst.Handle != nil {
			v.Instance = inst.Handle.ID
		}
	}
	return v
}

// handleKickSession handles DELETE /api/sessions/:key
func (s *Server) handleKickSession(c echo.Context) error {
	key := c.Param("key")
	e, ok := s.registry.Lookup(key)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err := e.Channel.Close(ReasonKicked); err != nil {
		s.logger.Debug().Err(err).Str("sessionKey", key).Msg("Close on kick")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleCreateBind handles POST /api/binds
func (s *Server) handleCreateBind(c echo.Context) error {
	var req types.CreateBindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	b := s.binder.Put(session.Bind{
		SessionKey: req.IMEI + "_" + req.IMSI,
		Token:      req.Token,
		Endpoints: session.Endpoints{
			Media:      req.Endpoints.Media,
			MediaTLS:   req.Endpoints.MediaTLS,
			Control:    req.Endpoints.Control,
			ControlTLS: req.Endpoints.ControlTLS,
			InnerMedia: req.Endpoints.InnerMedia,
		},
	})
	s.logger.Info().Str("sessionKey", b.SessionKey).Msg("Session bind provisioned")

	view := bindView(b)
	view.Token = b.Token
	return c.JSON(http.StatusCreated, types.OK(view))
}

// handleListBinds handles GET /api/binds
func (s *Server) handleListBinds(c echo.Context) error {
	binds := s.binder.List()
	list := make([]types.Bind, 0, len(binds))
	for _, b := range binds {
		list = append(list, bindView(b))
	}
	return c.JSON(http.StatusOK, types.OK(list))
}

// handleGetBind handles GET /api/binds/:key
func (s *Server) handleGetBind(c echo.Context) error {
	b, ok := s.binder.Get(c.Param("key"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, session.ErrBindNotFound.Error())
	}
	return c.JSON(http.StatusOK, types.OK(bindView(b)))
}

// handleDeleteBind handles DELETE /api/binds/:key
func (s *Server) handleDeleteBind(c echo.Context) error {
	key := c.Param("key")
	if !s.binder.Expire(key) {
		return echo.NewHTTPError(http.StatusNotFound, session.ErrBindNotFound.Error())
	}
	s.logger.Info().Str("sessionKey", key).Msg("Session bind revoked")
	return c.NoContent(http.StatusNoContent)
}

func bindView(b session.Bind) types.Bind {
	return types.Bind{
		SessionKey: b.SessionKey,
		Endpoints: types.Endpoints{
			Media:      b.Endpoints.Media,
			MediaTLS:   b.Endpoints.MediaTLS,
			Control:    b.Endpoints.Control,
			ControlTLS: b.Endpoints.ControlTLS,
			InnerMedia: b.Endpoints.InnerMedia,
		},
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

// handleListInstances handles GET /api/instances
func (s *Server) handleListInstances(c echo.Context) error {
	now := s.pool.Now()
	infos := s.pool.Snapshot()
	list := make([]types.Instance, 0, len(infos))
	for _, in := range infos {
		list = append(list, types.Instance{
			SessionKey: in.SessionKey,
			ID:         in.ID,
			ContextID:  in.ContextID,
			Status:     in.Status,
			CreatedAt:  in.CreatedAt,
			IdleMs:     time.Duration(now - in.LastHeartbeat).Milliseconds(),
		})
	}
	return c.JSON(http.StatusOK, types.OK(list))
}

// handleDeleteInstance handles DELETE /api/instances/:key
func (s *Server) handleDeleteInstance(c echo.Context) error {
	key := c.Param("key")
	if _, ok := s.pool.Get(key); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "instance not found")
	}
	if err := s.pool.Delete(c.Request().Context(), key); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// handleListSweeps handles GET /api/sweeps
func (s *Server) handleListSweeps(c echo.Context) error {
	return c.JSON(http.StatusOK, types.OK(s.jobs()))
}

// handleRunSweep handles POST /api/sweeps/:name/run
func (s *Server) handleRunSweep(c echo.Context) error {
	if s.scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sweeps are not scheduled")
	}
	name := c.Param("name")
	switch err := s.scheduler.RunNow(name); {
	case errors.Is(err, sweeper.ErrJobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, sweeper.ErrJobRunning):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	for _, j := range s.jobs() {
		if j.Name == name {
			return c.JSON(http.StatusOK, types.OK(j))
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "job not found")
}

func (s *Server) jobs() []types.Job {
	if s.scheduler == nil {
		return nil
	}
	states := s.scheduler.Jobs()
	list := make([]types.Job, 0, len(states))
	for _, st := range states {
		list = append(list, types.Job{
			Name:           st.Name,
			Every:          st.Every.String(),
			NextRunAtMs:    st.NextRunAtMs,
			LastRunAtMs:    st.LastRunAtMs,
			LastStatus:     st.LastStatus,
			LastError:      st.LastError,
			LastDurationMs: st.LastDurationMs,
			Runs:           st.Runs,
		})
	}
	return list
}

// handleHTTPError renders every error in the API envelope.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		s.logger.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("Unhandled API error")
	}

	code := types.ErrCodeInternal
	switch status {
	case http.StatusBadRequest:
		code = types.ErrCodeInvalidInput
	case http.StatusUnauthorized:
		code = types.ErrCodeUnauthorized
	case http.StatusNotFound:
		code = types.ErrCodeNotFound
	case http.StatusTooManyRequests:
		code = types.ErrCodeRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		code = types.ErrCodeServiceUnavailable
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, types.Err(code, msg))
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write error response")
	}
}
