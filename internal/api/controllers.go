package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"copytrade-relay/internal/exchange"
	"copytrade-relay/internal/follower"
	"copytrade-relay/internal/netsession"
	"copytrade-relay/internal/notifier"
	"copytrade-relay/internal/position"
	"copytrade-relay/internal/supervisor"
	"copytrade-relay/pkg/config"
	"copytrade-relay/pkg/db"
)

func (s *Server) getStatus(c *gin.Context) {
	followers, err := s.DB.ListFollowers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	master, err := s.DB.GetMasterCreds(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}

	gwStats := s.Gateways.Stats()
	c.JSON(http.StatusOK, gin.H{
		"venue":              s.Meta.Venue,
		"quote_asset":        s.Meta.QuoteAsset,
		"version":            s.Meta.Version,
		"hard_stopped":       s.Supervisor.IsHardStopped(),
		"trading_enabled":    master.TradingEnabled,
		"master_configured":  master.APIKeyEncrypted != "",
		"follower_count":     len(followers),
		"gateways": gin.H{
			"total":     gwStats.TotalGateways,
			"unhealthy": gwStats.UnhealthyCount,
		},
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) listFollowers(c *gin.Context) {
	rows, err := s.DB.ListFollowers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, f := range rows {
		out = append(out, followerSummary(f))
	}
	c.JSON(http.StatusOK, gin.H{"followers": out})
}

// exportFollowersYAML renders every follower's non-secret config as YAML,
// for bulk-editing offline (§6 persisted-config surface, supplemented).
func (s *Server) exportFollowersYAML(c *gin.Context) {
	rows, err := s.DB.ListFollowers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	out, err := config.DumpFollowersYAML(rows)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "YAML_ERROR", "error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/yaml", out)
}

// importFollowersYAML applies a bulk-edited followers document: existing
// rows are updated in place (credentials untouched), unknown ids are
// rejected rather than silently creating credential-less followers.
func (s *Server) importFollowersYAML(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	docs, err := config.LoadFollowersYAML(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_YAML", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := s.DB.ListFollowers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	byID := make(map[int]db.FollowerRow, len(existing))
	for _, r := range existing {
		byID[r.ID] = r
	}

	applied := make([]gin.H, 0, len(docs))
	for _, d := range docs {
		row, ok := byID[d.ID]
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": "UNKNOWN_FOLLOWER", "error": fmt.Sprintf("follower %d does not exist, create it via PUT first", d.ID)})
			return
		}
		row.Name = d.Name
		row.Proxy = d.Proxy
		row.Coef = d.Coef
		row.Leverage = d.Leverage
		row.MarginMode = d.MarginMode
		row.MaxPositionSize = d.MaxPositionSize
		row.RandomSizePctLo = d.RandomSizePctLo
		row.RandomSizePctHi = d.RandomSizePctHi
		row.DelayMsLo = d.DelayMsLo
		row.DelayMsHi = d.DelayMsHi
		row.Enabled = d.Enabled

		if err := s.DB.UpsertFollower(ctx, row); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
			return
		}
		s.stopSession(row.ID)
		s.Gateways.Remove(row.ID)
		if err := s.wireFollower(ctx, row); err != nil {
			applied = append(applied, gin.H{"follower": followerSummary(row), "warning": "saved but not wired live: " + err.Error()})
			continue
		}
		applied = append(applied, gin.H{"follower": followerSummary(row)})
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func followerSummary(f db.FollowerRow) gin.H {
	return gin.H{
		"id":                f.ID,
		"name":              f.Name,
		"proxy":             f.Proxy,
		"coef":              f.Coef,
		"leverage":          f.Leverage,
		"margin_mode":       f.MarginMode,
		"max_position_size": f.MaxPositionSize,
		"random_size_pct":   []float64{f.RandomSizePctLo, f.RandomSizePctHi},
		"delay_ms":          []float64{f.DelayMsLo, f.DelayMsHi},
		"enabled":           f.Enabled,
		"updated_at":        f.UpdatedAt,
	}
}

// upsertFollowerRequest is the operator payload for creating or editing a
// follower. APIKey/APISecret are only required on creation; omitting them
// on an update leaves the stored credentials untouched.
type upsertFollowerRequest struct {
	Name            string  `json:"name" binding:"required"`
	APIKey          string  `json:"api_key"`
	APISecret       string  `json:"api_secret"`
	Proxy           string  `json:"proxy"`
	Coef            float64 `json:"coef" binding:"required"`
	Leverage        int     `json:"leverage"`
	MarginMode      int     `json:"margin_mode"`
	MaxPositionSize float64 `json:"max_position_size"`
	RandomSizePctLo float64 `json:"random_size_pct_lo"`
	RandomSizePctHi float64 `json:"random_size_pct_hi"`
	DelayMsLo       float64 `json:"delay_ms_lo"`
	DelayMsHi       float64 `json:"delay_ms_hi"`
	Enabled         bool    `json:"enabled"`
}

// upsertFollower creates or replaces a follower's config, persists it
// encrypted, and (best-effort) wires a live runtime into the supervisor so
// the change takes effect without a relay restart.
func (s *Server) upsertFollower(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid follower id"})
		return
	}

	var req upsertFollowerRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := s.DB.ListFollowers(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	var prior *db.FollowerRow
	for i := range existing {
		if existing[i].ID == id {
			prior = &existing[i]
			break
		}
	}
	if prior == nil && (req.APIKey == "" || req.APISecret == "") {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_CREDENTIALS", "error": "api_key and api_secret are required when creating a follower"})
		return
	}

	row := db.FollowerRow{
		ID:              id,
		Name:            req.Name,
		Proxy:           req.Proxy,
		Coef:            req.Coef,
		Leverage:        req.Leverage,
		MarginMode:      req.MarginMode,
		MaxPositionSize: req.MaxPositionSize,
		RandomSizePctLo: req.RandomSizePctLo,
		RandomSizePctHi: req.RandomSizePctHi,
		DelayMsLo:       req.DelayMsLo,
		DelayMsHi:       req.DelayMsHi,
		Enabled:         req.Enabled,
	}

	if req.APIKey != "" && req.APISecret != "" {
		encKey, encSecret, err := s.Keys.EncryptCredentials(req.APIKey, req.APISecret)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "ENCRYPT_ERROR", "error": err.Error()})
			return
		}
		row.APIKeyEncrypted = encKey
		row.APISecretEncrypted = encSecret
		row.KeyVersion = s.Keys.CurrentVersion()
	} else {
		row.APIKeyEncrypted = prior.APIKeyEncrypted
		row.APISecretEncrypted = prior.APISecretEncrypted
		row.KeyVersion = prior.KeyVersion
	}

	if err := s.DB.UpsertFollower(ctx, row); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}

	s.stopSession(id)
	s.Gateways.Remove(id)
	if err := s.wireFollower(ctx, row); err != nil {
		// Persisted but not yet live; the next relay restart (or a retried
		// enable call once credentials are fixed) will pick it up.
		c.JSON(http.StatusOK, gin.H{"follower": followerSummary(row), "warning": "saved but not wired live: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"follower": followerSummary(row)})
}

// wireFollower builds a live follower.Runtime + NetworkSession + position.
// Monitor for row and registers it into the supervisor. The NetworkSession's
// ping loop runs under the server's process-lifetime context, not the
// request context, so it survives past this handler returning.
func (s *Server) wireFollower(ctx context.Context, row db.FollowerRow) error {
	if !row.Enabled {
		return nil
	}

	cfg := follower.Config{
		ID:              row.ID,
		Name:            row.Name,
		Proxy:           row.Proxy,
		KeyVersion:      row.KeyVersion,
		Coef:            row.Coef,
		Leverage:        row.Leverage,
		MarginMode:      row.MarginMode,
		MaxPositionSize: row.MaxPositionSize,
		RandomSizePct:   [2]float64{row.RandomSizePctLo, row.RandomSizePctHi},
		DelayMs:         [2]float64{row.DelayMsLo, row.DelayMsHi},
		Enabled:         row.Enabled,
	}
	rt := follower.NewRuntime(cfg)

	followerID := row.ID
	build := func(ctx context.Context) (exchange.Gateway, error) { return s.Gateways.GetOrCreate(ctx, followerID) }
	rebuild := func(ctx context.Context) (exchange.Gateway, error) { return s.Gateways.Recreate(ctx, followerID) }
	sess := netsession.New(rt, build, rebuild, func(format string, args ...any) {
		s.Notifier.Publish(notifier.TopicNetworkSession, notifier.LogLine{
			FollowerID: followerID,
			Line:       fmt.Sprintf(format, args...),
			TsMs:       time.Now().UnixMilli(),
		})
	})

	if err := sess.Initialize(ctx); err != nil {
		return err
	}

	s.stopSession(followerID)
	s.sessionsMu.Lock()
	s.sessions[followerID] = sess
	s.sessionsMu.Unlock()
	go sess.StartPingLoop(s.ctx)

	mon := position.New(rt, func(ctx context.Context) ([]exchange.PositionSnapshot, error) {
		return rt.GatewaySnapshot().GetOpenPositions(ctx, "")
	})

	s.Supervisor.RegisterFollower(rt, mon)
	s.Gateways.RecordSuccess(followerID)
	return nil
}

// stopSession shuts down and forgets any previously wired NetworkSession
// for followerID, e.g. before re-wiring on credential rotation or disable.
func (s *Server) stopSession(followerID int) {
	s.sessionsMu.Lock()
	old, ok := s.sessions[followerID]
	delete(s.sessions, followerID)
	s.sessionsMu.Unlock()
	if ok {
		old.Shutdown()
	}
}

func (s *Server) deleteFollower(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid follower id"})
		return
	}
	if err := s.DB.DeleteFollower(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	s.stopSession(id)
	s.Gateways.Remove(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// setFollowerEnabled returns a handler that flips a follower's enabled
// flag, persists it, and wires or tears down its live runtime to match.
func (s *Server) setFollowerEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid follower id"})
			return
		}
		ctx := c.Request.Context()
		rows, err := s.DB.ListFollowers(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
			return
		}
		var row *db.FollowerRow
		for i := range rows {
			if rows[i].ID == id {
				row = &rows[i]
				break
			}
		}
		if row == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "error": "follower not found"})
			return
		}

		row.Enabled = enabled
		if err := s.DB.UpsertFollower(ctx, *row); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
			return
		}

		if !enabled {
			s.stopSession(id)
			s.Gateways.Remove(id)
			c.JSON(http.StatusOK, gin.H{"follower": followerSummary(*row)})
			return
		}

		if err := s.wireFollower(ctx, *row); err != nil {
			c.JSON(http.StatusOK, gin.H{"follower": followerSummary(*row), "warning": "saved but not wired live: " + err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"follower": followerSummary(*row)})
	}
}

func (s *Server) listFollowerPnL(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ID", "error": "invalid follower id"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	reports, err := s.DB.ListPnLReports(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

type masterCredsRequest struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
	Proxy     string `json:"proxy"`
}

// setMasterCredentials persists the master account credentials and
// triggers a supervisor reload by updating its credential hash.
func (s *Server) setMasterCredentials(c *gin.Context) {
	var req masterCredsRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}

	encKey, encSecret, err := s.Keys.EncryptCredentials(req.APIKey, req.APISecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "ENCRYPT_ERROR", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	existing, err := s.DB.GetMasterCreds(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}

	m := db.MasterCreds{
		APIKeyEncrypted:    encKey,
		APISecretEncrypted: encSecret,
		Proxy:              req.Proxy,
		KeyVersion:         s.Keys.CurrentVersion(),
		TradingEnabled:     existing.TradingEnabled,
	}
	if err := s.DB.UpsertMasterCreds(ctx, m); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
		return
	}

	s.Supervisor.SetCreds(supervisor.Creds{
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		Proxy:     req.Proxy,
	})

	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

// setTradingEnabled returns a handler that toggles the PAUSED/RUNNING
// supervisor gate and persists it alongside the master credential row.
func (s *Server) setTradingEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		m, err := s.DB.GetMasterCreds(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
			return
		}
		m.TradingEnabled = enabled
		if err := s.DB.UpsertMasterCreds(ctx, m); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "DB_ERROR", "error": err.Error()})
			return
		}
		s.Supervisor.SetTradingEnabled(enabled)
		c.JSON(http.StatusOK, gin.H{"trading_enabled": enabled})
	}
}

func (s *Server) hardStop(c *gin.Context) {
	s.Supervisor.HardStop()
	c.JSON(http.StatusOK, gin.H{"hard_stopped": true})
}

type manualCloseRequest struct {
	FollowerIDs []int `json:"follower_ids" binding:"required"`
}

func (s *Server) manualClose(c *gin.Context) {
	var req manualCloseRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": err.Error()})
		return
	}
	s.Supervisor.ManualClose(req.FollowerIDs)
	c.JSON(http.StatusAccepted, gin.H{"queued": req.FollowerIDs, "ts_ms": time.Now().UnixMilli()})
}
