package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
	"github.com/brixsport/backend/internal/security"
	"github.com/brixsport/backend/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Operator dashboards are served from the same origin; the permission
	// check already ran before the upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.Active(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"alerts":  alerts,
	})
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	alertID := mux.Vars(r)["id"]

	if err := s.alerts.Resolve(r.Context(), alertID, principal.UserID); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleAlertStream pushes new alerts over a websocket until the client
// disconnects.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	feed, cancel := s.alerts.Subscribe(32)
	defer cancel()

	// Reader goroutine: its only job is noticing the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case alert, ok := <-feed:
			if !ok {
				return
			}
			if err := conn.WriteJSON(alert); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func auditQueryFromRequest(r *http.Request) security.AuditQuery {
	q := security.AuditQuery{
		UserID:    r.URL.Query().Get("userId"),
		EventType: r.URL.Query().Get("eventType"),
		Severity:  r.URL.Query().Get("severity"),
	}
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Start = t
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.End = t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			q.Offset = n
		}
	}
	return q
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := auditQueryFromRequest(r)

	events, total, err := s.audit.Query(r.Context(), q)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"events":  events,
		"total":   total,
		"limit":   q.Limit,
		"offset":  q.Offset,
	})
}

// handleExportAudit streams matching events as gzip-compressed JSON lines
func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	q := auditQueryFromRequest(r)

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="audit-export.jsonl.gz"`)

	if err := s.audit.ExportGzip(r.Context(), w, q); err != nil {
		// Headers are out; all that is left is logging.
		s.logger.Error("audit export failed", zap.Error(err))
	}
}

func (s *Server) handleListFirewallRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.firewall.List(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"rules":   rules,
	})
}

func (s *Server) handleAddFirewallRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP       string `json:"ip"`
		Action   string `json:"action"`
		Port     int    `json:"port"`
		Protocol string `json:"protocol"`
		TTL      string `json:"ttl"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	var rule *security.FirewallRule
	var err error
	switch req.Action {
	case security.RuleActionAllow:
		rule, err = s.firewall.Allow(r.Context(), req.IP, req.Port, req.Protocol)
	case security.RuleActionDeny:
		var ttl time.Duration
		if req.TTL != "" {
			ttl, err = time.ParseDuration(req.TTL)
			if err != nil {
				writeError(w, s.logger, apperrors.Validation("invalid ttl"))
				return
			}
		}
		rule, err = s.firewall.Deny(r.Context(), req.IP, ttl)
	default:
		writeError(w, s.logger, apperrors.Validation("action must be allow or deny"))
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"rule":    rule,
	})
}

func (s *Server) handleRemoveFirewallRule(w http.ResponseWriter, r *http.Request) {
	if err := s.firewall.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleTrafficStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"stats":   s.traffic.Stats(),
	})
}

func (s *Server) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	s.traffic.UnblockIP(r.Context(), ip)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	userID := mux.Vars(r)["id"]

	var req struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}

	if err := s.authz.AssignRole(r.Context(), userID, req.Role); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.audit.Log(r.Context(), security.SecurityEvent{
		UserID:    userID,
		EventType: security.EventRoleChanged,
		Action:    "assign:" + req.Role,
		Severity:  security.SeverityMedium,
		Outcome:   security.OutcomeSuccess,
		IP:        clientIP(r),
		Details:   map[string]interface{}{"changed_by": principal.UserID},
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())
	vars := mux.Vars(r)

	if err := s.authz.RemoveRole(r.Context(), vars["id"], vars["role"]); err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.audit.Log(r.Context(), security.SecurityEvent{
		UserID:    vars["id"],
		EventType: security.EventRoleChanged,
		Action:    "remove:" + vars["role"],
		Severity:  security.SeverityMedium,
		Outcome:   security.OutcomeSuccess,
		IP:        clientIP(r),
		Details:   map[string]interface{}{"changed_by": principal.UserID},
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFrom(r.Context())

	keyID, err := s.crypto.RotateKeys(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	s.audit.Log(r.Context(), security.SecurityEvent{
		UserID:    principal.UserID,
		EventType: security.EventKeyRotated,
		Severity:  security.SeverityMedium,
		Outcome:   security.OutcomeSuccess,
		IP:        clientIP(r),
		Details:   map[string]interface{}{"key_id": keyID},
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"keyId":   keyID,
	})
}

// handleStatus summarizes the security core for the admin dashboard
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := s.audit.Recent(r.Context(), 20)
	if err != nil && err != store.ErrNotFound {
		recent = nil
	}
	active, _ := s.alerts.Active(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"traffic":      s.traffic.Stats(),
		"activeAlerts": len(active),
		"recentEvents": recent,
	})
}
