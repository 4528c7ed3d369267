package app

import (
	"fmt"
	"net/http"
	"time"

	"circles/api/internal/export"
	"go.uber.org/zap"
)

// handleOrg dispatches routes under /api/orgs/{org}. It reports false when no
// route matched so the caller can answer 404.
func (s *HTTPServer) handleOrg(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			return false
		}
		payload, err := s.service.OrgOverview(ctx, access)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	switch rest[0] {
	case "members":
		return s.handleMembers(w, r, access, rest[1:])
	case "invitations":
		return s.handleInvitations(w, r, access, rest[1:])
	case "teams":
		return s.handleTeams(w, r, access, rest[1:])
	case "roles":
		return s.handleRoles(w, r, access, rest[1:])
	case "channels":
		return s.handleChannels(w, r, access, rest[1:])
	case "messages":
		return s.handleMessages(w, r, access, rest[1:])
	case "attachments":
		if len(rest) == 3 && rest[2] == "download" && r.Method == http.MethodGet {
			payload, err := s.service.AttachmentDownload(ctx, access, rest[1])
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}
	case "decisions":
		return s.handleDecisions(w, r, access, rest[1:])
	case "notifications":
		return s.handleNotifications(w, r, access, rest[1:])
	case "policies":
		return s.handlePolicies(w, r, access, rest[1:])
	case "search":
		if len(rest) == 1 && r.Method == http.MethodGet {
			s.handleSearch(w, r, access)
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleMembers(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodGet {
		members, err := s.service.ListMembers(ctx, access)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
		return true
	}

	if len(rest) == 2 && rest[0] == "me" && rest[1] == "preferences" && r.Method == http.MethodPut {
		var body PreferencesInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		member, err := s.service.UpdatePreferences(ctx, access, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"member": member})
		return true
	}

	if len(rest) == 2 && rest[1] == "access" && r.Method == http.MethodPut {
		var body struct {
			AccessRole string `json:"accessRole"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		member, err := s.service.UpdateMemberAccess(ctx, access, rest[0], body.AccessRole)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"member": member})
		return true
	}
	return false
}

func (s *HTTPServer) handleInvitations(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	if len(rest) != 0 {
		return false
	}
	ctx := r.Context()

	switch r.Method {
	case http.MethodGet:
		invitations, err := s.service.ListInvitations(ctx, access)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"invitations": invitations})
		return true
	case http.MethodPost:
		var body InviteInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.Invite(ctx, access, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleTeams(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.Structure(ctx, access)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodPost:
			var body CreateTeamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.CreateTeam(ctx, access, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, payload)
			return true
		}
		return false
	}

	teamID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPut:
			var body UpdateTeamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			team, err := s.service.UpdateTeam(ctx, access, teamID, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"team": team})
			return true
		case http.MethodDelete:
			if err := s.service.DeleteTeam(ctx, access, teamID); err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
		return false
	}

	switch rest[1] {
	case "members":
		if len(rest) == 2 && r.Method == http.MethodPost {
			var body struct {
				MemberID string `json:"memberId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			if err := s.service.AddTeamMember(ctx, access, teamID, body.MemberID); err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
			return true
		}
		if len(rest) == 3 && r.Method == http.MethodDelete {
			if err := s.service.RemoveTeamMember(ctx, access, teamID, rest[2]); err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
	case "roles":
		if len(rest) == 2 && r.Method == http.MethodPost {
			var body RoleInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			role, err := s.service.CreateRole(ctx, access, teamID, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, map[string]any{"role": role})
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleRoles(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	if len(rest) == 0 {
		return false
	}
	ctx := r.Context()
	roleID := rest[0]

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodPut:
			var body RoleInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			role, err := s.service.UpdateRole(ctx, access, roleID, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"role": role})
			return true
		case http.MethodDelete:
			if err := s.service.DeleteRole(ctx, access, roleID); err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return true
		}
		return false
	}

	if len(rest) == 2 && rest[1] == "assign" && r.Method == http.MethodPost {
		var body struct {
			MemberID string `json:"memberId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		role, err := s.service.AssignRole(ctx, access, roleID, body.MemberID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"role": role})
		return true
	}
	return false
}

func (s *HTTPServer) handleChannels(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	if len(rest) == 0 && r.Method == http.MethodGet {
		channels, err := s.service.ListChannels(ctx, access)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
		return true
	}

	if len(rest) != 2 || rest[1] != "messages" {
		return false
	}
	channelID := rest[0]

	switch r.Method {
	case http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		var before *time.Time
		if raw := r.URL.Query().Get("before"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "before must be an RFC3339 timestamp", nil)
				return true
			}
			before = &parsed
		}
		payload, err := s.service.ListMessages(ctx, access, channelID, before, limit)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	case http.MethodPost:
		var body PostMessageInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.PostMessage(ctx, access, channelID, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleMessages(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	if len(rest) != 2 {
		return false
	}
	ctx := r.Context()
	messageID := rest[0]

	switch {
	case rest[1] == "tool" && r.Method == http.MethodPost:
		var body ToolActionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.ToolAction(ctx, access, messageID, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	case rest[1] == "attachments" && r.Method == http.MethodGet:
		attachments, err := s.service.ListAttachments(ctx, access, messageID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"attachments": attachments})
		return true
	case rest[1] == "attachments" && r.Method == http.MethodPost:
		var body AttachmentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateAttachment(ctx, access, messageID, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleDecisions(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	if r.Method != http.MethodGet {
		return false
	}
	ctx := r.Context()
	query := r.URL.Query()

	if len(rest) == 0 {
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		payload, err := s.service.ListDecisions(ctx, access, DecisionFilterInput{
			TeamID:     query.Get("teamId"),
			TargetType: query.Get("targetType"),
			TargetID:   query.Get("targetId"),
			MemberID:   query.Get("memberId"),
			Query:      query.Get("q"),
			Limit:      limit,
		})
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}

	if len(rest) != 1 {
		return false
	}

	if rest[0] == "export" {
		format, ok := export.ParseFormat(query.Get("format"))
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be pdf or html", nil)
			return true
		}
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		req := export.Request{
			TeamID:     query.Get("teamId"),
			TargetType: query.Get("targetType"),
			MemberID:   query.Get("memberId"),
			Format:     format,
			Limit:      limit,
		}
		if raw := query.Get("since"); raw != "" {
			since, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "since must be an RFC3339 timestamp", nil)
				return true
			}
			req.Since = &since
		}
		result, err := s.service.ExportDecisions(ctx, access, req)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)
		return true
	}

	record, err := s.service.GetDecision(ctx, access, rest[0])
	if err != nil {
		s.fail(w, r, err)
		return true
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision": record})
	return true
}

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		notifications, err := s.service.ListNotifications(ctx, access, r.URL.Query().Get("unread") == "true", limit)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
		return true
	case len(rest) == 1 && rest[0] == "read-all" && r.Method == http.MethodPost:
		count, err := s.service.MarkAllNotificationsRead(ctx, access)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": count})
		return true
	case len(rest) == 1 && rest[0] == "stream" && r.Method == http.MethodGet:
		s.streamNotifications(w, r, access)
		return true
	case len(rest) == 2 && rest[1] == "read" && r.Method == http.MethodPost:
		if err := s.service.MarkNotificationRead(ctx, access, rest[0]); err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}
	return false
}

// streamNotifications relays the member's live notifications as server-sent
// events until the client disconnects.
func (s *HTTPServer) streamNotifications(w http.ResponseWriter, r *http.Request, access Access) {
	if s.feed == nil {
		writeError(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "Live notifications are not configured", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	ctx := r.Context()
	sub := s.feed.Subscribe(ctx, access.Member.ID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			return
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, ok := <-messages:
			if !ok {
				s.logger.Debug("notification stream closed", zap.String("member_id", access.Member.ID))
				return
			}
			_, _ = fmt.Fprintf(w, "event: notification\ndata: %s\n\n", msg.Payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handlePolicies(w http.ResponseWriter, r *http.Request, access Access, rest []string) bool {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			policies, err := s.service.ListPolicies(ctx, access)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
			return true
		case http.MethodPost:
			var body PolicyInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			policy, err := s.service.CreatePolicy(ctx, access, body)
			if err != nil {
				s.fail(w, r, err)
				return true
			}
			writeJSON(w, http.StatusCreated, map[string]any{"policy": policy})
			return true
		}
		return false
	}

	policyID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		policy, err := s.service.GetPolicy(ctx, access, policyID)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"policy": policy})
		return true
	case len(rest) == 1 && r.Method == http.MethodPut:
		var body PolicyInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		policy, err := s.service.UpdatePolicy(ctx, access, policyID, body)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"policy": policy})
		return true
	case len(rest) == 2 && rest[1] == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		payload, err := s.service.PolicyHistory(ctx, access, policyID, limit)
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	case len(rest) == 3 && rest[1] == "versions" && r.Method == http.MethodGet:
		payload, err := s.service.PolicyVersion(ctx, access, policyID, rest[2])
		if err != nil {
			s.fail(w, r, err)
			return true
		}
		writeJSON(w, http.StatusOK, payload)
		return true
	}
	return false
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, access Access) {
	query := r.URL.Query()
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response, err := s.service.Search(r.Context(), access, query.Get("q"), query.Get("type"), query.Get("teamId"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}
