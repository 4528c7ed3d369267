package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"circles/api/internal/notify"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type httpClient struct {
	t       *testing.T
	handler http.Handler
}

func newHTTPClient(t *testing.T, ms *memStore) *httpClient {
	return &httpClient{t: t, handler: NewHTTPServer(newTestService(ms), "*", nil).Handler()}
}

func (c *httpClient) do(method, path, token string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	return payload
}

func (c *httpClient) signUp(email, name string) string {
	c.t.Helper()
	rr := c.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": email, "password": "correct horse battery", "displayName": name,
	})
	require.Equal(c.t, http.StatusCreated, rr.Code, rr.Body.String())
	token, _ := decodeMap(c.t, rr)["accessToken"].(string)
	require.NotEmpty(c.t, token)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	rr := client.do(http.MethodGet, "/api/health", "", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decodeMap(t, rr)["ok"])
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	require.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestReadyEndpointReportsDatabase(t *testing.T) {
	ms := newMemStore()
	client := newHTTPClient(t, ms)

	rr := client.do(http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ready", decodeMap(t, rr)["status"])

	ms.pingErr = errors.New("connection refused")
	rr = client.do(http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	payload := decodeMap(t, rr)
	require.Equal(t, "not_ready", payload["status"])
	database := payload["checks"].(map[string]any)["database"].(map[string]any)
	require.Equal(t, "connection refused", database["error"])
}

func TestPreflightReturnsNoContent(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	rr := client.do(http.MethodOptions, "/api/orgs", "", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestSignUpSignInAndSession(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	client.signUp("ada@example.com", "Ada")

	rr := client.do(http.MethodPost, "/api/auth/signup", "", map[string]string{
		"email": "ADA@example.com", "password": "another password", "displayName": "Ada again",
	})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "EMAIL_EXISTS", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "wrong password"})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "INVALID_CREDENTIALS", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodPost, "/api/auth/signin", "", map[string]string{"email": "ada@example.com", "password": "correct horse battery"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	signedIn := decodeMap(t, rr)
	token := signedIn["accessToken"].(string)
	refresh := signedIn["refreshToken"].(string)

	rr = client.do(http.MethodGet, "/api/session", token, nil)
	session := decodeMap(t, rr)
	require.Equal(t, true, session["authenticated"])
	require.Equal(t, "Ada", session["displayName"])

	rr = client.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotEqual(t, refresh, decodeMap(t, rr)["refreshToken"])

	// Refresh tokens rotate on use.
	rr = client.do(http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": refresh})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSignUpRejectsInvalidBody(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(`{"email":`))
	rr := httptest.NewRecorder()
	client.handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "INVALID_BODY", decodeMap(t, rr)["code"])
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	client := newHTTPClient(t, newMemStore())

	rr := client.do(http.MethodGet, "/api/orgs", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "UNAUTHORIZED", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodGet, "/api/orgs", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOrgRoutesEndToEnd(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	token := client.signUp("ada@example.com", "Ada")

	rr := client.do(http.MethodPost, "/api/orgs", token, map[string]string{"name": "Riverside Housing"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeMap(t, rr)
	orgID := created["org"].(map[string]any)["id"].(string)
	rootID := created["rootTeam"].(map[string]any)["id"].(string)
	channelID := created["channel"].(map[string]any)["id"].(string)
	base := "/api/orgs/" + orgID

	rr = client.do(http.MethodGet, base, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	permissions := decodeMap(t, rr)["permissions"].(map[string]any)
	require.Equal(t, true, permissions["admin"])

	rr = client.do(http.MethodPost, base+"/teams", token, map[string]string{"name": "Maintenance", "parentTeamId": rootID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	teamID := decodeMap(t, rr)["team"].(map[string]any)["id"].(string)

	rr = client.do(http.MethodPut, base+"/teams/"+rootID, token, map[string]string{"parentTeamId": teamID})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "ROOT_TEAM", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodGet, base+"/teams", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, decodeMap(t, rr)["teams"], 2)

	rr = client.do(http.MethodPost, base+"/channels/"+channelID+"/messages", token, map[string]any{
		"tool": map[string]any{"kind": "topic", "title": "Bike shed", "proposal": "Build one"},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	message := decodeMap(t, rr)
	require.Equal(t, "clarification", message["phase"])
	messageID := message["id"].(string)

	rr = client.do(http.MethodPost, base+"/messages/"+messageID+"/tool", token, map[string]string{"action": "resolve"})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "INVALID_PHASE", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodGet, base+"/decisions?targetType=topic", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decodeMap(t, rr)["items"].([]any)
	require.Len(t, items, 1)
	decisionID := items[0].(map[string]any)["id"].(string)

	rr = client.do(http.MethodGet, base+"/decisions/"+decisionID, token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = client.do(http.MethodGet, base+"/decisions/export?format=html", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	require.Contains(t, rr.Header().Get("Content-Disposition"), ".html")
	require.Contains(t, rr.Body.String(), "Bike shed")

	rr = client.do(http.MethodGet, base+"/decisions/export?format=docx", token, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = client.do(http.MethodGet, base+"/decisions?limit=ten", token, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = client.do(http.MethodGet, base+"/policies/unknown", token, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = client.do(http.MethodPost, base+"/policies", token, map[string]string{"title": "Quiet hours", "body": "After 10pm"})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "POLICIES_UNAVAILABLE", decodeMap(t, rr)["code"])

	rr = client.do(http.MethodGet, base+"/notifications/stream", token, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = client.do(http.MethodGet, base+"/nowhere", token, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestOrgRoutesHideForeignOrgs(t *testing.T) {
	client := newHTTPClient(t, newMemStore())
	owner := client.signUp("ada@example.com", "Ada")
	outsider := client.signUp("out@example.com", "Out")

	rr := client.do(http.MethodPost, "/api/orgs", owner, map[string]string{"name": "Private Circle"})
	require.Equal(t, http.StatusCreated, rr.Code)
	orgID := decodeMap(t, rr)["org"].(map[string]any)["id"].(string)

	rr = client.do(http.MethodGet, "/api/orgs/"+orgID+"/members", outsider, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "ORG_NOT_FOUND", decodeMap(t, rr)["code"])
}

func TestMapErrorFallsBackToServerError(t *testing.T) {
	status, code, message, _ := mapError(errors.New("boom"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "SERVER_ERROR", code)
	require.Equal(t, "Server error", message)
}

func TestNotificationStreamEndsOnShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	server := NewHTTPServer(newTestService(newMemStore()), "*", nil).WithLiveFeed(notify.NewRedisPublisher(rdb))
	client := &httpClient{t: t, handler: server.Handler()}
	token := client.signUp("ada@example.com", "Ada")
	rr := client.do(http.MethodPost, "/api/orgs", token, map[string]string{"name": "Riverside Housing"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	orgID := decodeMap(t, rr)["org"].(map[string]any)["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/orgs/"+orgID+"/notifications/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	stream := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.handler.ServeHTTP(stream, req)
	}()

	server.CloseStreams()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notification stream still open after CloseStreams")
	}
	require.Equal(t, http.StatusOK, stream.Code)
	require.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))
}
