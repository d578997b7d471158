package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"Parley/internal/errs"
	"Parley/internal/hub"
	"Parley/internal/model"
)

type stubService struct {
	sendErr  error
	sent     []model.Message
	actor    string
	updateID string
	fields   model.MessageUpdate
}

func (s *stubService) History(_ context.Context, a, b string) ([]model.Message, error) {
	if a == "" || b == "" {
		return nil, errs.Validation("userA", "must be a uuid")
	}
	return nil, nil
}

func (s *stubService) Inbox(context.Context, string) ([]model.Message, error) {
	return nil, errs.Transient("fetch inbox", errors.New("mongo down"))
}

func (s *stubService) Send(_ context.Context, msg model.Message) (model.Message, error) {
	if s.sendErr != nil {
		return model.Message{}, s.sendErr
	}
	s.sent = append(s.sent, msg)
	msg.ID = "srv-1"
	return msg, nil
}

func (s *stubService) Update(_ context.Context, actor, id string, fields model.MessageUpdate) (model.Message, error) {
	s.actor, s.updateID, s.fields = actor, id, fields
	if id == "missing" {
		return model.Message{}, errs.NotFound("message missing")
	}
	return model.Message{ID: id, IsRead: true}, nil
}

func (s *stubService) MarkConversationRead(context.Context, string, string) (int, error) {
	return 2, nil
}

func (s *stubService) Reservations(context.Context, string, string) ([]model.Reservation, error) {
	return []model.Reservation{{ID: "r1", Status: model.ReservationApproved}}, nil
}

func (s *stubService) Access(context.Context, string, string) (model.AccessState, *model.Reservation, error) {
	return model.Locked(model.ReasonNotStarted), &model.Reservation{ID: "r1"}, nil
}

func (s *stubService) CreateReservation(_ context.Context, r model.Reservation) (model.Reservation, error) {
	r.ID = "r-new"
	return r, nil
}

func newRouter(svc *stubService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mh := NewMessageHandler(svc, zap.NewNop())
	rh := NewReservationHandler(svc, zap.NewNop())
	r.GET("/api/messages", mh.GetHistory)
	r.GET("/api/messages/inbox", mh.GetInbox)
	r.POST("/api/messages", mh.SendMessage)
	r.PATCH("/api/messages/:id", mh.UpdateMessage)
	r.POST("/api/messages/read", mh.MarkConversationRead)
	r.GET("/api/reservations", rh.GetReservations)
	r.GET("/api/access", rh.GetAccess)
	r.POST("/api/reservations", rh.CreateReservation)
	return r
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHistoryReturnsEmptyList(t *testing.T) {
	w := do(newRouter(&stubService{}), http.MethodGet, "/api/messages?userA=a&userB=b", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"validation": {errs.Validation("content", "must not be empty"), http.StatusBadRequest, errs.CodeValidation},
		"access":     {errs.AccessDenied(model.ReasonNotStarted), http.StatusForbidden, errs.CodeAccessDenied},
		"permission": {errs.Permission("send", "nope"), http.StatusForbidden, errs.CodePermission},
		"transient":  {errs.Transient("send", errors.New("boom")), http.StatusServiceUnavailable, errs.CodeTransient},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRouter(&stubService{sendErr: tc.err})
			w := do(r, http.MethodPost, "/api/messages", `{"sender_id":"a","receiver_id":"b","content":"hi"}`, nil)

			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decodeError(t, w).Code)
		})
	}

	w := do(newRouter(&stubService{}), http.MethodPost, "/api/messages", `{"sender_id":"a","receiver_id":"b","content":"hi"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
}

func TestAccessDeniedCarriesReason(t *testing.T) {
	r := newRouter(&stubService{sendErr: errs.AccessDenied(model.ReasonSessionEnded)})
	w := do(r, http.MethodPost, "/api/messages", `{"sender_id":"a","receiver_id":"b","content":"hi"}`, nil)

	assert.Equal(t, model.ReasonSessionEnded, decodeError(t, w).Error)
}

func TestSendRejectsForeignSender(t *testing.T) {
	svc := &stubService{}
	w := do(newRouter(svc), http.MethodPost, "/api/messages",
		`{"sender_id":"a","receiver_id":"b","content":"hi"}`, map[string]string{ActorHeader: "mallory"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, svc.sent)
}

func TestSendRejectsMalformedBody(t *testing.T) {
	w := do(newRouter(&stubService{}), http.MethodPost, "/api/messages", `{"content":`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errs.CodeValidation, decodeError(t, w).Code)
}

func TestUpdatePassesActorAndFields(t *testing.T) {
	svc := &stubService{}
	w := do(newRouter(svc), http.MethodPatch, "/api/messages/m1", `{"is_read":true}`, map[string]string{ActorHeader: "bob"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", svc.actor)
	assert.Equal(t, "m1", svc.updateID)
	require.NotNil(t, svc.fields.IsRead)
	assert.True(t, *svc.fields.IsRead)

	w = do(newRouter(svc), http.MethodPatch, "/api/messages/missing", `{"is_read":true}`, map[string]string{ActorHeader: "bob"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errs.CodeNotFound, decodeError(t, w).Code)
}

func TestInboxTransientFailure(t *testing.T) {
	w := do(newRouter(&stubService{}), http.MethodGet, "/api/messages/inbox?viewer=a", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMarkConversationRead(t *testing.T) {
	w := do(newRouter(&stubService{}), http.MethodPost, "/api/messages/read?partner=a", "", map[string]string{ActorHeader: "b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"marked":2}`, w.Body.String())
}

func TestReservationEndpoints(t *testing.T) {
	r := newRouter(&stubService{})

	w := do(r, http.MethodGet, "/api/reservations?userA=a&userB=b", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Reservations []model.Reservation `json:"reservations"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Reservations, 1)
	assert.Equal(t, "r1", list.Reservations[0].ID)

	w = do(r, http.MethodGet, "/api/access?userA=a&userB=b", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"locked(not yet started)"`)

	w = do(r, http.MethodPost, "/api/reservations", `{"requester_id":"a","provider_id":"b"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), `"r-new"`)
}

func TestMonitorFiltersByTransport(t *testing.T) {
	h := hub.NewHub(hub.Options{})
	defer h.Stop()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stats", NewMonitorHandler(hub.NewMonitorService(h)).GetHubStats)

	w := do(r, http.MethodGet, "/stats?transport=websocket", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ResponseBody model.MonitorResponse
		IsSuccess    bool
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.IsSuccess)
	assert.Equal(t, "idle", body.ResponseBody.Status)
	assert.Empty(t, body.ResponseBody.Clients)
}
