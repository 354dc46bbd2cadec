package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/events"
	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/payments"
	"github.com/ChienAnTu/Bookhive/services"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, models.Migrate(db))
	return db
}

func send(r http.Handler, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAbortWithErrorMapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		msg    string
	}{
		{services.NotFound("order %s not found", "o1"), http.StatusNotFound, "order o1 not found"},
		{services.Forbidden("access denied"), http.StatusForbidden, "access denied"},
		{services.Validation("bad input"), http.StatusBadRequest, "bad input"},
		{services.Conflict("order changed"), http.StatusConflict, "order changed"},
		{services.Upstream(&payments.ProcessorError{Code: "card_declined", Msg: "declined"}), http.StatusBadRequest, "card_declined: declined"},
		{fmt.Errorf("load order: %w", services.Conflict("stale")), http.StatusConflict, "stale"},
		{errors.New("connection reset"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tc := range cases {
		r := gin.New()
		r.GET("/", func(c *gin.Context) { abortWithError(c, tc.err) })

		w := send(r, http.MethodGet, "/", "")
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tc.msg, body["error"])
	}
}

func TestAuthFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	utils.ConfigureTokens("controller-secret", time.Hour)
	db := testDB(t)

	r := gin.New()
	r.POST("/register", Register(db))
	r.POST("/login", Login(db, time.Hour, false))
	r.POST("/refresh", RefreshToken(db))
	r.POST("/logout", Logout(db, false))

	w := send(r, http.MethodPost, "/register", `{"full_name":"Dana","email":"Dana@Example.com","password":"secret1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = send(r, http.MethodPost, "/register", `{"full_name":"Dana","email":"dana@example.com","password":"secret1"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = send(r, http.MethodPost, "/login", `{"email":"dana@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = send(r, http.MethodPost, "/login", `{"email":"dana@example.com","password":"secret1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	assert.Equal(t, models.RoleUser, login.Role)
	claims, err := utils.ValidateJWT(login.Token)
	require.NoError(t, err)
	assert.Equal(t, models.RoleUser, claims.Role)

	var cookie *http.Cookie
	for _, ck := range w.Result().Cookies() {
		if ck.Name == refreshCookie {
			cookie = ck
		}
	}
	require.NotNil(t, cookie)

	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/refresh", "", cookie).Code)
	assert.Equal(t, http.StatusUnauthorized, send(r, http.MethodPost, "/refresh", "").Code)

	require.NoError(t, db.Model(&models.User{}).Where("email = ?", "dana@example.com").Update("blocked", true).Error)
	assert.Equal(t, http.StatusForbidden, send(r, http.MethodPost, "/refresh", "", cookie).Code)

	assert.Equal(t, http.StatusOK, send(r, http.MethodPost, "/logout", "", cookie).Code)
	assert.Equal(t, http.StatusUnauthorized, send(r, http.MethodPost, "/refresh", "", cookie).Code)
}

func TestWebhookEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testDB(t)
	proc := payments.NewFake()
	rec := &events.Recorder{}
	svc := services.NewPaymentService(db, proc, services.NewOrderService(db, rec), rec, "aud")

	r := gin.New()
	r.POST("/webhook", Webhook(svc))
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook",
			strings.NewReader(`{"id":"evt_1","type":"payment_intent.payment_failed","intent_id":"pi_missing"}`))
		req.Header.Set("Stripe-Signature", sig)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, post("whsec_wrong").Code)

	w := post(proc.Secret)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"received":true,"duplicate":false}`, w.Body.String())

	w = post(proc.Secret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"duplicate":true}`, w.Body.String())
	assert.Equal(t, 1, rec.Count(events.PaymentFailed))
}

func TestSendMessageAndUnread(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := testDB(t)
	alice := models.User{FullName: "Alice", Email: "alice@example.com", Password: "x", Role: models.RoleUser}
	bob := models.User{FullName: "Bob", Email: "bob@example.com", Password: "x", Role: models.RoleUser}
	require.NoError(t, db.Create(&alice).Error)
	require.NoError(t, db.Create(&bob).Error)

	as := func(id uint) gin.HandlerFunc {
		return func(c *gin.Context) { c.Set("userId", id) }
	}
	r := gin.New()
	r.POST("/as/:me/messages", func(c *gin.Context) {
		if c.Param("me") == "alice" {
			as(alice.ID)(c)
		} else {
			as(bob.ID)(c)
		}
	}, SendMessage(db))
	r.GET("/unread", as(bob.ID), UnreadCount(db))
	r.PUT("/read/:userId", as(bob.ID), MarkConversationRead(db))
	r.GET("/conversation/:userId", as(alice.ID), GetConversation(db))

	w := send(r, http.MethodPost, "/as/alice/messages", fmt.Sprintf(`{"receiver_id":%d,"content":"is Dune still free?"}`, bob.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = send(r, http.MethodPost, "/as/alice/messages", fmt.Sprintf(`{"receiver_id":%d,"content":"hello me"}`, alice.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = send(r, http.MethodPost, "/as/bob/messages", fmt.Sprintf(`{"receiver_id":%d,"content":"yes"}`, alice.ID))
	require.Equal(t, http.StatusCreated, w.Code)

	assert.JSONEq(t, `{"unread":1}`, send(r, http.MethodGet, "/unread", "").Body.String())
	assert.JSONEq(t, `{"updated":1}`, send(r, http.MethodPut, fmt.Sprintf("/read/%d", alice.ID), "").Body.String())
	assert.JSONEq(t, `{"unread":0}`, send(r, http.MethodGet, "/unread", "").Body.String())

	var conv struct {
		Messages []models.Message `json:"messages"`
	}
	w = send(r, http.MethodGet, fmt.Sprintf("/conversation/%d", bob.ID), "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "is Dune still free?", conv.Messages[0].Content)
}

type stubSweep struct{ err error }

func (s stubSweep) RunNow(context.Context) (services.SweepReport, error) {
	return services.SweepReport{Overdue: 2}, s.err
}

func TestRunSweepAnswersConflictWhenBusy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/idle", RunSweep(stubSweep{}))
	r.POST("/busy", RunSweep(stubSweep{err: services.Conflict("order sweep is already running")}))

	w := send(r, http.MethodPost, "/idle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"overdue":2`)

	w = send(r, http.MethodPost, "/busy", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
