package middlewares

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/ChienAnTu/Bookhive/utils"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	utils.ConfigureTokens("mw-secret", time.Hour)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	r := gin.New()
	r.Use(RequestLogger())
	api := r.Group("/api", AuthMiddleware(db))
	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.GetUint(ContextUserID), "role": c.GetString(ContextUserRole)})
	})
	api.GET("/admin", AdminOnly(), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r, db
}

func call(r *gin.Engine, path, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	r, db := setup(t)
	user := models.User{FullName: "Carol", Email: "carol@example.com", Password: "x", Role: models.RoleUser}
	require.NoError(t, db.Create(&user).Error)
	token, err := utils.CreateToken(user.ID, models.RoleUser)
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, call(r, "/api/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/api/me", "Token "+token).Code)
	assert.Equal(t, http.StatusUnauthorized, call(r, "/api/me", "Bearer garbage").Code)

	w := call(r, "/api/me", "Bearer "+token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, fmt.Sprintf(`{"id":%d,"role":"user"}`, user.ID), w.Body.String())

	assert.Equal(t, http.StatusForbidden, call(r, "/api/admin", "Bearer "+token).Code)

	require.NoError(t, db.Model(&user).Update("blocked", true).Error)
	assert.Equal(t, http.StatusForbidden, call(r, "/api/me", "Bearer "+token).Code)
}

func TestRoleComesFromTheAccount(t *testing.T) {
	r, db := setup(t)
	admin := models.User{FullName: "Admin", Email: "admin@example.com", Password: "x", Role: models.RoleAdmin}
	require.NoError(t, db.Create(&admin).Error)

	// a token minted before promotion still carries the old role
	token, err := utils.CreateToken(admin.ID, models.RoleUser)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call(r, "/api/admin", "Bearer "+token).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(1, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := []int{}
	for i := 0; i < 3; i++ {
		codes = append(codes, call(r, "/", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
