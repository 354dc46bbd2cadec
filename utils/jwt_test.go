package utils

import (
	"fmt"
	"testing"
	"time"

	"github.com/ChienAnTu/Bookhive/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func TestCreateAndValidateToken(t *testing.T) {
	ConfigureTokens("test-secret", time.Hour)

	token, err := CreateToken(42, models.RoleAdmin)
	require.NoError(t, err)

	claims, err := ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
}

func TestValidateJWTRejectsBadInput(t *testing.T) {
	ConfigureTokens("test-secret", time.Hour)

	_, err := ValidateJWT("")
	assert.Error(t, err)

	token, err := CreateToken(1, models.RoleUser)
	require.NoError(t, err)

	ConfigureTokens("other-secret", time.Hour)
	_, err = ValidateJWT(token)
	assert.Error(t, err)
}

func TestRefreshTokenLifecycle(t *testing.T) {
	db := testDB(t)

	raw, hashed, err := GenerateRefreshToken()
	require.NoError(t, err)
	assert.NotEqual(t, raw, hashed)

	require.NoError(t, SaveRefreshToken(db, 7, hashed, time.Now().Add(time.Hour)))

	rt, err := ValidateRefreshToken(db, raw)
	require.NoError(t, err)
	assert.Equal(t, uint(7), rt.UserID)

	// a second login replaces the stored token
	raw2, hashed2, err := GenerateRefreshToken()
	require.NoError(t, err)
	require.NoError(t, SaveRefreshToken(db, 7, hashed2, time.Now().Add(time.Hour)))

	_, err = ValidateRefreshToken(db, raw)
	assert.Error(t, err)
	_, err = ValidateRefreshToken(db, raw2)
	assert.NoError(t, err)

	require.NoError(t, DeleteRefreshToken(db, raw2))
	_, err = ValidateRefreshToken(db, raw2)
	assert.Error(t, err)
}

func TestExpiredRefreshTokenRejected(t *testing.T) {
	db := testDB(t)

	raw, hashed, err := GenerateRefreshToken()
	require.NoError(t, err)
	require.NoError(t, SaveRefreshToken(db, 3, hashed, time.Now().Add(-time.Minute)))

	_, err = ValidateRefreshToken(db, raw)
	assert.Error(t, err)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret!")
	require.NoError(t, err)
	assert.True(t, CheckPasswordHash("s3cret!", hash))
	assert.False(t, CheckPasswordHash("wrong", hash))
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(2000), ToCents(decimal.NewFromInt(20)))
	assert.Equal(t, int64(1235), ToCents(decimal.RequireFromString("12.345")))
	assert.Equal(t, int64(3), ToCents(decimal.RequireFromString("0.025")))
	assert.True(t, FromCents(3400).Equal(decimal.RequireFromString("34")))
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	db := testDB(t)

	require.NoError(t, SeedDefaults(db, "admin@bookhive.test", "pw123456"))
	require.NoError(t, SeedDefaults(db, "admin@bookhive.test", "pw123456"))

	var fees, admins int64
	db.Model(&models.ServiceFee{}).Count(&fees)
	db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&admins)
	assert.Equal(t, int64(1), fees)
	assert.Equal(t, int64(1), admins)
}
