package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func newManager(expireHours, refreshHours int) *TokenManager {
	return NewTokenManager(testSecret, expireHours, refreshHours)
}

func TestGenerateAndParseToken(t *testing.T) {
	tm := newManager(24, 48)
	userID := uuid.NewString()

	tokenString, err := tm.GenerateToken(userID, 987654321, "member_one")
	require.NoError(t, err)
	require.NotEmpty(t, tokenString)

	claims, err := tm.ParseToken(tokenString)
	require.NoError(t, err)

	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, int64(987654321), claims.ChatUserID)
	assert.Equal(t, "member_one", claims.UserName)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestParseToken_Invalid(t *testing.T) {
	tm := newManager(24, 48)

	t.Run("garbage token", func(t *testing.T) {
		_, err := tm.ParseToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenManager("different-secret", 24, 48)
		tokenString, err := other.GenerateToken(uuid.NewString(), 1000, "member")
		require.NoError(t, err)

		_, err = tm.ParseToken(tokenString)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("non-HMAC signing method rejected", func(t *testing.T) {
		// alg=none 的令牌必须被拒绝，不能退化为未签名解析。
		token := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, Claims{
			UserID:     uuid.NewString(),
			ChatUserID: 1000,
			RegisteredClaims: jwtlib.RegisteredClaims{
				ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		tokenString, err := token.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = tm.ParseToken(tokenString)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestParseToken_Expired(t *testing.T) {
	tm := newManager(24, 48)

	claims := Claims{
		UserID:     uuid.NewString(),
		ChatUserID: 1000,
		UserName:   "member",
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(-time.Hour)),
			IssuedAt:  jwtlib.NewNumericDate(time.Now().Add(-2 * time.Hour)),
		},
	}
	tokenString, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = tm.ParseToken(tokenString)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestParseToken_NotYetValid(t *testing.T) {
	tm := newManager(24, 48)

	claims := Claims{
		UserID:     uuid.NewString(),
		ChatUserID: 1000,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(2 * time.Hour)),
			NotBefore: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tokenString, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = tm.ParseToken(tokenString)
	assert.ErrorIs(t, err, ErrTokenNotYetValid)
}

func TestRefreshToken(t *testing.T) {
	signed := func(t *testing.T, expiresAt time.Time) (string, Claims) {
		t.Helper()
		claims := Claims{
			UserID:     uuid.NewString(),
			ChatUserID: 555,
			UserName:   "member",
			RegisteredClaims: jwtlib.RegisteredClaims{
				ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			},
		}
		tokenString, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return tokenString, claims
	}

	t.Run("refreshes a token close to expiry", func(t *testing.T) {
		tm := newManager(24, 48)
		tokenString, claims := signed(t, time.Now().Add(time.Hour))

		refreshed, err := tm.RefreshToken(tokenString)
		require.NoError(t, err)
		require.NotEmpty(t, refreshed)

		// 新令牌保留原有身份字段。
		parsed, err := tm.ParseToken(refreshed)
		require.NoError(t, err)
		assert.Equal(t, claims.UserID, parsed.UserID)
		assert.Equal(t, claims.ChatUserID, parsed.ChatUserID)
		assert.Equal(t, claims.UserName, parsed.UserName)
	})

	t.Run("refreshes a recently expired token", func(t *testing.T) {
		tm := newManager(24, 48)
		tokenString, _ := signed(t, time.Now().Add(-time.Hour))

		refreshed, err := tm.RefreshToken(tokenString)
		require.NoError(t, err)
		assert.NotEmpty(t, refreshed)
	})

	t.Run("refuses a token far from expiry", func(t *testing.T) {
		tm := newManager(24, 1)
		tokenString, _ := signed(t, time.Now().Add(20*time.Hour))

		_, err := tm.RefreshToken(tokenString)
		assert.Error(t, err)
	})

	t.Run("refuses a token expired beyond the window", func(t *testing.T) {
		tm := newManager(24, 1)
		tokenString, _ := signed(t, time.Now().Add(-2*time.Hour))

		_, err := tm.RefreshToken(tokenString)
		assert.Error(t, err)
	})

	t.Run("refuses a token signed with another secret", func(t *testing.T) {
		tm := newManager(24, 48)
		other := NewTokenManager("different-secret", 24, 48)
		tokenString, err := other.GenerateToken(uuid.NewString(), 555, "member")
		require.NoError(t, err)

		_, err = tm.RefreshToken(tokenString)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestGetUserIDFromToken(t *testing.T) {
	tm := newManager(24, 48)
	userID := uuid.NewString()

	t.Run("valid token", func(t *testing.T) {
		tokenString, err := tm.GenerateToken(userID, 1000, "member")
		require.NoError(t, err)

		got, err := tm.GetUserIDFromToken(tokenString)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("works for an expired token", func(t *testing.T) {
		claims := Claims{
			UserID:     userID,
			ChatUserID: 1000,
			RegisteredClaims: jwtlib.RegisteredClaims{
				ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		tokenString, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)

		got, err := tm.GetUserIDFromToken(tokenString)
		require.NoError(t, err)
		assert.Equal(t, userID, got)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := tm.GetUserIDFromToken("garbage")
		assert.Error(t, err)
	})
}
