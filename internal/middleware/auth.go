package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/corebank/ledger/internal/models"
	"github.com/corebank/ledger/internal/services"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const callerKey contextKey = "caller"

// Claims is the bearer token payload issued by the session layer.
type Claims struct {
	AccountNumber string `json:"account_number"`
	IsAdmin       bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and turns them into a Caller.
type Authenticator struct {
	secret       []byte
	adminAccount string
	expiry       time.Duration
}

func NewAuthenticator(secret, adminAccount string, expiry time.Duration) *Authenticator {
	return &Authenticator{
		secret:       []byte(secret),
		adminAccount: adminAccount,
		expiry:       expiry,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get token from Authorization header
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			services.SendErrorResponse(w, "Authorization header required", http.StatusUnauthorized, nil)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			services.SendErrorResponse(w, "Invalid authorization header format", http.StatusUnauthorized, nil)
			return
		}

		caller, err := a.ValidateToken(parts[1])
		if err != nil {
			services.SendErrorResponse(w, "Invalid token", http.StatusUnauthorized, nil)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// ValidateToken parses a token and returns the caller it identifies. The
// configured admin account is an administrator regardless of the claim.
func (a *Authenticator) ValidateToken(tokenString string) (models.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Caller{}, err
	}
	if !token.Valid {
		return models.Caller{}, errors.New("token is not valid")
	}
	if !models.ValidAccountNumber(claims.AccountNumber) {
		return models.Caller{}, errors.New("token carries no account number")
	}

	return models.Caller{
		AccountNumber: claims.AccountNumber,
		IsAdmin:       claims.IsAdmin || claims.AccountNumber == a.adminAccount,
	}, nil
}

// IssueToken signs a token for caller. Sessions are issued elsewhere; this
// exists for operators and tests.
func (a *Authenticator) IssueToken(caller models.Caller, now time.Time) (string, error) {
	claims := Claims{
		AccountNumber: caller.AccountNumber,
		IsAdmin:       caller.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.AccountNumber,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFrom returns the authenticated caller stored by Middleware.
func CallerFrom(ctx context.Context) (models.Caller, bool) {
	caller, ok := ctx.Value(callerKey).(models.Caller)
	return caller, ok
}
