package utils // package utils provides helper functions for token creation and hashing

import (
    "errors"
    "time"

    "github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens

    "github.com/iliyamo/session-gateway/internal/model"
)

// AccessToken represents a signed JWT access token along with its expiry.
// The Token field contains the JWT string.  Exp stores the expiration
// timestamp as a time.Time.  Access tokens are short-lived and presented in
// the Authorization header, or as the `token` query parameter when opening
// a WebSocket.
type AccessToken struct {
    Token string    // the serialized JWT string
    Exp   time.Time // the UTC expiration time
}

var ErrInvalidToken = errors.New("invalid token")

// NewAccessToken builds and signs an HS256 JWT for a user.  The claims are
// the documented payload shape: subject (sub), role, expiration (exp) and
// issued at (iat).
func NewAccessToken(secret, username, role string, ttl time.Duration) (AccessToken, error) {
    exp := time.Now().UTC().Add(ttl)
    claims := jwt.MapClaims{
        "sub":  username,
        "role": role,
        "exp":  exp.Unix(),
        "iat":  time.Now().UTC().Unix(),
    }
    t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
    signed, err := t.SignedString([]byte(secret))
    if err != nil {
        return AccessToken{}, err
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}

// ParseToken validates signature and expiry and returns the principal.
// Any failure collapses into ErrInvalidToken; callers map it to 401 or WS
// close code 1008.
func ParseToken(secret, raw string) (model.Principal, error) {
    tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
        // Type assert the signing method to HMAC; reject others.
        if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, ErrInvalidToken
        }
        return []byte(secret), nil
    })
    if err != nil || !tok.Valid {
        return model.Principal{}, ErrInvalidToken
    }
    claims, ok := tok.Claims.(jwt.MapClaims)
    if !ok {
        return model.Principal{}, ErrInvalidToken
    }
    sub, _ := claims["sub"].(string)
    if sub == "" {
        return model.Principal{}, ErrInvalidToken
    }
    role, _ := claims["role"].(string)
    if role == "" {
        role = model.RoleUser
    }
    return model.Principal{Username: sub, Role: role}, nil
}
