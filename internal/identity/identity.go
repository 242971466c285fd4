// Package identity turns connection credentials into the durable user id used
// for host reclaim. It never issues tokens.
package identity

import (
	"context"
	"errors"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	ErrTokenInvalid = errors.New("token is invalid")
	ErrTokenExpired = errors.New("token has expired")
	ErrNoSecret     = errors.New("jwt secret not configured")
)

type Options struct {
	Secret string
	// Issuer, when set, must match the iss claim.
	Issuer string
	// TrustClientIDs accepts the id a client claims when no valid token is presented.
	TrustClientIDs bool
	// AnonymousReclaim uses the client token cookie as a last resort.
	AnonymousReclaim bool
}

type Resolver struct {
	secret []byte
	opts   Options
}

var _ core.IdentityResolver = (*Resolver)(nil)

func NewResolver(opts Options) *Resolver {
	return &Resolver{secret: []byte(opts.Secret), opts: opts}
}

// Verify checks an HS256 token and returns its subject.
func (r *Resolver) Verify(tokenString string) (domain.UserID, error) {
	if len(r.secret) == 0 {
		return "", ErrNoSecret
	}
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if r.opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(r.opts.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return r.secret, nil
	}, parserOpts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrTokenInvalid
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrTokenInvalid
	}

	uid := domain.UserID(claims.Subject)
	if err := uid.Validate(); err != nil {
		return "", ErrTokenInvalid
	}
	return uid, nil
}

// Resolve picks the durable id for a join: verified token subject first, then
// the claimed id if trusted, then the anonymous client token if enabled.
// An empty result disables reclaim for that join.
func (r *Resolver) Resolve(_ context.Context, token string, claimed domain.UserID, anonymous string) domain.UserID {
	if token != "" {
		uid, err := r.Verify(token)
		if err == nil {
			return uid
		}
		log.Debug().Err(err).Str("module", "identity").Msg("token rejected")
	}
	if r.opts.TrustClientIDs && claimed != "" {
		if err := claimed.Validate(); err == nil {
			return claimed
		}
	}
	if r.opts.AnonymousReclaim && anonymous != "" {
		uid := domain.UserID("anon:" + anonymous)
		if uid.Validate() == nil {
			return uid
		}
	}
	return ""
}
