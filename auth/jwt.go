// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/fleetbus/fleetbus/pkg/errors"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/golang-jwt/jwt/v5"
)

var (
	errParseToken   = errors.New("failed to parse token")
	errMissingSub   = errors.New("token has no subject")
	errUnexpectedAl = errors.New("unexpected signing method")
)

var _ Authenticator = (*tokenizer)(nil)

type tokenizer struct {
	secret []byte
}

// NewTokenizer returns an Authenticator verifying HMAC-signed JWTs issued by
// the external auth service.
func NewTokenizer(secret []byte) Authenticator {
	return &tokenizer{secret: secret}
}

func (t *tokenizer) Identify(_ context.Context, token string) (Session, error) {
	parsed, err := jwt.Parse(token, func(tkn *jwt.Token) (interface{}, error) {
		if _, ok := tkn.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedAl
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Session{}, errors.Wrap(svcerr.ErrAuthentication, errors.Wrap(errParseToken, err))
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Session{}, errors.Wrap(svcerr.ErrAuthentication, errParseToken)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Session{}, errors.Wrap(svcerr.ErrAuthentication, errMissingSub)
	}

	session := Session{CustomerID: sub}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		session.IssuedAt = iat.Unix()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		session.ExpiresAt = exp.Unix()
	}

	return session, nil
}
