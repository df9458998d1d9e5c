// Package links builds the approve/reject URLs sent to approvers and checks
// the optional signed tokens carried by them.
package links

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opex/internal/approval"
)

var ErrInvalidToken = errors.New("invalid decision token")

// Builder renders decision links. With Signed off the link carries the
// approver e-mail in clear, and possession of the address is the only
// credential.
type Builder struct {
	BaseURL string
	Signed  bool
	Secret  string
	TTL     time.Duration
	Now     func() time.Time
}

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Step  int    `json:"step"`
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// DecisionURL returns the link an approver follows for one action.
func (b Builder) DecisionURL(requestID, email string, step int, action approval.Action) (string, error) {
	q := url.Values{}
	q.Set("action", string(action))
	if b.Signed {
		token, err := b.Sign(requestID, email, step)
		if err != nil {
			return "", err
		}
		q.Set("token", token)
	} else {
		q.Set("email", email)
	}
	base := strings.TrimRight(b.BaseURL, "/")
	return fmt.Sprintf("%s/public/requests/%s/decision?%s", base, url.PathEscape(requestID), q.Encode()), nil
}

// Sign issues a token bound to the request, the approver and the step.
func (b Builder) Sign(requestID, email string, step int) (string, error) {
	if strings.TrimSpace(b.Secret) == "" {
		return "", errors.New("link secret not configured")
	}
	now := b.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  requestID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email: strings.TrimSpace(email),
		Step:  step,
	}
	if b.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(b.TTL))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(b.Secret))
}

// Verify checks a token for the given request and returns its claims. The
// caller still compares the step with the request's current step.
func (b Builder) Verify(token, requestID string) (Claims, error) {
	if strings.TrimSpace(b.Secret) == "" {
		return Claims{}, errors.New("link secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(b.now),
		jwt.WithSubject(requestID),
	)
	claims := Claims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(b.Secret), nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Email == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
