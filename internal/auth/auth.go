// Package auth verifies the credentials a connection presents and turns
// them into the identity the session is bound to.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/metrics"
)

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidSignature  = errors.New("auth: invalid signature")
	ErrExpired           = errors.New("auth: credential expired")
	ErrInvalidSecret     = errors.New("auth: invalid secret")
	ErrRoomMismatch      = errors.New("auth: credential is for another document")
	ErrSecretDisabled    = errors.New("auth: shared secret path disabled")
)

const (
	HeaderUserID     = "X-User-Id"
	HeaderCanEdit    = "X-Can-Edit"
	HeaderDocumentID = "X-Document-Id"
)

// Path tells which verification strategy a credential goes through.
type Path string

const (
	PathToken  Path = "token"
	PathSecret Path = "secret"
)

// Credential is what a connection presents during the handshake.
type Credential struct {
	Path Path

	Token string // PathToken

	Secret     string // PathSecret
	UserID     string
	CanEdit    string
	DocumentID string

	RemoteAddr string
}

// Identity is the verified outcome of a credential.
type Identity struct {
	UserID     string
	DocumentID string
	CanEdit    bool
	Path       Path
}

// CredentialFromRequest extracts the credential of an HTTP or websocket
// handshake. A bearer token (header or ?token=) selects the token path, a
// bare Authorization value selects the shared secret path.
func CredentialFromRequest(r *http.Request) Credential {
	c := Credential{RemoteAddr: r.RemoteAddr}
	header := r.Header.Get("Authorization")

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		c.Path, c.Token = PathToken, strings.TrimSpace(token)
		return c
	}
	if header != "" {
		c.Path = PathSecret
		c.Secret = header
		c.UserID = r.Header.Get(HeaderUserID)
		c.CanEdit = r.Header.Get(HeaderCanEdit)
		c.DocumentID = r.Header.Get(HeaderDocumentID)
		return c
	}
	if token := r.URL.Query().Get("token"); token != "" {
		c.Path, c.Token = PathToken, token
	}
	return c
}

// Verifier checks a credential against the room the client asked for.
type Verifier interface {
	Verify(ctx context.Context, c Credential, room string) (Identity, error)
}

// Claims is the payload of tokens minted by the document application.
type Claims struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	CanEdit    bool   `json:"can_edit"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 tokens signed with the shared secret.
type TokenVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

func NewTokenVerifier(secret []byte, leeway time.Duration) *TokenVerifier {
	return &TokenVerifier{secret: secret, leeway: leeway, now: time.Now}
}

func (v *TokenVerifier) Verify(_ context.Context, c Credential, room string) (Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(c.Token, claims, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		// the signature checked out, so the claims name who it was
		return Identity{UserID: claims.UserID, DocumentID: claims.DocumentID, Path: PathToken},
			fmt.Errorf("%w: %v", ErrExpired, err)
	case err != nil:
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	id := Identity{
		UserID:     claims.UserID,
		DocumentID: claims.DocumentID,
		CanEdit:    claims.CanEdit,
		Path:       PathToken,
	}
	if id.DocumentID != room {
		return id, ErrRoomMismatch
	}
	return id, nil
}

// Sign mints a token for id, valid for ttl. The document application does
// this in production; docsync uses it for tooling and tests.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:     id.UserID,
		DocumentID: id.DocumentID,
		CanEdit:    id.CanEdit,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// SecretVerifier trusts explicit identity headers from callers that know
// the shared secret. Only meant for internal listeners.
type SecretVerifier struct {
	secret []byte
}

func NewSecretVerifier(secret []byte) *SecretVerifier {
	return &SecretVerifier{secret: secret}
}

// Check compares a presented secret in constant time.
func (v *SecretVerifier) Check(presented string) bool {
	return len(v.secret) > 0 && subtle.ConstantTimeCompare([]byte(presented), v.secret) == 1
}

func (v *SecretVerifier) Verify(_ context.Context, c Credential, room string) (Identity, error) {
	if !v.Check(c.Secret) {
		return Identity{UserID: c.UserID, DocumentID: room}, ErrInvalidSecret
	}
	canEdit, _ := strconv.ParseBool(c.CanEdit)
	id := Identity{
		UserID:     c.UserID,
		DocumentID: room,
		CanEdit:    canEdit,
		Path:       PathSecret,
	}
	if c.DocumentID != "" && c.DocumentID != room {
		id.DocumentID = c.DocumentID
		return id, ErrRoomMismatch
	}
	return id, nil
}

// Chain dispatches a credential to the strategy its path names and writes
// the audit trail for every attempt.
type Chain struct {
	Token  *TokenVerifier
	Secret *SecretVerifier // nil disables the shared secret path

	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewChain(token *TokenVerifier, secret *SecretVerifier, log zerolog.Logger, m *metrics.Metrics) *Chain {
	return &Chain{Token: token, Secret: secret, log: logger.Component(log, "auth"), metrics: m}
}

func (ch *Chain) Verify(ctx context.Context, c Credential, room string) (Identity, error) {
	var (
		id  Identity
		err error
	)
	switch c.Path {
	case PathToken:
		id, err = ch.Token.Verify(ctx, c, room)
	case PathSecret:
		if ch.Secret == nil {
			err = ErrSecretDisabled
			break
		}
		id, err = ch.Secret.Verify(ctx, c, room)
	default:
		err = ErrMissingCredential
	}

	ev := logger.AuditEvent{
		Action:     "authenticate",
		UserID:     id.UserID,
		DocumentID: room,
		CanEdit:    id.CanEdit,
		Path:       string(c.Path),
		RemoteAddr: c.RemoteAddr,
		Outcome:    logger.OutcomeSuccess,
		Err:        err,
	}
	if err != nil {
		ev.Outcome = logger.OutcomeFailure
	}
	logger.Audit(ch.log, ev)

	if errors.Is(err, ErrRoomMismatch) {
		ch.log.Warn().
			Str("user_id", id.UserID).
			Str("credential_document_id", id.DocumentID).
			Str("requested_document_id", room).
			Str("remote_addr", c.RemoteAddr).
			Msg("credential presented for another document, possible attack")
	}

	if ch.metrics != nil {
		outcome := logger.OutcomeSuccess
		if err != nil {
			outcome = Reason(err)
		}
		ch.metrics.AuthAttempts.WithLabelValues(string(c.Path), outcome).Inc()
	}

	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Reason maps an auth error to a short machine readable code.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidSecret):
		return "invalid_secret"
	case errors.Is(err, ErrRoomMismatch):
		return "room_mismatch"
	case errors.Is(err, ErrSecretDisabled):
		return "secret_disabled"
	default:
		return "missing_credential"
	}
}
