package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/swax/naisys-hub/internal/model"
)

// Handshake headers presented on the websocket upgrade request.
const (
	HeaderAccessKey  = "X-Hub-Access-Key"
	HeaderClientKind = "X-Hub-Client-Kind"
	HeaderClientName = "X-Hub-Client-Name"
	HeaderHostName   = "X-Hub-Host-Name"
)

// ErrUnauthorized is returned when a handshake presents no valid credential.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is who a connection claims to be. HostName is the owning host for
// runners and equals Name for hosts and peer hubs.
type Identity struct {
	Kind     model.ClientKind
	Name     string
	HostName string
}

// Authenticator checks handshake credentials.
type Authenticator struct {
	accessKey string
	tokens    *JWTManager
}

// NewAuthenticator returns an Authenticator for the configured access key,
// which may be plaintext or an Argon2id hash. tokens may be nil, in which
// case session tokens are neither issued nor accepted.
func NewAuthenticator(accessKey string, tokens *JWTManager) *Authenticator {
	return &Authenticator{accessKey: accessKey, tokens: tokens}
}

// CheckAccessKey reports whether presented matches the configured key.
func (a *Authenticator) CheckAccessKey(presented string) bool {
	if presented == "" || a.accessKey == "" {
		DummyVerify()
		return false
	}
	if IsHashedKey(a.accessKey) {
		ok, err := VerifyAccessKey(presented, a.accessKey)
		return err == nil && ok
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.accessKey)) == 1
}

// Authenticate resolves the identity of an upgrade request. A bearer session
// token takes precedence over the access key; its claims override the
// identity headers.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && a.tokens != nil {
		claims, err := a.tokens.ValidateToken(bearer)
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return claims.Identity(), nil
	}

	if !a.CheckAccessKey(r.Header.Get(HeaderAccessKey)) {
		return Identity{}, ErrUnauthorized
	}
	return IdentityFromHeaders(r.Header)
}

// IdentityFromHeaders parses and validates the identity headers.
func IdentityFromHeaders(h http.Header) (Identity, error) {
	id := Identity{
		Kind:     model.ClientKind(h.Get(HeaderClientKind)),
		Name:     h.Get(HeaderClientName),
		HostName: h.Get(HeaderHostName),
	}
	if !id.Kind.Valid() {
		return Identity{}, fmt.Errorf("auth: invalid client kind %q", id.Kind)
	}
	if err := model.ValidateName(id.Name); err != nil {
		return Identity{}, fmt.Errorf("auth: client name: %w", err)
	}
	if id.Kind != model.KindRunner {
		id.HostName = id.Name
	}
	if err := model.ValidateName(id.HostName); err != nil {
		return Identity{}, fmt.Errorf("auth: host name: %w", err)
	}
	return id, nil
}

// IssueToken issues a session token for id, or "" when tokens are disabled.
func (a *Authenticator) IssueToken(id Identity) (string, error) {
	if a.tokens == nil {
		return "", nil
	}
	tok, _, err := a.tokens.IssueToken(id)
	return tok, err
}

// SetHeaders writes the handshake headers for a dialing client.
func SetHeaders(h http.Header, accessKey string, id Identity) {
	h.Set(HeaderAccessKey, accessKey)
	h.Set(HeaderClientKind, string(id.Kind))
	h.Set(HeaderClientName, id.Name)
	if id.HostName != "" {
		h.Set(HeaderHostName, id.HostName)
	}
}
