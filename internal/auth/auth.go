// Package auth negotiates how a client identifies itself during connection
// validation. The server offers methods; the client picks one.
package auth

import (
	"crypto/subtle"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/danmuck/pvagate/internal/protocol/wire"
)

const (
	MethodAnonymous = "anonymous"
	MethodCA        = "ca"
	MethodX509      = "x509"
)

var (
	ErrUnauthorized     = errors.New("auth: unauthorized")
	ErrMethodNotOffered = errors.New("auth: method not offered")
	ErrPeerCertRequired = errors.New("auth: peer certificate required")
	ErrNoCommonMethod   = errors.New("auth: no common method")
)

// Identity is who a peer authenticated as.
type Identity struct {
	Method string
	User   string
	Host   string
}

func (id Identity) String() string {
	if id.User == "" {
		return id.Method
	}
	if id.Host == "" {
		return id.Method + ":" + id.User
	}
	return fmt.Sprintf("%s:%s@%s", id.Method, id.User, id.Host)
}

// Validator accepts or refuses an identity.
type Validator interface {
	Validate(id Identity) error
}

// AllowUsers accepts only the listed user names.
type AllowUsers []string

func (a AllowUsers) Validate(id Identity) error {
	for _, u := range a {
		if subtle.ConstantTimeCompare([]byte(u), []byte(id.User)) == 1 {
			return nil
		}
	}
	return ErrUnauthorized
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(id Identity) error

func (f FuncValidator) Validate(id Identity) error {
	return f(id)
}

// Policy is the server side of negotiation.
type Policy struct {
	// Methods are offered in preference order.
	Methods []string
	// Validator, when set, vets every accepted identity.
	Validator Validator
}

// DefaultPolicy offers x509 only when the connection can carry a verified
// client certificate.
func DefaultPolicy(tlsEnabled bool) Policy {
	if tlsEnabled {
		return Policy{Methods: []string{MethodX509, MethodCA, MethodAnonymous}}
	}
	return Policy{Methods: []string{MethodCA, MethodAnonymous}}
}

// Offer lists the methods to send to a client. x509 is withheld from
// connections without TLS.
func (p Policy) Offer(state *tls.ConnectionState) []string {
	out := make([]string, 0, len(p.Methods))
	for _, m := range p.Methods {
		if m == MethodX509 && state == nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Accept checks the client's choice. state is nil for plain TCP.
func (p Policy) Accept(method string, data []byte, state *tls.ConnectionState) (Identity, error) {
	if !slices.Contains(p.Offer(state), method) {
		return Identity{}, fmt.Errorf("%w: %q", ErrMethodNotOffered, method)
	}
	id := Identity{Method: method}
	switch method {
	case MethodAnonymous:
	case MethodCA:
		user, host, err := DecodeCA(data)
		if err != nil {
			return Identity{}, err
		}
		id.User, id.Host = user, host
	case MethodX509:
		if state == nil || len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
			return Identity{}, ErrPeerCertRequired
		}
		id.User = state.PeerCertificates[0].Subject.CommonName
	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrMethodNotOffered, method)
	}
	if p.Validator != nil {
		if err := p.Validator.Validate(id); err != nil {
			return Identity{}, err
		}
	}
	return id, nil
}

// Credentials is the client side of negotiation.
type Credentials struct {
	// HasCert is set when the client presents a TLS certificate.
	HasCert bool
	// RequirePeer refuses servers that cannot authenticate by certificate.
	RequirePeer bool
	User        string
	Host        string
}

// Choose picks the strongest offered method the client can satisfy.
func (c Credentials) Choose(offered []string) (string, []byte, error) {
	if c.RequirePeer && !slices.Contains(offered, MethodX509) {
		return "", nil, ErrPeerCertRequired
	}
	if c.HasCert && slices.Contains(offered, MethodX509) {
		return MethodX509, nil, nil
	}
	if c.User != "" && slices.Contains(offered, MethodCA) {
		return MethodCA, EncodeCA(c.User, c.Host), nil
	}
	if slices.Contains(offered, MethodAnonymous) || len(offered) == 0 {
		return MethodAnonymous, nil, nil
	}
	return "", nil, fmt.Errorf("%w: offered %v", ErrNoCommonMethod, offered)
}

// EncodeCA packs the ca method's user and host names.
func EncodeCA(user, host string) []byte {
	w := wire.NewWriter(binary.BigEndian, nil)
	w.String(user)
	w.String(host)
	return w.Bytes()
}

func DecodeCA(data []byte) (string, string, error) {
	r := wire.NewReader(binary.BigEndian, data)
	user, host := r.String(), r.String()
	if err := r.Err(); err != nil {
		return "", "", fmt.Errorf("%w: ca credentials: %v", ErrUnauthorized, err)
	}
	if user == "" {
		return "", "", fmt.Errorf("%w: empty user", ErrUnauthorized)
	}
	return user, host, nil
}
