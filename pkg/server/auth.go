package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/aeolun/musserver/pkg/database"
	"github.com/aeolun/musserver/pkg/registry"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMode selects how Login credentials are checked
type AuthMode string

const (
	// AuthOpen accepts any user name; the password is ignored
	AuthOpen AuthMode = "open"
	// AuthAccounts checks the password against the account table
	AuthAccounts AuthMode = "accounts"
	// AuthToken expects an HS256 token whose subject is the user name
	AuthToken AuthMode = "token"
)

const (
	maxAuthFailuresPerHour = 10
	authFailureWindow      = time.Hour
)

// LoginClaims are the claims of a login token. Movie, when set, restricts
// the token to one movie. A missing level means database.LevelUser.
type LoginClaims struct {
	Movie string `json:"movie,omitempty"`
	Level uint8  `json:"level,omitempty"`
	jwt.RegisteredClaims
}

// Identity is who a credential proved the caller to be
type Identity struct {
	Name  string
	Level uint8
}

// Authenticator checks login credentials for the configured mode
type Authenticator struct {
	mode     AuthMode
	accounts *database.Accounts
	secret   []byte
}

// NewAuthenticator validates the mode against what it needs
func NewAuthenticator(mode AuthMode, accounts *database.Accounts, secret string) (*Authenticator, error) {
	switch mode {
	case "", AuthOpen:
		return &Authenticator{mode: AuthOpen}, nil
	case AuthAccounts:
		if accounts == nil {
			return nil, errors.New("auth mode accounts needs a database")
		}
		return &Authenticator{mode: mode, accounts: accounts}, nil
	case AuthToken:
		if secret == "" {
			return nil, errors.New("auth mode token needs a token secret")
		}
		return &Authenticator{mode: mode, secret: []byte(secret)}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// Mode returns the active mode
func (a *Authenticator) Mode() AuthMode {
	return a.mode
}

// Required reports whether logins need a credential
func (a *Authenticator) Required() bool {
	return a.mode != AuthOpen
}

// Authenticate returns the identity the user is logged in under. A session
// the transport already authenticated may only log in as that user and
// skips the credential check. Open mode grants database.LevelUser.
func (a *Authenticator) Authenticate(sess *Session, movie, user, credential string) (Identity, error) {
	if pre := sess.Preauthenticated(); pre.Name != "" {
		if user != "" && !strings.EqualFold(user, pre.Name) {
			return Identity{}, fmt.Errorf("%w: connection is authenticated as %q", registry.ErrPermissionDenied, pre.Name)
		}
		return pre, nil
	}

	switch a.mode {
	case AuthAccounts:
		return a.checkPassword(user, credential)
	case AuthToken:
		return a.checkToken(movie, user, credential)
	default:
		return Identity{Name: user, Level: database.LevelUser}, nil
	}
}

func (a *Authenticator) checkPassword(user, password string) (Identity, error) {
	acct, err := a.accounts.Authenticate(user, password)
	switch {
	case err == nil:
		return Identity{Name: acct.Name, Level: acct.Level}, nil
	case errors.Is(err, database.ErrAccountNotFound), errors.Is(err, database.ErrBadPassword):
		return Identity{}, fmt.Errorf("%w: invalid user name or password", registry.ErrPermissionDenied)
	default:
		return Identity{}, fmt.Errorf("%w: %v", errDatabase, err)
	}
}

func (a *Authenticator) checkToken(movie, user, token string) (Identity, error) {
	claims := &LoginClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: invalid token: %v", registry.ErrPermissionDenied, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", registry.ErrPermissionDenied)
	}
	if user != "" && !strings.EqualFold(user, claims.Subject) {
		return Identity{}, fmt.Errorf("%w: token is for %q", registry.ErrPermissionDenied, claims.Subject)
	}
	if claims.Movie != "" && !strings.EqualFold(movie, claims.Movie) {
		return Identity{}, fmt.Errorf("%w: token is for movie %q", registry.ErrPermissionDenied, claims.Movie)
	}
	level := claims.Level
	if level == 0 {
		level = database.LevelUser
	}
	return Identity{Name: claims.Subject, Level: level}, nil
}

// IssueToken signs a login token for user. An empty movie allows any movie;
// ttl 0 issues a token without expiry. level 0 leaves the level claim out.
func IssueToken(secret, user, movie string, level uint8, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := LoginClaims{
		Movie: movie,
		Level: level,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// authFailureKey reduces a remote address to the IP failures are counted by
func authFailureKey(remoteAddr string) string {
	host := strings.TrimSpace(remoteAddr)
	if host == "" {
		return ""
	}

	if parsedIP := net.ParseIP(host); parsedIP == nil {
		if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
			host = h
		}
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("Auth rate limit: unable to parse remote address %q; skipping rate limit", remoteAddr)
		return ""
	}
	return ip.String()
}

// pruneAuthFailures drops attempts older than the window. Caller holds
// authFailuresMu.
func (s *Server) pruneAuthFailures(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-authFailureWindow)
	attempts := s.authFailures[ip]
	pruned := attempts[:0]
	for _, ts := range attempts {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}
	if len(pruned) == 0 {
		delete(s.authFailures, ip)
	} else {
		s.authFailures[ip] = pruned
	}
	return pruned
}

// checkAuthRateLimit reports whether this IP may still try to log in
func (s *Server) checkAuthRateLimit(remoteAddr string) bool {
	ip := authFailureKey(remoteAddr)
	if ip == "" {
		return true
	}

	s.authFailuresMu.Lock()
	defer s.authFailuresMu.Unlock()

	return len(s.pruneAuthFailures(ip, time.Now())) < maxAuthFailuresPerHour
}

// recordAuthFailure counts a rejected credential against the IP
func (s *Server) recordAuthFailure(remoteAddr string) {
	ip := authFailureKey(remoteAddr)
	if ip == "" {
		return
	}

	now := time.Now()

	s.authFailuresMu.Lock()
	defer s.authFailuresMu.Unlock()

	s.authFailures[ip] = append(s.pruneAuthFailures(ip, now), now)
}
