package authz

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type principal struct {
	passwordHash []byte
	roles        map[Role]bool
}

// Credentials holds bcrypt password hashes and granted roles per principal.
type Credentials struct {
	mu    sync.RWMutex
	users map[string]principal
}

func NewCredentials() *Credentials {
	return &Credentials{users: make(map[string]principal)}
}

// Register stores principal with password. RoleParty is always granted. A name can be
// registered once.
func (c *Credentials) Register(name, password string, roles ...Role) error {
	if name == "" {
		return fmt.Errorf("authz: principal required")
	}
	if len(password) < 8 {
		return fmt.Errorf("authz: password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("authz: hash password: %w", err)
	}
	granted := map[Role]bool{RoleParty: true}
	for _, r := range roles {
		granted[r] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.users[name]; ok {
		return fmt.Errorf("%w: %s", ErrPrincipalExists, name)
	}
	c.users[name] = principal{passwordHash: hash, roles: granted}
	return nil
}

// Authenticate checks password and that principal holds role, when role is set.
func (c *Credentials) Authenticate(name, password string, role Role) error {
	c.mu.RLock()
	p, ok := c.users[name]
	c.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(p.passwordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	if role != "" && !p.roles[role] {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, name, role)
	}
	return nil
}

// Authority issues call proofs to principals that authenticate with their password.
type Authority struct {
	creds  *Credentials
	issuer *Issuer
}

func NewAuthority(creds *Credentials, issuer *Issuer) *Authority {
	return &Authority{creds: creds, issuer: issuer}
}

// Grant authenticates call.Principal and returns a signed proof for call.
func (a *Authority) Grant(_ context.Context, password string, call Call) (string, error) {
	if err := a.creds.Authenticate(call.Principal, password, call.Role); err != nil {
		return "", err
	}
	return a.issuer.Issue(call)
}
