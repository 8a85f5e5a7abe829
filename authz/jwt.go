package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims bind a proof to one principal, operation and transaction.
type Claims struct {
	Operation     string `json:"op"`
	TransactionID string `json:"txn"`
	Role          Role   `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs call proofs with an HMAC secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an issuer. A zero ttl defaults to 15 minutes.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a proof for call.
func (i *Issuer) Issue(call Call) (string, error) {
	if call.Principal == "" || call.Operation == "" || call.TransactionID == "" {
		return "", fmt.Errorf("authz: principal, operation and transaction id are required")
	}
	now := i.now()
	claims := Claims{
		Operation:     call.Operation,
		TransactionID: call.TransactionID,
		Role:          call.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   call.Principal,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("authz: sign proof: %w", err)
	}
	return signed, nil
}

// JWTVerifier accepts a call when any attached proof is a valid token signed with the
// shared secret whose claims match the call.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(ctx context.Context, call Call) error {
	proofs := ProofsFrom(ctx)
	if len(proofs) == 0 {
		return fmt.Errorf("%w: no proof presented for %s", ErrUnauthorized, call.Operation)
	}
	for _, proof := range proofs {
		claims, err := v.parse(proof)
		if err != nil {
			continue
		}
		if claims.matches(call) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s may not %s on %s", ErrUnauthorized, call.Principal, call.Operation, call.TransactionID)
}

func (v *JWTVerifier) parse(proof string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(proof, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authz: parse proof: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("authz: invalid proof")
	}
	return claims, nil
}

func (c *Claims) matches(call Call) bool {
	if call.Principal == "" || c.Subject != call.Principal {
		return false
	}
	if c.Operation != call.Operation || c.TransactionID != call.TransactionID {
		return false
	}
	return call.Role == "" || c.Role == call.Role
}
