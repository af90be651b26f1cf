package models

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/sha3"

	"github.com/cfilipov/rangeconsole/internal/db"
)

const (
	bcryptCost      = 10
	shake256Length  = 16 // bytes → 32 hex chars
	DefaultTokenTTL = 30 * 24 * time.Hour
	secretAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	secretLength    = 64
	keyTokenSecret  = "tokenSecret"
)

var (
	ErrTokenRevoked = errors.New("token revoked")
	ErrNoOperator   = errors.New("operator name is required")
)

// OperatorClaims identify a console operator. H fingerprints the operator's
// current salt, so rotating the salt revokes every token minted before.
type OperatorClaims struct {
	Operator string `json:"operator"`
	H        string `json:"h"`
	jwt.RegisteredClaims
}

// TokenStore mints and verifies operator login tokens.
type TokenStore struct {
	db    *bolt.DB
	prefs *PrefStore
}

func NewTokenStore(database *bolt.DB, prefs *PrefStore) *TokenStore {
	return &TokenStore{db: database, prefs: prefs}
}

// EnsureSecret creates the signing secret if it doesn't exist.
func (s *TokenStore) EnsureSecret() (string, error) {
	secret, err := s.prefs.Get(keyTokenSecret)
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}

	raw, err := GenSecret(secretLength)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}

	secret = string(hash)
	if err := s.prefs.Set(keyTokenSecret, secret); err != nil {
		return "", err
	}
	slog.Info("generated new token secret")
	return secret, nil
}

// salt returns the operator's salt, creating one when create is set.
func (s *TokenStore) salt(operator string, create bool) (string, error) {
	var salt string
	fn := func(tx *bolt.Tx) error {
		b := tx.Bucket(db.BucketOperators)
		if v := b.Get([]byte(operator)); v != nil {
			salt = string(v)
			return nil
		}
		if !create {
			return nil
		}
		salt = uuid.NewString()
		return b.Put([]byte(operator), []byte(salt))
	}
	var err error
	if create {
		err = s.db.Update(fn)
	} else {
		err = s.db.View(fn)
	}
	if err != nil {
		return "", fmt.Errorf("operator salt %q: %w", operator, err)
	}
	return salt, nil
}

// Mint issues an HS256 token for operator valid for ttl.
func (s *TokenStore) Mint(operator string, ttl time.Duration) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", ErrNoOperator
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	secret, err := s.EnsureSecret()
	if err != nil {
		return "", err
	}
	salt, err := s.salt(operator, true)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := OperatorClaims{
		Operator: operator,
		H:        Shake256Hex(salt, shake256Length),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Verify parses and validates a token, rejecting revoked ones.
func (s *TokenStore) Verify(tokenString string) (*OperatorClaims, error) {
	secret, err := s.EnsureSecret()
	if err != nil {
		return nil, err
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	)
	token, err := parser.ParseWithClaims(tokenString, &OperatorClaims{}, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	salt, err := s.salt(claims.Operator, false)
	if err != nil {
		return nil, err
	}
	if salt == "" || Shake256Hex(salt, shake256Length) != claims.H {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Revoke invalidates every token issued to operator so far.
func (s *TokenStore) Revoke(operator string) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrNoOperator
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketOperators).Put([]byte(operator), []byte(uuid.NewString()))
	})
	if err != nil {
		return fmt.Errorf("revoke %q: %w", operator, err)
	}
	slog.Info("revoked operator tokens", "operator", operator)
	return nil
}

// Shake256Hex computes SHAKE256 of data and returns the first `length` bytes as hex.
func Shake256Hex(data string, length int) string {
	if data == "" {
		return ""
	}
	h := sha3.NewShake256()
	h.Write([]byte(data))
	out := make([]byte, length)
	h.Read(out)
	return hex.EncodeToString(out)
}

// GenSecret generates a cryptographically random alphanumeric string.
func GenSecret(length int) (string, error) {
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(secretAlphabet))))
		if err != nil {
			return "", err
		}
		b[i] = secretAlphabet[n.Int64()]
	}
	return string(b), nil
}
