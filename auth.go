package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	maxNameLen      = 16
	helloRatePerSec = 1
	helloBurst      = 5
	secretSetting   = "jwt_secret"
	payoutSetting   = "payout_secret"
)

var ErrInvalidToken = errors.New("invalid token")

// SettingsStore persists small key/value settings
type SettingsStore interface {
	GetSetting(key string) string
	SetSetting(key, value string) error
}

// Auth issues and resumes guest identities. Tokens are HS256 JWTs whose
// subject is the player id.
type Auth struct {
	secret []byte
	ttl    time.Duration
	clock  Clock
	log    logrus.FieldLogger

	// hello attempts per IP
	rateMu   sync.Mutex
	limiters map[string]*rate.Limiter
}

type guestClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// NewAuth creates an Auth. A configured secret wins; otherwise the secret is
// loaded from settings or generated and persisted there.
func NewAuth(settings SettingsStore, configured string, ttl time.Duration, clock Clock, log logrus.FieldLogger) *Auth {
	if clock == nil {
		clock = SystemClock
	}
	secret := []byte(configured)
	if configured == "" {
		secret = loadOrCreateSecret(settings, secretSetting, log)
	}
	return &Auth{
		secret:   secret,
		ttl:      ttl,
		clock:    clock,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

// loadOrCreateSecret loads a 32-byte secret from settings, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(settings SettingsStore, key string, log logrus.FieldLogger) []byte {
	if settings != nil {
		if h := settings.GetSetting(key); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate secret: " + err.Error())
	}
	if settings != nil {
		if err := settings.SetSetting(key, hex.EncodeToString(secret)); err != nil {
			log.WithError(err).WithField("key", key).Warn("could not persist secret")
		}
	}
	return secret
}

// IssueGuest creates a fresh guest identity
func (a *Auth) IssueGuest(name string) (id, display, token string, err error) {
	id = uuid.NewString()
	display = SanitizeName(name)
	token, err = a.generateToken(id, display)
	if err != nil {
		return "", "", "", fmt.Errorf("sign token: %w", err)
	}
	return id, display, token, nil
}

// Resume validates a token and returns the identity it carries
func (a *Auth) Resume(tokenStr string) (id, display string, err error) {
	var claims guestClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.clock.Now))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, SanitizeName(claims.Name), nil
}

func (a *Auth) generateToken(id, name string) (string, error) {
	now := a.clock.Now()
	claims := guestClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// AllowHello rate limits identity requests per IP
func (a *Auth) AllowHello(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	l, ok := a.limiters[ip]
	if !ok {
		l = rate.NewLimiter(helloRatePerSec, helloBurst)
		a.limiters[ip] = l
	}
	return l.Allow()
}

// ForgetIP drops the limiter of an IP with no open connections
func (a *Auth) ForgetIP(ip string) {
	a.rateMu.Lock()
	delete(a.limiters, ip)
	a.rateMu.Unlock()
}

// SanitizeName trims and bounds a display name, falling back to a guest name
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if r := []rune(name); len(r) > maxNameLen {
		name = string(r[:maxNameLen])
	}
	if name == "" {
		return GenerateGuestName()
	}
	return name
}

// GenerateGuestName creates a unique guest name like "Guest_a3f2c1"
func GenerateGuestName() string {
	b := make([]byte, 3)
	rand.Read(b)
	return "Guest_" + hex.EncodeToString(b)
}
