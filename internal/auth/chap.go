package auth

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Longshot123/collabREate/internal/perms"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	challengeSize       = 32
	defaultChallengeTTL = 2 * time.Minute
)

var (
	// ErrAuthFailed covers every authentication failure: unknown user,
	// stale or unknown challenge, digest mismatch. Callers get no finer
	// detail; the distinction only appears in server logs.
	ErrAuthFailed = errors.New("auth: authentication failed")

	errMissingDatabase = errors.New("auth: database handle is required")
)

// Challenge is a one-time nonce handed to a client before it may
// authenticate. The client responds with HMAC-MD5(key=stored password
// hash, message=Nonce).
type Challenge struct {
	ID    string
	Nonce []byte
}

type pendingChallenge struct {
	nonce   []byte
	expires time.Time
}

// ServiceConfig describes the dependencies of the CHAP service.
type ServiceConfig struct {
	Database     *gorm.DB
	Logger       *zap.Logger
	Clock        func() time.Time
	ChallengeTTL time.Duration
}

// Service implements CHAP-style challenge/response authentication
// against the stored users table.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
	ttl    time.Duration

	mu      sync.Mutex
	pending map[string]pendingChallenge
}

// NewService constructs the authentication service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = defaultChallengeTTL
	}
	return &Service{
		db:      cfg.Database,
		logger:  logger,
		clock:   clock,
		ttl:     ttl,
		pending: make(map[string]pendingChallenge),
	}, nil
}

// IssueChallenge mints a fresh random challenge and remembers it until
// it is consumed or expires.
func (s *Service) IssueChallenge() (Challenge, error) {
	nonce := make([]byte, challengeSize)
	if _, err := rand.Read(nonce); err != nil {
		return Challenge{}, fmt.Errorf("auth: challenge generation: %w", err)
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.evictExpiredLocked()
	s.pending[id] = pendingChallenge{
		nonce:   nonce,
		expires: s.clock().Add(s.ttl),
	}
	s.mu.Unlock()

	return Challenge{ID: id, Nonce: nonce}, nil
}

// Authenticate consumes the identified challenge and verifies the
// client's HMAC-MD5 response against the stored keyed hash for
// username. The challenge is single-use regardless of outcome.
func (s *Service) Authenticate(ctx context.Context, challengeID, username string, response []byte) (Account, error) {
	s.mu.Lock()
	pending, ok := s.pending[challengeID]
	delete(s.pending, challengeID)
	s.mu.Unlock()
	if !ok || s.clock().After(pending.expires) {
		s.logger.Warn("authentication with unknown or expired challenge",
			zap.String("username", username))
		return Account{}, ErrAuthFailed
	}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Warn("authentication for unknown user", zap.String("username", username))
		return Account{}, ErrAuthFailed
	}
	if err != nil {
		s.logger.Error("user lookup failed", zap.String("username", username), zap.Error(err))
		return Account{}, fmt.Errorf("auth: user lookup: %w", err)
	}

	key, err := hex.DecodeString(user.PasswordHash)
	if err != nil {
		s.logger.Error("stored password hash is not valid hex",
			zap.String("username", username), zap.Error(err))
		return Account{}, ErrAuthFailed
	}

	expected := hmacMD5(key, pending.nonce)
	if subtle.ConstantTimeCompare(response, expected) != 1 {
		s.logger.Warn("authentication digest mismatch", zap.String("username", username))
		return Account{}, ErrAuthFailed
	}

	return Account{
		UserID:        user.UserID,
		Username:      user.Username,
		PublishMask:   user.PublishMask,
		SubscribeMask: user.SubscribeMask,
	}, nil
}

// CreateUser stores a new account. The keyed hash persisted is the hex
// MD5 of the cleartext password, matching what clients key their CHAP
// responses with.
func (s *Service) CreateUser(ctx context.Context, username, password string, pub, sub perms.Mask) (Account, error) {
	if username == "" {
		return Account{}, errors.New("auth: username is required")
	}
	digest := md5.Sum([]byte(password))
	user := User{
		Username:      username,
		PasswordHash:  hex.EncodeToString(digest[:]),
		PublishMask:   pub,
		SubscribeMask: sub,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		return Account{}, fmt.Errorf("auth: create user: %w", err)
	}
	s.logger.Info("user account created", zap.String("username", username))
	return Account{
		UserID:        user.UserID,
		Username:      user.Username,
		PublishMask:   pub,
		SubscribeMask: sub,
	}, nil
}

// ComputeResponse derives the response a holder of the keyed hash would
// produce for the given challenge. Exposed for client tooling and tests.
func ComputeResponse(passwordHashHex string, challenge []byte) ([]byte, error) {
	key, err := hex.DecodeString(passwordHashHex)
	if err != nil {
		return nil, fmt.Errorf("auth: keyed hash is not valid hex: %w", err)
	}
	return hmacMD5(key, challenge), nil
}

func hmacMD5(key, message []byte) []byte {
	mac := hmac.New(md5.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

func (s *Service) evictExpiredLocked() {
	now := s.clock()
	for id, pending := range s.pending {
		if now.After(pending.expires) {
			delete(s.pending, id)
		}
	}
}
