package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"molva/internal/content"
	"molva/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = models.ErrUserExists
	ErrInvalidToken = errors.New("invalid token")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"token_expiry,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Store is the credential persistence the service relies on.
type Store interface {
	CreateUser(user models.User, passwordHash string) error
	Credentials(username string) (models.User, string, error)
	GetUser(id string) (models.User, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

type claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// AuthService issues and validates signed tokens. Issued token IDs live in
// a TTL cache so logoff can revoke a token before its expiry.
type AuthService struct {
	Config
	store      Store
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}, nil
}

// Register creates a user with a bcrypt-hashed password.
func (as *AuthService) Register(req RegisterRequest) (models.User, error) {
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.User{}, err
	}
	if len(req.Password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	now := as.now().Unix()
	user := models.User{
		ID:          uuid.NewString(),
		Username:    req.Username,
		DisplayName: displayName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Status:      models.UserStatusActive,
		Presence:    models.Presence{LastSeen: now},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := as.store.CreateUser(user, string(hash)); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (as *AuthService) Login(req LoginRequest) LoginResponse {
	user, hash, err := as.store.Credentials(req.Username)
	if err != nil {
		// Burn a comparison anyway so missing users cost as much as
		// wrong passwords.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(req.Password))
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	if user.Status != models.UserStatusActive {
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		return LoginResponse{Success: false, Message: loginFailedMessage}
	}

	token, expiry, err := as.issueToken(user.ID)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{Success: false, Message: "internal error"}
	}

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: expiry,
		UserID:      user.ID,
	}
}

func (as *AuthService) issueToken(userID string) (string, int64, error) {
	now := as.now()
	jti := uuid.NewString()
	expiresAt := now.Add(as.TokenExpiry)

	c := claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(as.Secret))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}

	as.liveTokens.Set(jti, userID)
	return token, expiresAt.Unix(), nil
}

// Logoff revokes the token so it stops validating before its expiry.
func (as *AuthService) Logoff(token string) error {
	c, err := as.parse(token)
	if err != nil {
		return err
	}
	return as.liveTokens.Del(c.ID)
}

// GetUserID validates a token and returns the user it belongs to. A token
// that was never issued by this process, expired, or was revoked by logoff
// fails validation.
func (as *AuthService) GetUserID(token string) (string, error) {
	c, err := as.parse(token)
	if err != nil {
		return "", err
	}
	userID, err := as.liveTokens.Get(c.ID)
	if err != nil {
		return "", ErrInvalidToken
	}
	if userID != c.UserID {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// GetUser resolves a token straight to the user record.
func (as *AuthService) GetUser(token string) (models.User, error) {
	userID, err := as.GetUserID(token)
	if err != nil {
		return models.User{}, err
	}
	return as.store.GetUser(userID)
}

func (as *AuthService) parse(token string) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(as.Secret), nil
	}, jwt.WithTimeFunc(func() time.Time { return as.now() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}
