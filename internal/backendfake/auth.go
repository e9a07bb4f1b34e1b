package backendfake

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ownerContextKey = "auth_owner"
	roleContextKey  = "auth_role"
	guestHeader     = "X-Guest-Id"
)

type account struct {
	Name     string
	Email    string
	Password string
	Role     string
}

type accessClaims struct {
	Role  string `json:"role"`
	Epoch int    `json:"epoch"`
	jwt.RegisteredClaims
}

// authService issues, validates and revokes tokens.
type authService struct {
	secret   []byte
	tokenTTL time.Duration

	mu        sync.Mutex
	accounts  map[string]*account
	refresh   map[string]string
	epoch     int
	refreshes int
}

func newAuthService(secret []byte, ttl time.Duration) *authService {
	return &authService{
		secret:   secret,
		tokenTTL: ttl,
		accounts: make(map[string]*account),
		refresh:  make(map[string]string),
	}
}

func (a *authService) addAccount(acc *account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.accounts[acc.Email]; ok {
		return errors.New("email already registered")
	}
	a.accounts[acc.Email] = acc
	return nil
}

func (a *authService) checkPassword(email, password string) (*account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accounts[email]
	if !ok || acc.Password != password {
		return nil, errors.New("invalid credentials")
	}
	return acc, nil
}

// issue mints an access JWT and an opaque refresh token for the account.
func (a *authService) issue(acc *account) (gin.H, error) {
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()

	now := time.Now()
	claims := accessClaims{
		Role:  acc.Role,
		Epoch: epoch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.Email,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := generateToken()
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.refresh[refresh] = acc.Email
	a.mu.Unlock()
	return gin.H{"accessToken": access, "refreshToken": refresh}, nil
}

// exchange rotates a refresh token.
func (a *authService) exchange(refresh string) (*account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	email, ok := a.refresh[refresh]
	if !ok {
		return nil, errors.New("invalid refresh token")
	}
	delete(a.refresh, refresh)
	acc, ok := a.accounts[email]
	if !ok {
		return nil, errors.New("account removed")
	}
	a.refreshes++
	return acc, nil
}

func (a *authService) revoke(refresh string) {
	a.mu.Lock()
	delete(a.refresh, refresh)
	a.mu.Unlock()
}

func (a *authService) revokeAllRefresh() {
	a.mu.Lock()
	a.refresh = make(map[string]string)
	a.mu.Unlock()
}

func (a *authService) bumpEpoch() {
	a.mu.Lock()
	a.epoch++
	a.mu.Unlock()
}

func (a *authService) refreshCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshes
}

// validate verifies signature, expiry and epoch, returning the claims.
func (a *authService) validate(token string) (*accessClaims, error) {
	claims := &accessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	current := a.epoch
	a.mu.Unlock()
	if claims.Epoch < current {
		return nil, errors.New("token expired")
	}
	return claims, nil
}

// middleware authenticates bearer tokens, falling back to the guest header
// when no token is sent at all.
func (a *authService) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			claims, err := a.validate(strings.TrimSpace(header[7:]))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Set(ownerContextKey, "user:"+claims.Subject)
			c.Set(roleContextKey, claims.Role)
			c.Next()
			return
		}
		if guest := c.GetHeader(guestHeader); guest != "" {
			c.Set(ownerContextKey, "guest:"+guest)
			c.Set(roleContextKey, "guest")
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
	}
}

func ownerFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(ownerContextKey)
	if !ok {
		return "", false
	}
	owner, ok := val.(string)
	return owner, ok && owner != ""
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	acc := &account{Name: req.Name, Email: req.Email, Password: req.Password, Role: "student"}
	if err := s.auth.addAccount(acc); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.auth.issue(acc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusCreated, tokens)
}

func (s *Server) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	acc, err := s.auth.checkPassword(req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.auth.issue(acc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh token required"})
		return
	}
	acc, err := s.auth.exchange(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	tokens, err := s.auth.issue(acc)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) logout(c *gin.Context) {
	var req refreshRequest
	_ = c.ShouldBindJSON(&req)
	s.auth.revoke(req.RefreshToken)
	c.Status(http.StatusNoContent)
}

// AddAccount seeds an account, e.g. an admin.
func (s *Server) AddAccount(name, email, password, role string) error {
	if role == "" {
		role = "student"
	}
	return s.auth.addAccount(&account{Name: name, Email: email, Password: password, Role: role})
}

func (s *Server) adminPing(c *gin.Context) {
	role, _ := c.Get(roleContextKey)
	if role != "admin" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
