// Package backendfake is an in-process REST backend speaking the same wire
// protocol as the production service. Tests and the CLI's offline mode run
// against it.
package backendfake

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"edubot/internal/models"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	UserInput      string           `json:"userInput"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"`
	SchoolName     string           `json:"schoolName"`
	Grade          string           `json:"grade"`
	Subject        string           `json:"subject"`
	Topic          string           `json:"topic"`
	PreviousChat   []models.Message `json:"previousChat"`
}

// ChatReply is the message object POST /chat answers with.
type ChatReply struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ContentMD string            `json:"contentMd,omitempty"`
	Citations []models.Citation `json:"citations,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
}

// Options tunes the fake.
type Options struct {
	// Prefix is prepended to every route, e.g. "/api".
	Prefix        string
	AccessTTL     time.Duration
	GuestLimit    int
	BonusMessages int
	Secret        []byte
	// Reply overrides the default echo model.
	Reply func(ChatRequest) (ChatReply, error)
}

type fault struct {
	status int
	count  int
}

// Server holds all backend state in memory.
type Server struct {
	opts Options
	auth *authService

	mu            sync.Mutex
	conversations map[string]map[string]*StoredConversation
	guests        map[string]*guestUsage
	faults        map[string]*fault
	calls         map[string]int
	chats         []ChatRequest
	now           func() time.Time

	engine *gin.Engine
}

// New builds the fake and its router.
func New(opts Options) *Server {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.GuestLimit <= 0 {
		opts.GuestLimit = 5
	}
	if opts.BonusMessages <= 0 {
		opts.BonusMessages = 5
	}
	if len(opts.Secret) == 0 {
		opts.Secret = []byte("edubot-fake-secret")
	}
	gin.SetMode(gin.TestMode)
	s := &Server{
		opts:          opts,
		auth:          newAuthService(opts.Secret, opts.AccessTTL),
		conversations: make(map[string]map[string]*StoredConversation),
		guests:        make(map[string]*guestUsage),
		faults:        make(map[string]*fault),
		calls:         make(map[string]int),
		now:           time.Now,
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.track())
	s.RegisterRoutes(s.engine)
	return s
}

// Handler exposes the router for httptest or http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

// RegisterRoutes attaches all routes to the router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	api := router.Group(s.opts.Prefix)
	api.POST("/auth/register", s.register)
	api.POST("/auth/login", s.login)
	api.POST("/auth/refresh", s.refresh)
	api.POST("/auth/logout", s.logout)

	api.GET("/guest-usage/status", s.guestStatus)
	api.POST("/guest-usage/add-usage", s.guestAddUsage)
	api.POST("/guest-usage/claim-bonus", s.guestClaimBonus)

	owned := api.Group("")
	owned.Use(s.auth.middleware())
	owned.GET("/conversations", s.listConversations)
	owned.POST("/conversations", s.createConversation)
	owned.GET("/conversations/:id", s.getConversation)
	owned.PUT("/conversations/:id", s.updateConversation)
	owned.DELETE("/conversations/:id", s.deleteConversation)
	owned.POST("/chat", s.chat)
	owned.GET("/admin/ping", s.adminPing)
}

// FailNext makes the next count calls to method+route answer status.
// route is the registered pattern without prefix, e.g. "/conversations/:id".
func (s *Server) FailNext(method, route string, status, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[routeKey(method, s.opts.Prefix+route)] = &fault{status: status, count: count}
}

// Calls reports how many requests reached method+route.
func (s *Server) Calls(method, route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[routeKey(method, s.opts.Prefix+route)]
}

// ChatRequests returns every /chat body received, oldest first.
func (s *Server) ChatRequests() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatRequest(nil), s.chats...)
}

// ExpireAccessTokens invalidates every access token issued so far while
// leaving refresh tokens usable.
func (s *Server) ExpireAccessTokens() {
	s.auth.bumpEpoch()
}

// RevokeRefreshTokens makes every outstanding refresh token unusable.
func (s *Server) RevokeRefreshTokens() {
	s.auth.revokeAllRefresh()
}

// Refreshes counts successful refresh exchanges.
func (s *Server) Refreshes() int {
	return s.auth.refreshCount()
}

func (s *Server) track() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := routeKey(c.Request.Method, c.FullPath())
		s.mu.Lock()
		s.calls[key]++
		f := s.faults[key]
		if f != nil {
			f.count--
			if f.count <= 0 {
				delete(s.faults, key)
			}
		}
		s.mu.Unlock()
		if f != nil {
			c.AbortWithStatusJSON(f.status, gin.H{"error": fmt.Sprintf("injected failure %d", f.status)})
			return
		}
		c.Next()
	}
}

func routeKey(method, route string) string {
	return strings.ToUpper(method) + " " + route
}
