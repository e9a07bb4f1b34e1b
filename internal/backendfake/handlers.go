package backendfake

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"edubot/internal/models"
)

// StoredConversation is the persisted wire shape of a conversation.
type StoredConversation struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	Pinned     bool             `json:"pinned"`
	Messages   []models.Message `json:"messages"`
	Tools      []string         `json:"tools"`
	Memory     bool             `json:"memory"`
	FolderID   *string          `json:"folder_id"`
	SchoolName *string          `json:"school_name"`
	Subject    *string          `json:"subject"`
	SessionID  string           `json:"session_id"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

type conversationBody struct {
	Title      *string          `json:"title"`
	Pinned     *bool            `json:"pinned"`
	Messages   []models.Message `json:"messages"`
	Tools      []string         `json:"tools"`
	Memory     *bool            `json:"memory"`
	FolderID   *string          `json:"folder_id"`
	SchoolName *string          `json:"school_name"`
	Subject    *string          `json:"subject"`
}

func (b conversationBody) apply(conv *StoredConversation) {
	if b.Title != nil {
		conv.Title = *b.Title
	}
	if b.Pinned != nil {
		conv.Pinned = *b.Pinned
	}
	if b.Messages != nil {
		conv.Messages = b.Messages
	}
	if b.Tools != nil {
		conv.Tools = b.Tools
	}
	if b.Memory != nil {
		conv.Memory = *b.Memory
	}
	conv.FolderID = b.FolderID
	conv.SchoolName = b.SchoolName
	conv.Subject = b.Subject
}

func (s *Server) ownedConversations(owner string) map[string]*StoredConversation {
	convs, ok := s.conversations[owner]
	if !ok {
		convs = make(map[string]*StoredConversation)
		s.conversations[owner] = convs
	}
	return convs
}

func (s *Server) listConversations(c *gin.Context) {
	owner, _ := ownerFromContext(c)
	s.mu.Lock()
	list := make([]StoredConversation, 0)
	for _, conv := range s.ownedConversations(owner) {
		list = append(list, *conv)
	}
	s.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	c.JSON(http.StatusOK, list)
}

func (s *Server) createConversation(c *gin.Context) {
	owner, _ := ownerFromContext(c)
	var req conversationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	now := s.now().UTC()
	conv := &StoredConversation{
		ID:        uuid.NewString(),
		Title:     models.PlaceholderTitle,
		Messages:  []models.Message{},
		Tools:     []string{},
		SessionID: "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(conv)
	if strings.TrimSpace(conv.Title) == "" {
		conv.Title = models.PlaceholderTitle
	}
	s.mu.Lock()
	s.ownedConversations(owner)[conv.ID] = conv
	out := *conv
	s.mu.Unlock()
	c.JSON(http.StatusCreated, out)
}

func (s *Server) getConversation(c *gin.Context) {
	owner, _ := ownerFromContext(c)
	s.mu.Lock()
	conv, ok := s.ownedConversations(owner)[c.Param("id")]
	var out StoredConversation
	if ok {
		out = *conv
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) updateConversation(c *gin.Context) {
	owner, _ := ownerFromContext(c)
	var req conversationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.mu.Lock()
	conv, ok := s.ownedConversations(owner)[c.Param("id")]
	var out StoredConversation
	if ok {
		req.apply(conv)
		conv.UpdatedAt = s.now().UTC()
		out = *conv
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteConversation(c *gin.Context) {
	owner, _ := ownerFromContext(c)
	id := c.Param("id")
	s.mu.Lock()
	convs := s.ownedConversations(owner)
	_, ok := convs[id]
	delete(convs, id)
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Conversation returns a copy of a stored conversation for assertions.
func (s *Server) Conversation(owner, id string) (StoredConversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.ownedConversations(owner)[id]
	if !ok {
		return StoredConversation{}, false
	}
	return *conv, true
}

// Messages returns the stored message sequence of any owner's conversation.
func (s *Server) Messages(id string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, convs := range s.conversations {
		if conv, ok := convs[id]; ok {
			return append([]models.Message(nil), conv.Messages...)
		}
	}
	return nil
}

func (s *Server) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userInput is required"})
		return
	}
	s.mu.Lock()
	s.chats = append(s.chats, req)
	s.mu.Unlock()

	reply := s.opts.Reply
	if reply == nil {
		reply = echoReply
	}
	out, err := reply(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Role == "" {
		out.Role = string(models.RoleAssistant)
	}
	c.JSON(http.StatusOK, out)
}

func echoReply(req ChatRequest) (ChatReply, error) {
	var b strings.Builder
	if req.Subject != "" {
		b.WriteString("[" + req.Subject + "] ")
	}
	b.WriteString("You said: ")
	b.WriteString(req.UserInput)
	return ChatReply{
		Content:   b.String(),
		ContentMD: b.String(),
	}, nil
}
