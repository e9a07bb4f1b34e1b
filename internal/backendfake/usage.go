package backendfake

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type guestUsage struct {
	Current      int
	Limit        int
	BonusClaimed bool
}

func (s *Server) guestFor(c *gin.Context) (*guestUsage, bool) {
	id := c.GetHeader(guestHeader)
	if id == "" {
		id = c.Query("guestId")
	}
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "guest id required"})
		return nil, false
	}
	g, ok := s.guests[id]
	if !ok {
		g = &guestUsage{Limit: s.opts.GuestLimit}
		s.guests[id] = g
	}
	return g, true
}

func usagePayload(g *guestUsage) gin.H {
	left := g.Limit - g.Current
	if left < 0 {
		left = 0
	}
	return gin.H{
		"success":        true,
		"current":        g.Current,
		"limit":          g.Limit,
		"messagesLeft":   left,
		"bonusAvailable": !g.BonusClaimed,
	}
}

func (s *Server) guestStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guestFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, usagePayload(g))
}

func (s *Server) guestAddUsage(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guestFor(c)
	if !ok {
		return
	}
	if g.Current >= g.Limit {
		payload := usagePayload(g)
		payload["success"] = false
		c.JSON(http.StatusTooManyRequests, payload)
		return
	}
	g.Current++
	c.JSON(http.StatusOK, usagePayload(g))
}

func (s *Server) guestClaimBonus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guestFor(c)
	if !ok {
		return
	}
	if g.BonusClaimed {
		c.JSON(http.StatusOK, gin.H{"success": false, "alreadyClaimed": true, "limit": g.Limit})
		return
	}
	g.BonusClaimed = true
	g.Limit += s.opts.BonusMessages
	c.JSON(http.StatusOK, gin.H{"success": true, "alreadyClaimed": false, "limit": g.Limit})
}

// GuestUsage reports the counter and limit kept for a guest.
func (s *Server) GuestUsage(id string) (current, limit int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guests[id]
	if !ok {
		return 0, 0, false
	}
	return g.Current, g.Limit, true
}
