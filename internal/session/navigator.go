package session

import (
	"strings"
	"sync"
)

// Navigator is the browser navigation boundary.
type Navigator interface {
	CurrentPath() string
	Navigate(path string)
}

// Routes tells the client which paths need a session and where to send the
// user when it is lost.
type Routes struct {
	LoginPath             string
	LandingPath           string
	AdminPrefix           string
	AuthenticatedPrefixes []string
}

func (r Routes) authenticated(path string) bool {
	for _, p := range r.AuthenticatedPrefixes {
		if hasPathPrefix(path, p) {
			return true
		}
	}
	return false
}

func (r Routes) admin(path string) bool {
	return r.AdminPrefix != "" && hasPathPrefix(path, r.AdminPrefix)
}

func hasPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// PathTracker is an in-memory Navigator that records every hard redirect.
type PathTracker struct {
	mu      sync.Mutex
	current string
	history []string
}

func NewPathTracker(start string) *PathTracker {
	return &PathTracker{current: start}
}

func (p *PathTracker) CurrentPath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *PathTracker) Navigate(path string) {
	p.mu.Lock()
	p.current = path
	p.history = append(p.history, path)
	p.mu.Unlock()
}

// Redirects returns the paths navigated to, oldest first.
func (p *PathTracker) Redirects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}
