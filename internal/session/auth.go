package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"edubot/internal/credentials"
)

// Login exchanges email and password for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	return c.authenticate(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account and signs in with the returned tokens.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	if email == "" || password == "" {
		return errors.New("email and password are required")
	}
	return c.authenticate(ctx, "/auth/register", map[string]string{
		"name":     name,
		"email":    email,
		"password": password,
	})
}

// CompleteOAuth stores the tokens handed back by an OAuth redirect.
func (c *Client) CompleteOAuth(ctx context.Context, access, refresh string) error {
	if access == "" {
		return errors.New("oauth callback missing access token")
	}
	if err := c.tokens.Save(ctx, credentials.Tokens{AccessToken: access, RefreshToken: refresh}); err != nil {
		return fmt.Errorf("store oauth tokens: %w", err)
	}
	c.logger.Info("signed in via oauth")
	return nil
}

// Logout tells the backend to revoke the refresh token, then clears local
// credentials regardless of the outcome.
func (c *Client) Logout(ctx context.Context) error {
	if refresh := c.tokens.RefreshToken(ctx); refresh != "" {
		_, err := c.Send(ctx, &Request{
			Method:    http.MethodPost,
			Path:      "/auth/logout",
			Body:      map[string]string{"refreshToken": refresh},
			Anonymous: true,
		})
		if err != nil {
			c.logger.Warn("remote logout failed", "error", err)
		}
	}
	if err := c.tokens.Clear(ctx); err != nil {
		return err
	}
	c.logger.Info("signed out")
	return nil
}

func (c *Client) authenticate(ctx context.Context, path string, body map[string]string) error {
	resp, err := c.Send(ctx, &Request{
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
		Anonymous: true,
	})
	if err != nil {
		return err
	}
	var tokens credentials.Tokens
	if err := resp.Decode(&tokens); err != nil {
		return err
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("%s: response missing access token", path)
	}
	if err := c.tokens.Save(ctx, tokens); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	c.logger.Info("signed in", "via", path)
	return nil
}
