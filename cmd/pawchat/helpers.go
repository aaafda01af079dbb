package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pawpal/pawchat"
	"github.com/pawpal/pawchat/internal/logging"
)

// session is everything a command needs to talk to the server as the
// configured viewer.
type session struct {
	cfg    *Config
	client *pawchat.Client
}

// getSession loads the config and creates an authenticated client.
func getSession() *session {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.ViewerID == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'pawchat init <token>' first.")
		os.Exit(1)
	}
	return &session{cfg: cfg, client: newClient(cfg.Default.BaseURL, cfg.Auth.Token)}
}

func newClient(baseURL, token string) *pawchat.Client {
	opts := []pawchat.ClientOption{pawchat.WithTimeout(0)}
	if baseURL != "" {
		opts = append(opts, pawchat.WithBaseURL(baseURL))
	}
	return pawchat.NewClient(token, opts...)
}

// gateway returns a gateway over the session's client. Requests are bounded
// by the gateway's own timeout since the client has none.
func (s *session) gateway() *pawchat.Gateway {
	return pawchat.NewGateway(s.client, pawchat.StaticSession(s.cfg.Auth.ViewerID),
		pawchat.WithRequestTimeout(15*time.Second),
		pawchat.WithLogger(logging.Component("cli")),
	)
}

// location returns the configured time zone, the local one by default.
func (s *session) location() *time.Location {
	if s.cfg.Default.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.cfg.Default.TimeZone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unknown time zone %q, using local time\n", s.cfg.Default.TimeZone)
		return time.Local
	}
	return loc
}

// maskToken hides all but the ends of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
