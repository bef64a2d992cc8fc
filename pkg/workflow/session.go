package workflow

import "sync"

// Credentials are the per-session API secrets. They come from configuration
// or user input and are never compiled in.
type Credentials struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	APIKey       string `json:"api_key,omitempty"`
}

// Merge returns c with empty fields filled from fallback.
func (c Credentials) Merge(fallback Credentials) Credentials {
	if c.ClientID == "" {
		c.ClientID = fallback.ClientID
	}
	if c.ClientSecret == "" {
		c.ClientSecret = fallback.ClientSecret
	}
	if c.APIKey == "" {
		c.APIKey = fallback.APIKey
	}
	return c
}

// Session is the state owned by one user session: its credentials and the
// one-shot re-analysis request.
type Session struct {
	ID string

	mu        sync.Mutex
	creds     Credentials
	reanalyze bool
}

// NewSession creates a session with the given credentials.
func NewSession(id string, creds Credentials) *Session {
	return &Session{ID: id, creds: creds}
}

// Credentials returns the session credentials.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// SetCredentials replaces non-empty credential fields.
func (s *Session) SetCredentials(c Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = c.Merge(s.creds)
}

// RequestReanalysis makes the next Analyze call bypass the cached result.
func (s *Session) RequestReanalysis() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reanalyze = true
}

// ReanalysisRequested reports whether a re-analysis is pending.
func (s *Session) ReanalysisRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reanalyze
}

// consumeReanalysis returns the pending flag and clears it.
func (s *Session) consumeReanalysis() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.reanalyze
	s.reanalyze = false
	return v
}
