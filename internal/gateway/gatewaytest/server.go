// Package gatewaytest provides an in-process push gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Request is a decoded multicast call.
type Request struct {
	Tokens       []string          `json:"tokens"`
	Platform     string            `json:"platform"`
	Notification map[string]string `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      json.RawMessage   `json:"android"`
	APNS         json.RawMessage   `json:"apns"`
	AuthHeader   string            `json:"-"`
}

// Server records calls and answers with scripted per-token outcomes. Tokens
// without a script succeed.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	requests []Request
	codes    map[string][]string
	status   []int
	omit     map[string]bool
}

// NewServer starts a fake gateway.
func NewServer() *Server {
	s := &Server{codes: make(map[string][]string), omit: make(map[string]bool)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// FailToken makes successive deliveries to token fail with the given codes,
// one per call. Once the codes are used up the token succeeds.
func (s *Server) FailToken(token string, codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[token] = append(s.codes[token], codes...)
}

// FailAlways makes every delivery to token fail with code.
func (s *Server) FailAlways(token, code string) {
	s.FailToken(token, repeat(code, 64)...)
}

// OmitToken drops token from every response.
func (s *Server) OmitToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.omit[token] = true
}

// QueueStatus makes the next calls answer with the given HTTP statuses before
// normal handling resumes.
func (s *Server) QueueStatus(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = append(s.status, statuses...)
}

// Requests returns a copy of every call received.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns the number of calls received.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Recipients returns every token that appeared in any call.
func (s *Server) Recipients() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, r := range s.requests {
		for _, t := range r.Tokens {
			out[t]++
		}
	}
	return out
}

type tokenResponse struct {
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/messages:multicast" {
		http.NotFound(w, r)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.AuthHeader = r.Header.Get("Authorization")

	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.status) > 0 {
		status := s.status[0]
		s.status = s.status[1:]
		s.mu.Unlock()
		w.WriteHeader(status)
		return
	}

	responses := make([]tokenResponse, 0, len(req.Tokens))
	for _, tok := range req.Tokens {
		if s.omit[tok] {
			continue
		}
		resp := tokenResponse{Token: tok}
		if codes := s.codes[tok]; len(codes) > 0 {
			s.codes[tok] = codes[1:]
			resp.Error = &struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}{Code: codes[0], Message: "scripted failure"}
		} else {
			resp.Success = true
			resp.MessageID = "msg-" + tok
		}
		responses = append(responses, resp)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"responses": responses})
}

func repeat(s string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = s
	}
	return out
}
