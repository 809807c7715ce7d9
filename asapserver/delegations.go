package asapserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/asaplabs/asap-go/delegation"
	"github.com/asaplabs/asap-go/logger"
	"github.com/asaplabs/asap-go/store"
)

// issueDelegationRequest is the body of POST /asap/delegations.
type issueDelegationRequest struct {
	Delegator  string   `json:"delegator"`
	Delegate   string   `json:"delegate,omitempty"`
	Scope      []string `json:"scope,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// delegationView is the JSON shape of an issued delegation record.
type delegationView struct {
	JTI          string    `json:"jti"`
	DelegatorURN string    `json:"delegator_urn"`
	DelegateURN  string    `json:"delegate_urn,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Revoked      bool      `json:"revoked"`
}

// authorizeWrite validates the bearer and returns the authenticated
// subject. Delegation writes are refused outright when no token validator
// is configured.
func (s *Server) authorizeWrite(ctx context.Context, r *http.Request) (string, bool) {
	if s.tokenValidator == nil {
		return "", false
	}
	token := bearerToken(r)
	if token == "" {
		return "", false
	}
	subject, err := s.tokenValidator(ctx, token)
	if err != nil {
		return "", false
	}
	return subject, true
}

// handleIssueDelegation mints a delegation token. The caller's bearer must
// authenticate as the delegator named in the request.
func (s *Server) handleIssueDelegation(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.authorizeWrite(r.Context(), r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req issueDelegationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if subject != req.Delegator {
		http.Error(w, "bearer subject does not match delegator", http.StatusForbidden)
		return
	}

	token, err := s.issuer.Issue(r.Context(), delegation.IssueRequest{
		Delegator: req.Delegator,
		Delegate:  req.Delegate,
		Scope:     req.Scope,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// handleListDelegations lists issued delegations, optionally filtered by
// the delegator query parameter.
func (s *Server) handleListDelegations(w http.ResponseWriter, r *http.Request) {
	issued, err := s.delegations.ListIssued(r.Context(), r.URL.Query().Get("delegator"))
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	jtis := make([]string, len(issued))
	for i, d := range issued {
		jtis[i] = d.JTI
	}
	revoked, err := s.delegations.AreRevoked(r.Context(), jtis)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	views := make([]delegationView, len(issued))
	for i, d := range issued {
		views[i] = delegationView{
			JTI:          d.JTI,
			DelegatorURN: d.DelegatorURN,
			DelegateURN:  d.DelegateURN,
			CreatedAt:    d.CreatedAt,
			Revoked:      revoked[d.JTI],
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

// handleGetDelegation returns one issued delegation by token id.
func (s *Server) handleGetDelegation(w http.ResponseWriter, r *http.Request) {
	jti := r.PathValue("id")

	d, err := s.delegations.Issued(r.Context(), jti)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown delegation", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	revoked, err := s.delegations.IsRevoked(r.Context(), jti)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(delegationView{
		JTI:          d.JTI,
		DelegatorURN: d.DelegatorURN,
		DelegateURN:  d.DelegateURN,
		CreatedAt:    d.CreatedAt,
		Revoked:      revoked,
	})
}

// handleRevokeDelegation revokes a token. Only the original delegator may
// revoke; pass ?cascade=true to also revoke every descendant token.
func (s *Server) handleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	subject, ok := s.authorizeWrite(r.Context(), r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	jti := r.PathValue("id")
	d, err := s.delegations.Issued(r.Context(), jti)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown delegation", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if subject != d.DelegatorURN {
		http.Error(w, "only the delegator may revoke", http.StatusForbidden)
		return
	}

	reason := r.URL.Query().Get("reason")
	if r.URL.Query().Get("cascade") == "true" {
		err = s.delegations.RevokeCascade(r.Context(), jti, reason)
	} else {
		err = s.delegations.Revoke(r.Context(), jti, reason)
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(r.Context(), "delegation revoked",
		"jti", jti, "delegator", d.DelegatorURN, "cascade", r.URL.Query().Get("cascade") == "true")
	w.WriteHeader(http.StatusNoContent)
}
