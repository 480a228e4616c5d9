package visits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoMatch           = errors.New("no identity match")
	ErrResolverUnhealthy = errors.New("identity resolver unavailable")
)

// ResolvedIdentity is the resolver's answer for one embedding.
type ResolvedIdentity struct {
	PersonID   uuid.UUID `json:"person_id"`
	PersonType string    `json:"person_type"` // staff | customer
	Confidence float64   `json:"confidence"`
}

// Resolver maps a face embedding to a known person. The implementation is
// an external capability; the aggregator treats it as synchronous.
type Resolver interface {
	Resolve(ctx context.Context, embedding []float32, staffHint bool) (*ResolvedIdentity, error)
}

// HTTPResolver talks to the identity service over REST.
type HTTPResolver struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPResolver(baseURL, token string, timeout time.Duration) *HTTPResolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, embedding []float32, staffHint bool) (*ResolvedIdentity, error) {
	body, err := json.Marshal(map[string]any{
		"embedding":  embedding,
		"staff_hint": staffHint,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.baseURL+"/v1/identities/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Token "+r.token)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolverUnhealthy, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoMatch
	default:
		return nil, fmt.Errorf("%w: status %d", ErrResolverUnhealthy, resp.StatusCode)
	}

	var out struct {
		Matched    bool      `json:"matched"`
		PersonID   uuid.UUID `json:"person_id"`
		PersonType string    `json:"person_type"`
		Confidence float64   `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrResolverUnhealthy, err)
	}
	if !out.Matched {
		return nil, ErrNoMatch
	}

	return &ResolvedIdentity{
		PersonID:   out.PersonID,
		PersonType: out.PersonType,
		Confidence: out.Confidence,
	}, nil
}
