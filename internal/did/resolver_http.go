package did

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/R3E-Network/payment_layer/pkg/logger"
)

// HTTPResolver fetches DID documents from a universal-resolver style
// endpoint: GET {base}/1.0/identifiers/{did}.
type HTTPResolver struct {
	client   *http.Client
	endpoint *url.URL
	apiKey   string
	log      *logger.Logger
}

// NewHTTPResolver constructs a resolver using the provided endpoint.
func NewHTTPResolver(client *http.Client, endpoint, apiKey string, log *logger.Logger) (*HTTPResolver, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("resolver endpoint required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse resolver endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("did-http-resolver")
	}
	return &HTTPResolver{
		client:   client,
		endpoint: parsed,
		apiKey:   strings.TrimSpace(apiKey),
		log:      log,
	}, nil
}

// Resolve fetches the document for one identity.
func (r *HTTPResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	requestURL := *r.endpoint
	requestURL.Path = strings.TrimRight(requestURL.Path, "/") + "/1.0/identifiers/" + url.PathEscape(did)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build resolver request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("resolver request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolver status %d", resp.StatusCode)
	}

	// Universal resolvers wrap the document in a resolution envelope; some
	// registries return the bare document.
	var payload struct {
		DIDDocument *Document `json:"didDocument"`
		Metadata    struct {
			Error string `json:"error"`
		} `json:"didResolutionMetadata"`
		Document
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode resolver response: %w", err)
	}

	doc := payload.DIDDocument
	if doc == nil && payload.Document.ID != "" {
		doc = &payload.Document
	}
	if doc == nil {
		if strings.EqualFold(payload.Metadata.Error, "notFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolver returned no document (error %q)", payload.Metadata.Error)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("resolver returned document for %q, want %q", doc.ID, did)
	}
	return doc, nil
}

var _ Resolver = (*HTTPResolver)(nil)
