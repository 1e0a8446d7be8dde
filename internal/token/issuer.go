package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marie909/avatard/internal/policy"
)

// Kind partitions issuance failures the way the HTTP layer reports them.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindUpstream      Kind = "upstream"
	KindInternal      Kind = "internal"
)

const (
	genericUpstreamMessage = "Failed to create token"
	genericInternalMessage = "Internal server error"
)

// Error is a normalized token-issuance failure. No raw provider or network
// fault escapes the issuer un-normalized.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("token issuance failed (%s): %s", e.Kind, e.Message)
}

// HTTPStatus is the status the proxy endpoint should mirror to its caller.
func (e *Error) HTTPStatus() int {
	if e.Kind == KindUpstream && e.Status >= 400 && e.Status < 600 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Options configures an Issuer. APIKey may be empty; issuance then fails
// with KindConfiguration without contacting the provider.
type Options struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Issuer exchanges the server-held credential for a short-lived session
// token at the provider's token endpoint.
type Issuer struct {
	apiKey  string
	baseURL string
	client  *http.Client
	timeout time.Duration
	log     zerolog.Logger
}

func NewIssuer(opts Options) *Issuer {
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = "https://api.heygen.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Issuer{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  opts.HTTPClient,
		timeout: opts.Timeout,
		log:     opts.Logger,
	}
}

// Issue performs one token-issuance call and returns the provider's response
// body verbatim. The caller treats the body as opaque JSON; the session
// controller extracts the nested token via IssueToken.
func (i *Issuer) Issue(ctx context.Context) (json.RawMessage, error) {
	if i.apiKey == "" {
		err := &Error{Kind: KindConfiguration, Status: http.StatusInternalServerError, Message: "API key not configured"}
		i.log.Error().Str("kind", string(err.Kind)).Msg("token issuance refused")
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.baseURL+"/v1/streaming.create_token", nil)
	if err != nil {
		return nil, i.internalError(err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The credential travels only as a header, never in the body or URL.
	req.Header.Set("x-api-key", i.apiKey)

	res, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			upErr := &Error{Kind: KindUpstream, Status: http.StatusGatewayTimeout, Message: genericUpstreamMessage}
			i.log.Error().Str("kind", string(upErr.Kind)).Msg("token issuance timed out")
			return nil, upErr
		}
		return nil, i.internalError(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, i.internalError(err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		upErr := &Error{
			Kind:    KindUpstream,
			Status:  res.StatusCode,
			Message: upstreamMessage(body),
		}
		redacted, _ := policy.RedactSecrets(upErr.Message, i.apiKey)
		upErr.Message = redacted
		i.log.Error().
			Str("kind", string(upErr.Kind)).
			Int("upstream_status", res.StatusCode).
			Str("message", redacted).
			Msg("token issuance rejected upstream")
		return nil, upErr
	}

	return json.RawMessage(body), nil
}

// IssueToken issues and extracts the nested session token string.
func (i *Issuer) IssueToken(ctx context.Context) (string, error) {
	raw, err := i.Issue(ctx)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || strings.TrimSpace(parsed.Data.Token) == "" {
		upErr := &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Message: "provider response did not contain a token"}
		i.log.Error().Str("kind", string(upErr.Kind)).Msg("token extraction failed")
		return "", upErr
	}
	return parsed.Data.Token, nil
}

func (i *Issuer) internalError(cause error) *Error {
	redacted, _ := policy.RedactSecrets(cause.Error(), i.apiKey)
	// Detail stays in the log; the caller only ever sees the generic message.
	i.log.Error().Str("kind", string(KindInternal)).Str("detail", redacted).Msg("token issuance failed")
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: genericInternalMessage}
}

// upstreamMessage extracts a human-readable message from a provider error
// body: structured message|error field first, then raw text, then a fixed
// fallback. Garbage bodies must not fault the issuer.
func upstreamMessage(body []byte) string {
	var structured struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &structured); err == nil {
		if m := strings.TrimSpace(structured.Message); m != "" {
			return m
		}
		if m := strings.TrimSpace(structured.Error); m != "" {
			return m
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return genericUpstreamMessage
}
