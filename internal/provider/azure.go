package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Azure Cognitive Services API paths and headers.
const (
	azureSynthesizePath = "/cognitiveservices/v1"
	azureVoicesPath     = "/cognitiveservices/voices/list"

	headerSubscriptionKey = "Ocp-Apim-Subscription-Key"
	headerOutputFormat    = "X-Microsoft-OutputFormat"
	contentTypeSSML       = "application/ssml+xml"
)

// Azure output formats by requested container.
var azureFormats = map[string]string{
	"wav": "riff-44100hz-16bit-mono-pcm",
	"mp3": "audio-24khz-96kbitrate-mono-mp3",
	"ogg": "ogg-24khz-16bit-mono-opus",
}

// ErrUnsupportedFormat indicates the requested audio container has no
// Azure output format mapping.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// AzureAdapter speaks the Azure Cognitive Services speech synthesis API.
// Requests go out as SSML documents; responses are raw audio bytes.
type AzureAdapter struct {
	providerID string
	endpoint   string
	key        string
	region     string
	httpClient *http.Client
}

// NewAzureAdapter creates an adapter from a provider configuration
// snapshot. Credentials.Key carries the subscription key.
func NewAzureAdapter(cfg core.ProviderConfig, timeout time.Duration) (*AzureAdapter, error) {
	if cfg.Credentials.Key == "" {
		return nil, fmt.Errorf("%w: azure needs a subscription key", ErrMissingCredentials)
	}

	return &AzureAdapter{
		providerID: cfg.ID,
		endpoint:   cfg.Endpoint,
		key:        cfg.Credentials.Key,
		region:     cfg.Credentials.Region,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ID returns the provider id the adapter serves.
func (a *AzureAdapter) ID() string {
	return a.providerID
}

// Connect verifies the vendor session with one voices-list probe.
func (a *AzureAdapter) Connect(ctx context.Context) error {
	_, err := a.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to azure at %s: %w", a.endpoint, err)
	}

	return nil
}

// Synthesize performs one synthesis call. A failure while reading an
// already-accepted response is surfaced with PartialResult set.
func (a *AzureAdapter) Synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	if req.Text == "" {
		return nil, core.NewPermanentError(a.providerID, ErrTextEmpty)
	}

	format, ok := azureFormats[a.container(req)]
	if !ok {
		return nil, core.NewPermanentError(a.providerID,
			fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format))
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.endpoint+azureSynthesizePath,
		strings.NewReader(buildSSML(req)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeSSML)
	httpReq.Header.Set(headerSubscriptionKey, a.key)
	httpReq.Header.Set(headerOutputFormat, format)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewTransientError(a.providerID,
			fmt.Errorf("failed to reach azure at %s: %w", a.endpoint, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyHTTPFailure(resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindTransient,
			PartialResult: true,
			Err:           fmt.Errorf("failed to read audio response: %w", err),
		}
	}

	if len(audio) == 0 {
		return nil, &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindTransient,
			PartialResult: true,
			Err:           ErrEmptyAudio,
		}
	}

	return &core.SynthesisResult{
		Audio:       audio,
		ContentType: "audio/" + a.container(req),
		RemoteID:    resp.Header.Get("X-RequestId"),
	}, nil
}

// CheckStatus reports the vendor-side state of a submitted job. Azure's
// synthesis endpoint is synchronous, so any id it returned is done.
func (a *AzureAdapter) CheckStatus(_ context.Context, _ string) (core.RemoteStatus, error) {
	return core.RemoteDone, nil
}

// HealthCheck probes vendor availability through the voices-list endpoint.
func (a *AzureAdapter) HealthCheck(ctx context.Context) (core.HealthInfo, error) {
	started := time.Now()

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		a.endpoint+azureVoicesPath,
		http.NoBody,
	)
	if err != nil {
		return core.HealthInfo{}, fmt.Errorf("failed to create health request: %w", err)
	}

	httpReq.Header.Set(headerSubscriptionKey, a.key)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return core.HealthInfo{}, core.NewTransientError(a.providerID,
			fmt.Errorf("health check failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return core.HealthInfo{}, a.classifyHTTPFailure(resp)
	}

	return core.HealthInfo{
		Healthy:   true,
		Detail:    "region " + a.region,
		Latency:   time.Since(started),
		CheckedAt: time.Now(),
	}, nil
}

// Teardown releases the vendor session.
func (a *AzureAdapter) Teardown(_ context.Context) error {
	a.httpClient.CloseIdleConnections()

	return nil
}

func (a *AzureAdapter) container(req core.SynthesisRequest) string {
	if req.Format == "" {
		return defaultAudioFormat
	}

	return req.Format
}

func (a *AzureAdapter) classifyHTTPFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	cause := fmt.Errorf("azure returned %s: %s", resp.Status, string(body))

	if transientHTTPStatus(resp.StatusCode) {
		return core.NewTransientError(a.providerID, cause)
	}

	return core.NewPermanentError(a.providerID, cause)
}

// buildSSML wraps the request text in the minimal SSML document the
// synthesis endpoint requires. Prosody is only emitted for non-default
// speeds to keep the document small.
func buildSSML(req core.SynthesisRequest) string {
	var builder strings.Builder

	builder.WriteString(`<speak version="1.0" xml:lang="en-US">`)
	builder.WriteString(`<voice name="` + escapeSSML(req.Voice) + `">`)

	if req.Speed != 0 && req.Speed != defaultSpeechSpeed {
		builder.WriteString(fmt.Sprintf(`<prosody rate="%.2f">`, req.Speed))
		builder.WriteString(escapeSSML(req.Text))
		builder.WriteString(`</prosody>`)
	} else {
		builder.WriteString(escapeSSML(req.Text))
	}

	builder.WriteString(`</voice></speak>`)

	return builder.String()
}

var ssmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeSSML(text string) string {
	return ssmlEscaper.Replace(text)
}
