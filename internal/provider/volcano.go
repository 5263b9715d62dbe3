package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Volcano Engine API paths.
const (
	volcanoSynthesizePath = "/api/v1/tts"
	volcanoQueryPath      = "/api/v1/tts/query"
	volcanoHealthPath     = "/api/v1/tts/health"
)

// HTTP headers shared by the HTTP adapters.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
)

// Defaults for synthesis parameters the caller leaves unset.
const (
	defaultAudioFormat = "wav"
	defaultSpeechSpeed = 1.0
	streamFrameSize    = 32 * 1024
)

// Volcano response codes. Anything other than volcanoCodeOK is a vendor
// level failure even when the HTTP status is 200.
const volcanoCodeOK = 3000

// Static adapter errors.
var (
	ErrTextEmpty          = errors.New("synthesis text cannot be empty")
	ErrEmptyAudio         = errors.New("provider returned empty audio data")
	ErrMissingCredentials = errors.New("provider credentials are missing")
)

// volcanoRequest is the JSON payload of one Volcano synthesis call.
type volcanoRequest struct {
	AppID   string  `json:"appid"`
	Token   string  `json:"token"`
	Text    string  `json:"text"`
	Voice   string  `json:"voice_type"`
	Format  string  `json:"encoding"`
	Speed   float64 `json:"speed_ratio"`
	Cluster string  `json:"cluster,omitempty"`
}

// volcanoResponse is the JSON body of a Volcano synthesis response. Audio
// arrives base64-encoded in Data.
type volcanoResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"reqid"`
	Data      string `json:"data"`
}

// volcanoStatusResponse is the JSON body of a Volcano job status query.
type volcanoStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// VolcanoAdapter speaks the Volcano Engine TTS HTTP API.
type VolcanoAdapter struct {
	providerID string
	endpoint   string
	appID      string
	token      string
	cluster    string
	httpClient *http.Client
}

// NewVolcanoAdapter creates an adapter from a provider configuration
// snapshot. Credentials.Key carries the app id, Credentials.Secret the
// access token; the optional "cluster" extra selects the vendor cluster.
func NewVolcanoAdapter(cfg core.ProviderConfig, timeout time.Duration) (*VolcanoAdapter, error) {
	if cfg.Credentials.Key == "" || cfg.Credentials.Secret == "" {
		return nil, fmt.Errorf("%w: volcano needs an app id and an access token", ErrMissingCredentials)
	}

	return &VolcanoAdapter{
		providerID: cfg.ID,
		endpoint:   cfg.Endpoint,
		appID:      cfg.Credentials.Key,
		token:      cfg.Credentials.Secret,
		cluster:    cfg.Extra["cluster"],
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ID returns the provider id the adapter serves.
func (a *VolcanoAdapter) ID() string {
	return a.providerID
}

// Connect verifies the vendor session with one health probe.
func (a *VolcanoAdapter) Connect(ctx context.Context) error {
	_, err := a.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to volcano at %s: %w", a.endpoint, err)
	}

	return nil
}

// Synthesize performs one synthesis call. A failure after the request was
// accepted remotely is surfaced with PartialResult set, because the vendor
// may have billed the request even though no audio arrived.
func (a *VolcanoAdapter) Synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	body, err := a.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := a.post(ctx, volcanoSynthesizePath, body)
	if err != nil {
		return nil, core.NewTransientError(a.providerID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, a.classifyHTTPFailure(resp)
	}

	var parsed volcanoResponse

	err = json.NewDecoder(resp.Body).Decode(&parsed)
	if err != nil {
		return nil, &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindTransient,
			PartialResult: true,
			Err:           fmt.Errorf("failed to decode synthesis response: %w", err),
		}
	}

	if parsed.Code != volcanoCodeOK {
		return nil, a.classifyVendorCode(parsed.Code, parsed.Message)
	}

	audio, err := base64.StdEncoding.DecodeString(parsed.Data)
	if err != nil {
		return nil, &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindPermanent,
			PartialResult: true,
			Err:           fmt.Errorf("failed to decode base64 audio: %w", err),
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
		ContentType: "audio/" + a.format(req),
		RemoteID:    parsed.RequestID,
	}, nil
}

// SynthesizeStream yields the synthesized audio as a lazy, finite sequence
// of frames. The sequence is non-restartable; a provider failure arrives as
// a terminal frame with Err set before the channel closes.
func (a *VolcanoAdapter) SynthesizeStream(
	ctx context.Context,
	req core.SynthesisRequest,
) (<-chan core.Frame, error) {
	result, err := a.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	frames := make(chan core.Frame)

	go func() {
		defer close(frames)

		for offset := 0; offset < len(result.Audio); offset += streamFrameSize {
			end := offset + streamFrameSize
			if end > len(result.Audio) {
				end = len(result.Audio)
			}

			select {
			case frames <- core.Frame{Data: result.Audio[offset:end], Err: nil}:
			case <-ctx.Done():
				// The consumer may already be gone; never block on the
				// terminal frame.
				select {
				case frames <- core.Frame{Data: nil, Err: ctx.Err()}:
				default:
				}

				return
			}
		}
	}()

	return frames, nil
}

// CheckStatus reports the vendor-side state of a previously submitted job.
func (a *VolcanoAdapter) CheckStatus(ctx context.Context, remoteID string) (core.RemoteStatus, error) {
	body, err := json.Marshal(map[string]string{"appid": a.appID, "reqid": remoteID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal status query: %w", err)
	}

	resp, err := a.post(ctx, volcanoQueryPath, body)
	if err != nil {
		return "", core.NewTransientError(a.providerID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", a.classifyHTTPFailure(resp)
	}

	var parsed volcanoStatusResponse

	err = json.NewDecoder(resp.Body).Decode(&parsed)
	if err != nil {
		return "", core.NewTransientError(a.providerID,
			fmt.Errorf("failed to decode status response: %w", err))
	}

	switch parsed.Status {
	case "queued":
		return core.RemoteQueued, nil
	case "running":
		return core.RemoteRunning, nil
	case "done":
		return core.RemoteDone, nil
	default:
		return core.RemoteFailed, nil
	}
}

// HealthCheck probes vendor availability through the health endpoint.
func (a *VolcanoAdapter) HealthCheck(ctx context.Context) (core.HealthInfo, error) {
	started := time.Now()

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		a.endpoint+volcanoHealthPath,
		http.NoBody,
	)
	if err != nil {
		return core.HealthInfo{}, fmt.Errorf("failed to create health request: %w", err)
	}

	httpReq.Header.Set(headerAuthorization, "Bearer;"+a.token)

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
		Detail:    "",
		Latency:   time.Since(started),
		CheckedAt: time.Now(),
	}, nil
}

// Teardown releases the vendor session.
func (a *VolcanoAdapter) Teardown(_ context.Context) error {
	a.httpClient.CloseIdleConnections()

	return nil
}

func (a *VolcanoAdapter) buildRequestBody(req core.SynthesisRequest) ([]byte, error) {
	if req.Text == "" {
		return nil, core.NewPermanentError(a.providerID, ErrTextEmpty)
	}

	speed := req.Speed
	if speed == 0 {
		speed = defaultSpeechSpeed
	}

	body, err := json.Marshal(volcanoRequest{
		AppID:   a.appID,
		Token:   a.token,
		Text:    req.Text,
		Voice:   req.Voice,
		Format:  a.format(req),
		Speed:   speed,
		Cluster: a.cluster,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	return body, nil
}

func (a *VolcanoAdapter) format(req core.SynthesisRequest) string {
	if req.Format == "" {
		return defaultAudioFormat
	}

	return req.Format
}

func (a *VolcanoAdapter) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		a.endpoint+path,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach volcano at %s: %w", a.endpoint, err)
	}

	return resp, nil
}

// classifyHTTPFailure drains the error body for diagnostics and maps the
// status code onto the retry taxonomy: 429 and 5xx are transient, other
// 4xx are permanent.
func (a *VolcanoAdapter) classifyHTTPFailure(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	cause := fmt.Errorf("volcano returned %s: %s", resp.Status, string(body))

	if transientHTTPStatus(resp.StatusCode) {
		return core.NewTransientError(a.providerID, cause)
	}

	return core.NewPermanentError(a.providerID, cause)
}

// classifyVendorCode maps a non-OK vendor code onto the retry taxonomy.
// Vendor codes at or above 5000 are server-side and worth retrying.
func (a *VolcanoAdapter) classifyVendorCode(code int, message string) error {
	cause := fmt.Errorf("volcano code %d: %s", code, message)

	if code >= 5000 {
		return &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindTransient,
			PartialResult: true,
			Err:           cause,
		}
	}

	return core.NewPermanentError(a.providerID, cause)
}

// transientHTTPStatus reports whether a status code indicates a failure
// worth retrying.
func transientHTTPStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
