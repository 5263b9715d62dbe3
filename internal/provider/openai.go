package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// OpenAIAdapter wraps the OpenAI speech API through the go-openai client.
// The endpoint in the provider configuration overrides the client base URL
// so tests and gateway deployments can point it elsewhere.
type OpenAIAdapter struct {
	providerID string
	client     *openai.Client
	model      string
}

// NewOpenAIAdapter creates an adapter from a provider configuration
// snapshot. Credentials.Key carries the API key; the optional "model"
// extra overrides the default speech model.
func NewOpenAIAdapter(cfg core.ProviderConfig, timeout time.Duration) (*OpenAIAdapter, error) {
	if cfg.Credentials.Key == "" {
		return nil, fmt.Errorf("%w: openai needs an api key", ErrMissingCredentials)
	}

	clientConfig := openai.DefaultConfig(cfg.Credentials.Key)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}

	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	model := cfg.Extra["model"]
	if model == "" {
		model = string(openai.TTSModel1)
	}

	return &OpenAIAdapter{
		providerID: cfg.ID,
		client:     openai.NewClientWithConfig(clientConfig),
		model:      model,
	}, nil
}

// ID returns the provider id the adapter serves.
func (a *OpenAIAdapter) ID() string {
	return a.providerID
}

// Connect verifies the vendor session with one model listing.
func (a *OpenAIAdapter) Connect(ctx context.Context) error {
	_, err := a.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to openai: %w", a.classify(err))
	}

	return nil
}

// Synthesize performs one speech call. The response body is undelimited
// audio; a read failure after the call was accepted is surfaced with
// PartialResult set.
func (a *OpenAIAdapter) Synthesize(
	ctx context.Context,
	req core.SynthesisRequest,
) (*core.SynthesisResult, error) {
	if req.Text == "" {
		return nil, core.NewPermanentError(a.providerID, ErrTextEmpty)
	}

	voice := req.Voice
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}

	format := req.Format
	if format == "" {
		format = defaultAudioFormat
	}

	response, err := a.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(a.model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormat(format),
		Speed:          req.Speed,
	})
	if err != nil {
		return nil, a.classify(err)
	}
	defer func() { _ = response.Close() }()

	audio, err := io.ReadAll(response)
	if err != nil {
		return nil, &core.ProviderError{
			Provider:      a.providerID,
			Kind:          core.KindTransient,
			PartialResult: true,
			Err:           fmt.Errorf("failed to read speech response: %w", err),
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
		ContentType: "audio/" + format,
		RemoteID:    "",
	}, nil
}

// CheckStatus reports the vendor-side state of a submitted job. The speech
// endpoint is synchronous, so any completed call is done.
func (a *OpenAIAdapter) CheckStatus(_ context.Context, _ string) (core.RemoteStatus, error) {
	return core.RemoteDone, nil
}

// HealthCheck probes vendor availability through the models endpoint.
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) (core.HealthInfo, error) {
	started := time.Now()

	models, err := a.client.ListModels(ctx)
	if err != nil {
		return core.HealthInfo{}, a.classify(err)
	}

	return core.HealthInfo{
		Healthy:   true,
		Detail:    fmt.Sprintf("%d models visible", len(models.Models)),
		Latency:   time.Since(started),
		CheckedAt: time.Now(),
	}, nil
}

// Teardown releases the vendor session. The go-openai client holds no
// connection state beyond its HTTP transport.
func (a *OpenAIAdapter) Teardown(_ context.Context) error {
	return nil
}

// classify maps a go-openai error onto the retry taxonomy using the API
// error status code when one is present.
func (a *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if transientHTTPStatus(apiErr.HTTPStatusCode) {
			return core.NewTransientError(a.providerID, err)
		}

		return core.NewPermanentError(a.providerID, err)
	}

	// Transport-level failures (timeouts, resets) have no status code.
	return core.NewTransientError(a.providerID, err)
}
