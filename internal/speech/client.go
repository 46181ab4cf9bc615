// Package speech wraps OpenAI-compatible text-to-speech and speech-to-text
// endpoints. Both directions degrade to an empty result instead of failing,
// so callers can always fall back to text.
package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL  = "https://api.openai.com/v1"
	defaultTimeout  = 60 * time.Second
	maxAudioSize    = 25 << 20
	defaultTTSModel = "gpt-4o-mini-tts"
	defaultSTTModel = "whisper-1"
	defaultVoice    = "nova"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	TTSModel   string
	STTModel   string
	Voice      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the speech endpoints.
type Client struct {
	baseURL    string
	apiKey     string
	ttsModel   string
	sttModel   string
	voice      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		ttsModel:   opts.TTSModel,
		sttModel:   opts.STTModel,
		voice:      opts.Voice,
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
		logger:     slog.Default(),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.ttsModel == "" {
		c.ttsModel = defaultTTSModel
	}
	if c.sttModel == "" {
		c.sttModel = defaultSTTModel
	}
	if c.voice == "" {
		c.voice = defaultVoice
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	return c
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Synthesize converts text to speech and returns the audio base64-encoded.
// It returns false on any failure.
func (c *Client) Synthesize(ctx context.Context, text string) (string, bool) {
	if !c.Enabled() || strings.TrimSpace(text) == "" {
		return "", false
	}
	body, _ := json.Marshal(map[string]string{
		"model":           c.ttsModel,
		"input":           text,
		"voice":           c.voice,
		"response_format": "mp3",
	})

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("speech synthesis failed", "error", err)
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	audio, err := c.do(req)
	if err != nil {
		c.logger.Warn("speech synthesis failed", "error", err)
		return "", false
	}
	if len(audio) == 0 {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(audio), true
}

// Transcribe converts an audio clip to text. It returns false on any failure
// or when nothing was recognized.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, bool) {
	if !c.Enabled() || len(audio) == 0 {
		return "", false
	}
	if filename == "" {
		filename = "audio.ogg"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", c.sttModel); err != nil {
		return "", false
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", false
	}
	if _, err := fw.Write(audio); err != nil {
		return "", false
	}
	if err := mw.Close(); err != nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		c.logger.Warn("transcription failed", "error", err)
		return "", false
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	respBody, err := c.do(req)
	if err != nil {
		c.logger.Warn("transcription failed", "error", err)
		return "", false
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Warn("transcription failed", "error", fmt.Errorf("decoding response: %w", err))
		return "", false
	}
	text := strings.TrimSpace(parsed.Text)
	return text, text != ""
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return body, nil
}
