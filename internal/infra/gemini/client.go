package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
	"github.com/scribeworks/scribe-processing-service/internal/quota"
	"github.com/scribeworks/scribe-processing-service/internal/retry"
	"github.com/scribeworks/scribe-processing-service/internal/telemetry"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type ClientConfig struct {
	BaseURL  string
	APIKey   string
	Modality string
	Retry    retry.Config
	Timeout  time.Duration
}

// Client drives the generateContent endpoint. Every call consults the quota
// monitor before going out and feeds token usage back into it afterwards.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modality   string
	retryCfg   retry.Config
	quota      *quota.Monitor
	monitor    *telemetry.RunMonitor
	logger     *zap.Logger
}

func NewClient(cfg ClientConfig, quotaMonitor *quota.Monitor, runMonitor *telemetry.RunMonitor, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	modality := cfg.Modality
	if modality == "" {
		modality = "video"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		modality:   modality,
		retryCfg:   cfg.Retry,
		quota:      quotaMonitor,
		monitor:    runMonitor,
		logger:     logger,
	}
}

type inlineData struct {
	Data     string `json:"data"`
	MIMEType string `json:"mime_type"`
}

type fileData struct {
	FileURI  string `json:"file_uri"`
	MIMEType string `json:"mime_type"`
}

type videoMetadata struct {
	StartOffset string  `json:"start_offset,omitempty"`
	EndOffset   string  `json:"end_offset,omitempty"`
	FPS         float64 `json:"fps,omitempty"`
}

type requestPart struct {
	Text          string         `json:"text,omitempty"`
	InlineData    *inlineData    `json:"inline_data,omitempty"`
	FileData      *fileData      `json:"file_data,omitempty"`
	VideoMetadata *videoMetadata `json:"video_metadata,omitempty"`
}

type requestContent struct {
	Role  string        `json:"role"`
	Parts []requestPart `json:"parts"`
}

type generateRequest struct {
	Contents []requestContent `json:"contents"`
}

type responsePart struct {
	Text string `json:"text"`
}

type responseContent struct {
	Parts []responsePart `json:"parts"`
}

type candidate struct {
	Content responseContent `json:"content"`
}

type usageMetadata struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	TotalTokenCount      int64 `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

// GenerateContent issues one generation request through the retry wrapper.
// A preemptive quota sleep, when warranted, happens on the calling
// goroutine before the request goes out.
func (c *Client) GenerateContent(ctx context.Context, model string, parts []port.GenerationPart) (*port.GenerationResult, error) {
	if sleep := c.quota.RegisterRequest(model); sleep > 0 {
		c.logger.Debug("preemptive quota sleep",
			zap.String("model", model),
			zap.Duration("sleep", sleep),
		)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	body, err := json.Marshal(buildRequest(parts))
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, model)
	started := time.Now().UTC()

	parsed, err := retry.Do(ctx, c.logger, c.retryCfg, "generate_content", func() (*generateResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
		}

		var out generateResponse
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("parse generate response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues(model, "error").Inc()
		return nil, err
	}
	finished := time.Now().UTC()

	var text strings.Builder
	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}

	usage := port.TokenUsage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	c.quota.RegisterTokens(model, usage.TotalTokens)
	metrics.GenerationRequestsTotal.WithLabelValues(model, "ok").Inc()
	metrics.GenerationTokensTotal.WithLabelValues(model, "input").Add(float64(usage.InputTokens))
	metrics.GenerationTokensTotal.WithLabelValues(model, "output").Add(float64(usage.OutputTokens))

	if c.monitor != nil {
		c.monitor.Record(telemetry.RequestEvent{
			Model:        model,
			Modality:     c.modality,
			StartedAt:    started,
			FinishedAt:   finished,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		})
	}

	return &port.GenerationResult{Text: text.String(), Usage: usage}, nil
}

func buildRequest(parts []port.GenerationPart) generateRequest {
	wire := make([]requestPart, 0, len(parts))
	for _, part := range parts {
		var meta *videoMetadata
		if part.StartOffset != "" || part.EndOffset != "" || part.FPS > 0 {
			meta = &videoMetadata{StartOffset: part.StartOffset, EndOffset: part.EndOffset, FPS: part.FPS}
		}

		switch {
		case part.FileURI != "":
			wire = append(wire, requestPart{
				FileData:      &fileData{FileURI: part.FileURI, MIMEType: part.MIMEType},
				VideoMetadata: meta,
			})
		case part.InlineData != nil:
			wire = append(wire, requestPart{
				InlineData: &inlineData{
					Data:     base64.StdEncoding.EncodeToString(part.InlineData),
					MIMEType: part.MIMEType,
				},
				VideoMetadata: meta,
			})
		default:
			wire = append(wire, requestPart{Text: part.Text})
		}
	}
	return generateRequest{Contents: []requestContent{{Role: "user", Parts: wire}}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
