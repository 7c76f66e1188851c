package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid gemini api key")
	ErrQuotaExceeded      = errors.New("gemini api quota exceeded")
	ErrPermissionDenied   = errors.New("gemini api permission denied")
	ErrMalformedRequest   = errors.New("invalid image format or request")
	ErrEmptyAnalysis      = errors.New("no analysis result received")
)

// DefaultAnalysisPrompt is substituted when the user submits images without
// any text.
const DefaultAnalysisPrompt = "Please analyze these images in detail. Describe what you see, identify key elements, patterns, data, text, or any notable features. Provide insights and observations that would be helpful for understanding the content."

const maxInlineImageSize = 10 << 20

type GeminiConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// Usage reports token accounting from the analysis call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// GeminiClient calls the Gemini generateContent API with a text prompt plus
// inline image data. Images given as data URLs are decoded directly; http(s)
// URLs are fetched and re-encoded.
type GeminiClient struct {
	httpClient *http.Client
}

func NewGeminiClient() *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// Analyze sends the prompt and all images in a single request and returns
// the generated analysis text.
func (c *GeminiClient) Analyze(ctx context.Context, cfg GeminiConfig, message string, images []string) (string, Usage, error) {
	if len(images) == 0 {
		return "", Usage{}, fmt.Errorf("%w: no images provided", ErrMalformedRequest)
	}

	parts := make([]part, 0, len(images)+1)
	parts = append(parts, part{Text: buildPrompt(message)})
	for _, image := range images {
		inline, err := c.imagePart(ctx, image)
		if err != nil {
			return "", Usage{}, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
		}
		parts = append(parts, inline)
	}

	reqBody := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal gemini request failed: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.Model, cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", Usage{}, fmt.Errorf("build gemini request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("read gemini response failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", Usage{}, classifyAPIError(resp.StatusCode, raw)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("parse gemini json failed: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", Usage{}, ErrEmptyAnalysis
	}

	var analysis strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		analysis.WriteString(p.Text)
	}
	text := strings.TrimSpace(analysis.String())
	if text == "" {
		return "", Usage{}, ErrEmptyAnalysis
	}

	usage := Usage{
		PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
		CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
	}
	return text, usage, nil
}

// buildPrompt picks specialization instructions from keywords in the user
// message and wraps the message in the analysis template.
func buildPrompt(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		message = DefaultAnalysisPrompt
	}
	lower := strings.ToLower(message)

	var specialization, focus string
	switch {
	case strings.Contains(lower, "diagnose") || strings.Contains(lower, "problem") || strings.Contains(lower, "issue"):
		specialization = "Focus on detecting visual symptoms, flaws, defects, or anomalies in the image."
		focus = "Look for any warning signs or patterns that indicate a problem or malfunction."
	case strings.Contains(lower, "improve") || strings.Contains(lower, "enhance"):
		specialization = "Focus on analyzing quality, composition, and areas for improvement."
		focus = "Give constructive suggestions for enhancing the visual or structural aspects."
	case strings.Contains(lower, "describe") || strings.Contains(lower, "analyze"):
		specialization = "Provide a thorough and objective analysis of the image."
		focus = "Describe what you see in clear, human-friendly terms."
	default:
		specialization = "Try to understand the context based on the image(s) and message."
		focus = "Respond in a relevant, helpful, and insightful way."
	}

	return fmt.Sprintf(`You are an expert visual and contextual AI assistant.
Your task is to:
1. Carefully examine the attached image(s).
2. Fully understand the user's message and intent.
3. Connect the visual details from the image(s) with what the user is asking or describing.
4. %s
5. %s

Here is the user's message:
%q

Now begin your analysis and respond in a helpful and clear manner.`, specialization, focus, message)
}

// imagePart converts a data URL or fetchable URL into an inline image part.
func (c *GeminiClient) imagePart(ctx context.Context, image string) (part, error) {
	if strings.HasPrefix(image, "data:") {
		return dataURLPart(image)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, image, nil)
	if err != nil {
		return part{}, fmt.Errorf("build image fetch failed: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return part{}, fmt.Errorf("fetch image failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return part{}, fmt.Errorf("fetch image status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineImageSize))
	if err != nil {
		return part{}, fmt.Errorf("read image failed: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return part{InlineData: &inlineData{
		MimeType: mimeType,
		Data:     base64.StdEncoding.EncodeToString(data),
	}}, nil
}

func dataURLPart(dataURL string) (part, error) {
	rest := strings.TrimPrefix(dataURL, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return part{}, fmt.Errorf("malformed data url")
	}
	mimeType := strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	if !strings.HasSuffix(meta, ";base64") {
		return part{}, fmt.Errorf("data url is not base64 encoded")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return part{}, fmt.Errorf("decode data url failed: %w", err)
	}
	return part{InlineData: &inlineData{MimeType: mimeType, Data: payload}}, nil
}

// classifyAPIError maps Gemini failures onto the fixed error taxonomy used
// by the chat workflow.
func classifyAPIError(status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &parsed)
	message := parsed.Error.Message

	switch {
	case status == http.StatusUnauthorized || strings.Contains(message, "API_KEY_INVALID") || strings.Contains(parsed.Error.Status, "UNAUTHENTICATED"):
		return fmt.Errorf("%w: %s", ErrInvalidCredentials, message)
	case status == http.StatusTooManyRequests || strings.Contains(message, "QUOTA_EXCEEDED") || strings.Contains(parsed.Error.Status, "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, message)
	case status == http.StatusForbidden || strings.Contains(message, "PERMISSION_DENIED"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, message)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrMalformedRequest, message)
	}
	if message != "" {
		return fmt.Errorf("gemini api error: %s", message)
	}
	return fmt.Errorf("gemini response status %d", status)
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}
