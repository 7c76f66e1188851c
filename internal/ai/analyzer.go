package ai

import "context"

// ImageAnalyzer binds a GeminiClient to its configuration so callers only
// supply the turn's message and images.
type ImageAnalyzer struct {
	client *GeminiClient
	cfg    GeminiConfig
}

func NewImageAnalyzer(cfg GeminiConfig) *ImageAnalyzer {
	return &ImageAnalyzer{
		client: NewGeminiClient(),
		cfg:    cfg,
	}
}

func (a *ImageAnalyzer) Analyze(ctx context.Context, message string, images []string) (string, Usage, error) {
	return a.client.Analyze(ctx, a.cfg, message, images)
}
