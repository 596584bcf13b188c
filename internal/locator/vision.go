// File: internal/locator/vision.go
package locator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/marionette/internal/config"
)

// CoordinateEstimator guesses an on-screen point for a target description
// from a screenshot. Used by the coordinate tier when neither element bounds
// nor OCR ranking produced a location.
type CoordinateEstimator interface {
	EstimatePoint(ctx context.Context, target string, screenshotPNG []byte) (Point, error)
}

// VisionLocator estimates coordinates with a multimodal model.
type VisionLocator struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

// NewVisionLocator builds a genai-backed estimator, or returns nil (with no
// error) when the feature is disabled in config.
func NewVisionLocator(ctx context.Context, cfg config.VisionConfig, logger *zap.Logger) (*VisionLocator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &VisionLocator{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("VisionLocator"),
	}, nil
}

// visionReply is the JSON shape the model is instructed to return.
type visionReply struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

const visionPrompt = `You are locating a UI element in a desktop screenshot.
Target description: %q
Reply with strict JSON only: {"found": bool, "x": <center x px>, "y": <center y px>}.
If the element is not visible, reply {"found": false, "x": 0, "y": 0}.`

// EstimatePoint asks the model for the target's center point in pixel
// coordinates.
func (v *VisionLocator) EstimatePoint(ctx context.Context, target string, screenshotPNG []byte) (Point, error) {
	if len(screenshotPNG) == 0 {
		return Point{}, fmt.Errorf("vision estimate requires a screenshot")
	}
	contents := []*genai.Content{{
		Parts: []*genai.Part{
			genai.NewPartFromText(fmt.Sprintf(visionPrompt, target)),
			genai.NewPartFromBytes(screenshotPNG, "image/png"),
		},
	}}

	resp, err := v.client.Models.GenerateContent(ctx, v.model, contents, nil)
	if err != nil {
		return Point{}, fmt.Errorf("vision model call failed: %w", err)
	}

	raw := strings.TrimSpace(resp.Text())
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var reply visionReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reply); err != nil {
		v.logger.Debug("Unparseable vision reply", zap.String("raw", raw))
		return Point{}, fmt.Errorf("vision reply was not valid JSON: %w", err)
	}
	if !reply.Found {
		return Point{}, fmt.Errorf("vision model did not find %q", target)
	}
	return Point{X: reply.X, Y: reply.Y}, nil
}
