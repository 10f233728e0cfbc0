package provider

// GenerationConfig carries the sampling parameters forwarded to the
// completion endpoint.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// SafetySetting is passed through opaquely; the engine does not
// interpret categories.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// CompletionRequest is one prompt for one model.
type CompletionRequest struct {
	Model      string
	Prompt     string
	Generation GenerationConfig
	Safety     []SafetySetting
}

// CompletionResponse is the concatenated text of the first candidate.
type CompletionResponse struct {
	Text         string
	FinishReason string
	Usage        *UsageInfo
}

type UsageInfo struct {
	PromptTokens     int `json:"promptTokenCount"`
	CompletionTokens int `json:"candidatesTokenCount"`
	TotalTokens      int `json:"totalTokenCount"`
}
