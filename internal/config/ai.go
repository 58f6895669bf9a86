package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Purpose selects the fixed generation parameters for a model call.
type Purpose string

const (
	PurposeChat           Purpose = "chat"
	PurposeClassification Purpose = "classification"
	PurposeExtraction     Purpose = "extraction"
	PurposeDocument       Purpose = "document"
)

const defaultGeminiModel = "gemini-1.5-flash-latest"

type GenerationParams struct {
	Temperature float32 `toml:"temperature"`
	MaxTokens   int32   `toml:"max_tokens"`
}

// AIParams holds the model name and per-purpose generation parameters.
// Callers never supply these; they come from code defaults or AI_PARAMS_FILE.
type AIParams struct {
	Model          string           `toml:"model"`
	Chat           GenerationParams `toml:"chat"`
	Classification GenerationParams `toml:"classification"`
	Extraction     GenerationParams `toml:"extraction"`
	Document       GenerationParams `toml:"document"`
}

func DefaultAIParams() AIParams {
	return AIParams{
		Model:          defaultGeminiModel,
		Chat:           GenerationParams{Temperature: 0.7, MaxTokens: 1000},
		Classification: GenerationParams{Temperature: 0.3, MaxTokens: 50},
		Extraction:     GenerationParams{Temperature: 0.3, MaxTokens: 500},
		Document:       GenerationParams{Temperature: 0.5, MaxTokens: 2000},
	}
}

// LoadAIParams overlays the TOML file at path onto the defaults. An empty path
// returns the defaults unchanged.
func LoadAIParams(path string) (AIParams, error) {
	params := DefaultAIParams()
	if path == "" {
		return params, nil
	}
	if _, err := toml.DecodeFile(path, &params); err != nil {
		return AIParams{}, fmt.Errorf("decode ai params %s: %w", path, err)
	}
	if params.Model == "" {
		params.Model = defaultGeminiModel
	}
	return params, nil
}

func (p AIParams) For(purpose Purpose) GenerationParams {
	switch purpose {
	case PurposeClassification:
		return p.Classification
	case PurposeExtraction:
		return p.Extraction
	case PurposeDocument:
		return p.Document
	default:
		return p.Chat
	}
}
