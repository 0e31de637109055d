package ai

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// NarratorPromptFile instructs the model to narrate the turn and append
	// the structured <dm-meta> trailer.
	NarratorPromptFile = "dm_narrator.md"
	// RecapPromptFile instructs the model to summarize a full session log.
	RecapPromptFile = "dm_recap.md"
)

// LoadPrompt reads the content of a prompt file from the prompts directory.
func LoadPrompt(dir, filename string) (string, error) {
	filePath := filepath.Join(dir, filename)
	content, err := os.ReadFile(filePath)
	if err != nil {
		log.Error().Err(err).Str("file", filePath).Msg("Failed to read prompt file")
		return "", fmt.Errorf("failed to read prompt file %s: %w", filePath, err)
	}
	return string(content), nil
}
