package models

import (
	"errors"

	"github.com/ThatCatDev/tanrenai/pocket/internal/settings"
)

// Origin tells where a model comes from and how its file is laid out.
type Origin string

const (
	OriginPreset      Origin = "preset"
	OriginHuggingFace Origin = "huggingface"
	OriginLocal       Origin = "local"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrModelExists   = errors.New("model already exists")
)

// ChatTemplate is the prompt template configured for a model.
type ChatTemplate struct {
	Name         string `json:"name"`
	Template     string `json:"template"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Model is a catalog entry: a downloadable or local GGUF file plus its
// generation defaults.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Origin   Origin `json:"origin"`
	Author   string `json:"author,omitempty"`
	Repo     string `json:"repo,omitempty"`
	Filename string `json:"filename"`
	// FullPath is the absolute file path of a local model.
	FullPath    string `json:"full_path,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Size        int64  `json:"size"`

	Progress     float64 `json:"progress"`
	IsDownloaded bool    `json:"is_downloaded"`
	// DownloadSpeed is a human readable speed label, only set while downloading.
	DownloadSpeed string `json:"-"`

	DefaultChatTemplate       ChatTemplate                `json:"default_chat_template"`
	ChatTemplate              ChatTemplate                `json:"chat_template"`
	DefaultCompletionSettings settings.CompletionSettings `json:"default_completion_settings"`
	CompletionSettings        settings.CompletionSettings `json:"completion_settings"`
}

// Clone returns a deep copy of m.
func (m Model) Clone() Model {
	m.DefaultCompletionSettings = m.DefaultCompletionSettings.Clone()
	m.CompletionSettings = m.CompletionSettings.Clone()
	return m
}

// Downloadable reports whether the model is fetched over HTTP.
func (m Model) Downloadable() bool {
	return m.Origin != OriginLocal && m.DownloadURL != ""
}
