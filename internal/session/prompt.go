package session

import (
	"fmt"
	"strings"
)

// Languages lists the supported translation languages by code.
var Languages = map[string]string{
	"en": "English",
	"th": "Thai",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"ja": "Japanese",
	"ko": "Korean",
}

const (
	DefaultSourceLanguage = "en"
	DefaultTargetLanguage = "th"
)

const promptTemplate = "You are an expert translator. Translate the user's input from %s to %s. " +
	"Your response must include the translated audio. Speak only the translation, " +
	"without commentary or explanation."

// LanguageName resolves a language code or name to its display name.
// Unknown values are returned unchanged.
func LanguageName(lang string) string {
	lang = strings.TrimSpace(lang)
	if name, ok := Languages[strings.ToLower(lang)]; ok {
		return name
	}
	for _, name := range Languages {
		if strings.EqualFold(name, lang) {
			return name
		}
	}
	return lang
}

// SystemPrompt builds the translation instruction sent with every setup frame.
func SystemPrompt(source, target string) string {
	if strings.TrimSpace(source) == "" {
		source = DefaultSourceLanguage
	}
	if strings.TrimSpace(target) == "" {
		target = DefaultTargetLanguage
	}
	return fmt.Sprintf(promptTemplate, LanguageName(source), LanguageName(target))
}
