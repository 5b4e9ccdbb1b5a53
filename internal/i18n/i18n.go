package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded message files
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	// Load language files
	for _, lang := range cfg.Languages {
		path := fmt.Sprintf("locales/%s.json", lang)
		data, err := locales.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, path); err != nil {
			return nil, fmt.Errorf("failed to parse language file %s: %w", lang, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range cfg.Languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, cfg.DefaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		localizers:      localizers,
	}, nil
}

// Get returns localized message. Unknown languages fall back through
// language matching to the default language.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = i18n.NewLocalizer(l.bundle, lang, l.defaultLanguage)
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgRateLimited          = "rate_limited"
	MsgBlockedForSafety     = "blocked_for_safety"
	MsgBudgetExceeded       = "budget_exceeded"
	MsgRequestTooLarge      = "request_too_large"
	MsgCacheOnlyUnavailable = "cache_only_unavailable"
	MsgProviderUnavailable  = "provider_unavailable"
	MsgSafetyBanner         = "safety_banner"
)
