// internal/i18n/i18n.go
package i18n

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type I18n struct {
	mu           sync.RWMutex
	translations map[string]map[string]string
	defaultLang  string
}

var (
	instance *I18n
	once     sync.Once
)

// SupportedLanguages are the locale files shipped under locales/.
var SupportedLanguages = []string{"en", "vi"}

const fallbackLang = "en"

func Initialize(localesPath, defaultLang string) error {
	var err error
	once.Do(func() {
		if defaultLang == "" {
			defaultLang = fallbackLang
		}
		instance = &I18n{
			translations: make(map[string]map[string]string),
			defaultLang:  defaultLang,
		}
		err = instance.LoadTranslations(localesPath)
	})
	return err
}

func (i *I18n) LoadTranslations(localesPath string) error {
	loaded := make(map[string]map[string]string, len(SupportedLanguages))
	for _, lang := range SupportedLanguages {
		filePath := filepath.Join(localesPath, lang+".json")

		data, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read locale file %s: %w", filePath, err)
		}

		var translations map[string]string
		if err := json.Unmarshal(data, &translations); err != nil {
			return fmt.Errorf("failed to unmarshal locale file %s: %w", filePath, err)
		}
		loaded[lang] = translations
	}

	i.mu.Lock()
	for lang, translations := range loaded {
		i.translations[lang] = translations
	}
	i.mu.Unlock()

	return nil
}

func (i *I18n) lookup(lang, key string) (string, bool) {
	translations, ok := i.translations[lang]
	if !ok {
		return "", false
	}
	text, ok := translations[key]
	return text, ok
}

// T translates key for lang, falling back to the default language and then
// to the key itself.
func (i *I18n) T(lang, key string, args ...interface{}) string {
	i.mu.RLock()
	text, ok := i.lookup(lang, key)
	if !ok && lang != i.defaultLang {
		text, ok = i.lookup(i.defaultLang, key)
	}
	i.mu.RUnlock()

	if !ok {
		logrus.WithFields(logrus.Fields{"lang": lang, "key": key}).Debug("Missing translation")
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(text, args...)
	}
	return text
}

func T(lang, key string, args ...interface{}) string {
	if instance != nil {
		return instance.T(lang, key, args...)
	}
	return key
}

// Resolve maps a language tag such as "vi-VN" or "vi_VN" onto a supported
// language, or the default one.
func Resolve(tag string) string {
	base := strings.ToLower(strings.TrimSpace(tag))
	if idx := strings.IndexAny(base, "-_"); idx > 0 {
		base = base[:idx]
	}
	for _, lang := range SupportedLanguages {
		if lang == base {
			return lang
		}
	}
	if instance != nil {
		return instance.defaultLang
	}
	return fallbackLang
}
