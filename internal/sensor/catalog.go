package sensor

import (
	"strings"
	"time"

	"golang.org/x/text/language"
)

// supportedLocales is closed; index 0 is the default.
var supportedLocales = []language.Tag{
	language.English,
	language.Dutch,
}

var localeMatcher = language.NewMatcher(supportedLocales)

// typeNames holds the localized name of each sensor class. A missing
// translation falls back to English.
var typeNames = map[Category]map[string]string{
	"R":   {"en": "Rain gauge", "nl": "Regenmeter"},
	"TH":  {"en": "Temperature/humidity", "nl": "Temperatuur/vochtigheid"},
	"THB": {"en": "Weather station", "nl": "Weerstation"},
	"UV":  {"en": "Ultra Violet"},
	"W":   {"en": "Anemometer", "nl": "Windmeter"},
}

var messages = map[string]map[string]string{
	"error.no_data": {
		"en": "No data received yet",
		"nl": "Nog geen gegevens ontvangen",
	},
}

var timeLayouts = map[string]string{
	"en": "1/2/2006, 3:04:05 PM",
	"nl": "2-1-2006 15:04:05",
}

// Locale is the active display language. It is fixed for the lifetime of
// the process.
type Locale struct {
	lang string
}

// DefaultLocale is English.
var DefaultLocale = Locale{lang: "en"}

// MatchLocale picks the best supported locale for a host language setting
// such as "nl_NL.UTF-8", "nl-BE" or "en". Anything unsupported or
// unparsable yields DefaultLocale.
func MatchLocale(host string) Locale {
	host = strings.TrimSpace(host)
	if i := strings.IndexAny(host, ".@"); i >= 0 {
		host = host[:i]
	}
	host = strings.ReplaceAll(host, "_", "-")
	if host == "" || host == "C" || host == "POSIX" {
		return DefaultLocale
	}
	tag, err := language.Parse(host)
	if err != nil {
		return DefaultLocale
	}
	_, idx, conf := localeMatcher.Match(tag)
	if conf == language.No {
		return DefaultLocale
	}
	base, _ := supportedLocales[idx].Base()
	return Locale{lang: base.String()}
}

func (l Locale) String() string {
	if l.lang == "" {
		return DefaultLocale.lang
	}
	return l.lang
}

// TypeName returns the localized class name for a category. Unknown
// categories are shown as the tag itself.
func (l Locale) TypeName(c Category) string {
	names, ok := typeNames[c]
	if !ok {
		return string(c)
	}
	if n, ok := names[l.String()]; ok {
		return n
	}
	return names[DefaultLocale.lang]
}

// Message looks up a localized status message by key.
func (l Locale) Message(key string) string {
	m, ok := messages[key]
	if !ok {
		return key
	}
	if s, ok := m[l.String()]; ok {
		return s
	}
	return m[DefaultLocale.lang]
}

// FormatTime renders a timestamp the way the locale writes dates.
func (l Locale) FormatTime(t time.Time) string {
	layout, ok := timeLayouts[l.String()]
	if !ok {
		layout = timeLayouts[DefaultLocale.lang]
	}
	return t.Format(layout)
}
