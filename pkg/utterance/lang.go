package utterance

import "strings"

// Metadata keys consulted by ResolveLang, in priority order.
const (
	MetaSTTLang      = "stt_lang"
	MetaRequestLang  = "request_lang"
	MetaDetectedLang = "detected_lang"
)

var langKeys = []string{MetaSTTLang, MetaRequestLang, MetaDetectedLang}

// ResolveLang picks the language a dispatch runs in. Candidates from the
// utterance metadata are tried in order (stt, request, detected) and the first
// one in the enabled set wins. Otherwise the utterance's own language is used
// when enabled, falling back to defaultLang.
func ResolveLang(u Utterance, defaultLang string, secondary []string) string {
	enabled := make(map[string]bool, 1+len(secondary))
	enabled[strings.ToLower(defaultLang)] = true
	for _, l := range secondary {
		enabled[strings.ToLower(l)] = true
	}

	for _, k := range langKeys {
		if v := strings.ToLower(u.Metadata[k]); v != "" && enabled[v] {
			return v
		}
	}

	if l := strings.ToLower(u.Lang); l != "" && enabled[l] {
		return l
	}

	return strings.ToLower(defaultLang)
}
