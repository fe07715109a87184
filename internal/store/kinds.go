package store

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the classification tag on an agent memory. It selects the
// retention rule the record falls under.
type Kind string

const (
	KindSignal          Kind = "signal"
	KindSignalEntry     Kind = "signal_entry"
	KindSignalHistory   Kind = "signal_history"
	KindAcademyCase     Kind = "academy_case"
	KindLesson          Kind = "lesson"
	KindSetup           Kind = "setup"
	KindBacktestSummary Kind = "backtest_summary"
	KindMarketContext   Kind = "market_context"
	KindChartEvent      Kind = "chart_event"
	KindUIEvent         Kind = "ui_event"
	KindActionTrace     Kind = "action_trace"
	KindNote            Kind = "note"
)

// resolvedOutcomePrefix marks legacy rows recording that a signal resolved.
// They are kept verbatim and later backfilled into signal_history rows.
const resolvedOutcomePrefix = "signal_outcome_resolved"

// keyPrefixes maps key prefixes to kinds. Longer prefixes come first so
// "signal_entry" is not swallowed by "signal".
var keyPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{resolvedOutcomePrefix, KindSignalHistory},
	{"signal_history", KindSignalHistory},
	{"signal_entry", KindSignalEntry},
	{"academy_case", KindAcademyCase},
	{"academy:case", KindAcademyCase},
	{"backtest_summary", KindBacktestSummary},
	{"backtest", KindBacktestSummary},
	{"market_context", KindMarketContext},
	{"chart_event", KindChartEvent},
	{"action_trace", KindActionTrace},
	{"ui_event", KindUIEvent},
	{"calendar", KindMarketContext},
	{"news", KindMarketContext},
	{"chart", KindChartEvent},
	{"trace", KindActionTrace},
	{"action", KindActionTrace},
	{"lesson", KindLesson},
	{"setup", KindSetup},
	{"playbook", KindSetup},
	{"signal", KindSignal},
	{"ui", KindUIEvent},
}

// InferKind classifies a record from its key and payload. It is total: every
// input yields a kind, with KindNote as the fallback.
func InferKind(key string, payload []byte) Kind {
	k := trimLower(key)
	for _, p := range keyPrefixes {
		if hasKeyPrefix(k, p.prefix) {
			return p.kind
		}
	}

	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return KindNote
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return KindNote
	}
	if kind := doc.Get("kind").String(); kind != "" {
		if known, ok := ParseKind(kind); ok {
			return known
		}
	}
	switch {
	case doc.Get("outcome").Exists() && (signalIDFromDoc(doc) != "" || doc.Get("resolvedAtMs").Exists()):
		return KindSignalHistory
	case doc.Get("caseId").Exists() || doc.Get("case_id").Exists():
		return KindAcademyCase
	case doc.Get("action").Exists() && (doc.Get("entryPrice").Exists() || doc.Get("entry").Exists()):
		return KindSignal
	case doc.Get("chart").Exists() || doc.Get("drawing").Exists():
		return KindChartEvent
	case doc.Get("tool").Exists() && doc.Get("args").Exists():
		return KindActionTrace
	case doc.Get("lesson").Exists():
		return KindLesson
	case doc.Get("metrics").Exists() && doc.Get("params").Exists():
		return KindBacktestSummary
	}
	return KindNote
}

// ParseKind accepts a known kind name in any case.
func ParseKind(s string) (Kind, bool) {
	k := Kind(trimLower(s))
	switch k {
	case KindSignal, KindSignalEntry, KindSignalHistory, KindAcademyCase, KindLesson, KindSetup,
		KindBacktestSummary, KindMarketContext, KindChartEvent, KindUIEvent, KindActionTrace, KindNote:
		return k, true
	}
	return "", false
}

// canonicalKinds converge onto one row per signal identity.
var canonicalKinds = map[Kind]bool{
	KindSignal:        true,
	KindSignalEntry:   true,
	KindSignalHistory: true,
	KindAcademyCase:   true,
}

// legacyKeyPatterns extract a signal id from historical key conventions.
var legacyKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^signal_outcome_resolved[:_](.+)$`),
	regexp.MustCompile(`(?i)^signal_history[:_](.+)$`),
	regexp.MustCompile(`(?i)^signal_entry[:_](.+)$`),
	regexp.MustCompile(`(?i)^academy[_:]case[:_](.+)$`),
	regexp.MustCompile(`(?i)^signal[:_](.+)$`),
}

// signalIDPaths are probed in order for an embedded signal id.
var signalIDPaths = []string{
	"signalId", "signal_id", "signal.id", "signal.signalId",
	"caseId", "case_id", "meta.signalId", "source.signalId",
}

// ResolveSignalID extracts the signal identity a record describes, preferring
// payload fields over key conventions.
func ResolveSignalID(key string, payload []byte) string {
	if len(payload) > 0 && gjson.ValidBytes(payload) {
		if id := signalIDFromDoc(gjson.ParseBytes(payload)); id != "" {
			return id
		}
	}
	k := strings.TrimSpace(key)
	for _, re := range legacyKeyPatterns {
		if m := re.FindStringSubmatch(k); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func signalIDFromDoc(doc gjson.Result) string {
	for _, path := range signalIDPaths {
		if v := doc.Get(path); v.Exists() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// CanonicalKey returns the stable key for a signal-bearing kind, or "" when
// the kind does not converge or no identity is known.
func CanonicalKey(kind Kind, signalID string) string {
	if !canonicalKinds[kind] || signalID == "" {
		return ""
	}
	return string(kind) + ":" + signalID
}

// IsResolvedOutcomeKey reports whether key is a legacy resolved-outcome marker.
func IsResolvedOutcomeKey(key string) bool {
	return hasKeyPrefix(trimLower(key), resolvedOutcomePrefix)
}

// identityKey is the de-duplication identity used by listings.
func identityKey(m AgentMemory) string {
	if IsResolvedOutcomeKey(m.Key) {
		return m.Key
	}
	raw, _ := json.Marshal(m.Payload)
	if ck := CanonicalKey(m.Kind, ResolveSignalID(m.Key, raw)); ck != "" {
		return ck
	}
	if m.Key != "" {
		return m.Key
	}
	return m.ID
}

func hasKeyPrefix(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	if len(key) == len(prefix) {
		return true
	}
	switch key[len(prefix)] {
	case ':', '_', '.', '-', '/':
		return true
	}
	return false
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
