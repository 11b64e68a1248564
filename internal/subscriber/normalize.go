package subscriber

import (
	"errors"
	"fmt"

	"github.com/marketpulse/eventrelay/internal/event"
)

// Producer payloads are inconsistent: the same logical field may sit at the
// top level, one level under "data", or two levels deep, and field names vary
// across producer versions ("pattern" vs "pattern_name"). Extraction is
// therefore a prioritized list of paths tried in order, not conditional
// branching; new producer formats only need a new path entry.

var (
	ErrMissingSymbol   = errors.New("no symbol field after all fallbacks")
	ErrMissingDefining = errors.New("no defining field after all fallbacks")
)

// fieldPath is one candidate location for a logical field.
type fieldPath []string

// candidatePaths builds the full fallback list for a set of producer field
// names: every name at the top level first, then under "data", then under
// "data.data".
func candidatePaths(names ...string) []fieldPath {
	prefixes := []fieldPath{nil, {"data"}, {"data", "data"}}
	paths := make([]fieldPath, 0, len(prefixes)*len(names))
	for _, prefix := range prefixes {
		for _, name := range names {
			path := make(fieldPath, 0, len(prefix)+1)
			path = append(path, prefix...)
			path = append(path, name)
			paths = append(paths, path)
		}
	}
	return paths
}

var symbolPaths = candidatePaths("symbol", "ticker")

// defining maps each event type to the field that gives it its identity,
// with the producer-version name fallbacks. Types absent from this table
// only require valid JSON.
var defining = map[event.Type]struct {
	key   string // canonical key written to the normalized payload
	paths []fieldPath
}{
	event.TypePatternAlert:       {"pattern", candidatePaths("pattern", "pattern_name")},
	event.TypePatternStreaming:   {"pattern", candidatePaths("pattern", "pattern_name")},
	event.TypeIndicatorAlert:     {"indicator", candidatePaths("indicator", "indicator_type")},
	event.TypeIndicatorStreaming: {"indicator", candidatePaths("indicator", "indicator_type")},
	event.TypeTradeSignal:        {"signal", candidatePaths("signal", "signal_type")},
	event.TypeTickUpdate:         {"price", candidatePaths("price", "last_price")},
}

// lookup descends a payload along one path.
func lookup(payload map[string]any, path fieldPath) (any, bool) {
	current := payload
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return value, true
		}
		nested, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		current = nested
	}
	return nil, false
}

// firstString returns the first candidate path yielding a non-empty string.
func firstString(payload map[string]any, paths []fieldPath) (string, bool) {
	for _, path := range paths {
		if v, ok := lookup(payload, path); ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// firstValue returns the first candidate path yielding any value.
func firstValue(payload map[string]any, paths []fieldPath) (any, bool) {
	for _, path := range paths {
		if v, ok := lookup(payload, path); ok {
			return v, true
		}
	}
	return nil, false
}

// Normalize hoists the symbol and the type's defining field to canonical
// top-level keys. Returns an error when a required field cannot be found at
// any candidate location; the caller drops the message, never crashes.
func Normalize(t event.Type, payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		out[k] = v
	}

	req, ok := defining[t]
	if !ok {
		return out, nil
	}

	symbol, ok := firstString(payload, symbolPaths)
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrMissingSymbol)
	}

	value, ok := firstValue(payload, req.paths)
	if !ok {
		return nil, fmt.Errorf("%s (%s): %w", t, req.key, ErrMissingDefining)
	}

	out["symbol"] = symbol
	out[req.key] = value

	// Confidence rides along when the producer provides it at any depth.
	if conf, ok := firstValue(payload, confidencePaths); ok {
		out["confidence"] = conf
	}

	return out, nil
}

var confidencePaths = candidatePaths("confidence", "confidence_score")
