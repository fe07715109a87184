package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Payload is the structured body of an entry or memory. Object payloads are
// held as Fields so they can be merged field by field; any other JSON shape
// (arrays, scalars) is kept verbatim in Opaque.
type Payload struct {
	Fields map[string]any
	Opaque json.RawMessage
}

// Object builds an object payload.
func Object(fields map[string]any) Payload {
	return Payload{Fields: fields}
}

// IsZero reports whether the payload carries nothing.
func (p Payload) IsZero() bool {
	return len(p.Fields) == 0 && len(p.Opaque) == 0
}

// Get returns a top-level field.
func (p Payload) Get(key string) (any, bool) {
	if p.Fields == nil {
		return nil, false
	}
	v, ok := p.Fields[key]
	return v, ok
}

// String returns a top-level field as a string, or "".
func (p Payload) String(key string) string {
	v, ok := p.Get(key)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64, int, int64, json.Number:
		return fmt.Sprint(t)
	}
	return ""
}

// Clone returns a deep copy so callers never share maps with the store.
func (p Payload) Clone() Payload {
	out := Payload{}
	if p.Fields != nil {
		out.Fields = cloneMap(p.Fields)
	}
	if p.Opaque != nil {
		out.Opaque = append(json.RawMessage(nil), p.Opaque...)
	}
	return out
}

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// MarshalJSON implements json.Marshaler.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Fields != nil {
		return json.Marshal(p.Fields)
	}
	if len(p.Opaque) > 0 {
		return p.Opaque, nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Payload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*p = Payload{}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '{' {
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return err
		}
		p.Fields = fields
		return nil
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("payload is not valid JSON")
	}
	p.Opaque = append(json.RawMessage(nil), trimmed...)
	return nil
}

// encodePayload renders a payload for a TEXT column.
func encodePayload(p Payload) (string, error) {
	if p.IsZero() {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

// decodePayload parses a TEXT column. Unparseable text is kept opaque as a
// JSON string so nothing stored is lost on read.
func decodePayload(raw string) Payload {
	if raw == "" {
		return Payload{}
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		quoted, _ := json.Marshal(raw)
		return Payload{Opaque: quoted}
	}
	return p
}

// mergePayload unions two payloads. When preferBase is true the base value
// wins on conflicting non-null keys, otherwise the overlay does. Opaque
// payloads cannot be merged field-wise; the preferred non-empty side wins.
func mergePayload(base, overlay Payload, preferBase bool) Payload {
	if base.IsZero() {
		return overlay.Clone()
	}
	if overlay.IsZero() {
		return base.Clone()
	}
	if base.Fields == nil || overlay.Fields == nil {
		if preferBase {
			return base.Clone()
		}
		return overlay.Clone()
	}
	out := cloneMap(base.Fields)
	for k, v := range overlay.Fields {
		if v == nil {
			continue
		}
		cur, ok := out[k]
		if !ok || cur == nil || !preferBase {
			out[k] = cloneValue(v)
		}
	}
	return Payload{Fields: out}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// encodeTags renders a tag set as a sorted JSON array.
func encodeTags(tags []string) string {
	norm := normalizeTags(tags)
	data, _ := json.Marshal(norm)
	return string(data)
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = trimLower(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func unionTags(a, b []string) []string {
	return normalizeTags(append(append([]string(nil), a...), b...))
}

// OrderView is the typed view of an order-shaped ledger payload.
type OrderView struct {
	OrderID  string          `json:"orderId,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Side     string          `json:"side,omitempty"`
	Type     string          `json:"type,omitempty"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Stop     decimal.Decimal `json:"stopLoss"`
	Target   decimal.Decimal `json:"takeProfit"`
	Error    string          `json:"error,omitempty"`
}

// Order decodes the entry payload as an order. Numeric fields accept either
// JSON numbers or numeric strings.
func (e LedgerEntry) Order() OrderView {
	p := e.Payload
	v := OrderView{
		OrderID: firstString(p, "orderId", "order_id", "ticket"),
		Symbol:  firstString(p, "symbol"),
		Side:    firstString(p, "side", "action"),
		Type:    firstString(p, "type", "orderType"),
		Error:   firstString(p, "error"),
	}
	if v.Symbol == "" {
		v.Symbol = e.Symbol
	}
	v.Quantity, _ = firstPrice(p, "qty", "quantity", "volume", "lots")
	v.Price, _ = firstPrice(p, "price", "entryPrice", "fillPrice")
	v.Stop, _ = firstPrice(p, "stopLoss", "sl")
	v.Target, _ = firstPrice(p, "takeProfit", "tp")
	return v
}

func firstString(p Payload, keys ...string) string {
	for _, k := range keys {
		if s := p.String(k); s != "" {
			return s
		}
	}
	return ""
}

func firstPrice(p Payload, keys ...string) (decimal.Decimal, bool) {
	for _, k := range keys {
		if v, ok := p.Get(k); ok {
			if d, ok := parsePrice(v); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

// parsePrice normalises a price that may arrive as a number or a string.
func parsePrice(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case int64:
		return decimal.NewFromInt(t), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(t)
		return d, err == nil
	}
	return decimal.Zero, false
}
