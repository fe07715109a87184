package store

import (
	"github.com/shopspring/decimal"
)

// SignalView is the typed view of a signal or signal_entry payload.
type SignalView struct {
	SignalID   string          `json:"signalId,omitempty"`
	Symbol     string          `json:"symbol,omitempty"`
	Timeframe  string          `json:"timeframe,omitempty"`
	Action     string          `json:"action,omitempty"`
	Status     string          `json:"status,omitempty"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
}

// SignalHistoryView is the typed view of a resolved signal outcome.
type SignalHistoryView struct {
	SignalView
	Outcome      string          `json:"outcome,omitempty"`
	ExitPrice    decimal.Decimal `json:"exitPrice"`
	PnL          decimal.Decimal `json:"pnl"`
	ResolvedAtMs int64           `json:"resolvedAtMs,omitempty"`
}

// CaseView is the typed view of an academy case.
type CaseView struct {
	CaseID   string `json:"caseId,omitempty"`
	SignalID string `json:"signalId,omitempty"`
	Status   string `json:"status,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Lesson   string `json:"lesson,omitempty"`
}

// Signal decodes the record as a signal. Missing fields fall back to the
// record's own columns.
func (m AgentMemory) Signal() SignalView {
	p := m.Payload
	v := SignalView{
		SignalID:  m.signalID(),
		Symbol:    firstString(p, "symbol"),
		Timeframe: firstString(p, "timeframe", "tf"),
		Action:    firstString(p, "action", "side", "direction"),
		Status:    firstString(p, "status"),
	}
	if v.Symbol == "" {
		v.Symbol = m.Symbol
	}
	if v.Timeframe == "" {
		v.Timeframe = m.Timeframe
	}
	v.EntryPrice, _ = firstPrice(p, "entryPrice", "entry", "price")
	v.StopLoss, _ = firstPrice(p, "stopLoss", "sl", "stop")
	v.TakeProfit, _ = firstPrice(p, "takeProfit", "tp", "target")
	return v
}

// SignalHistory decodes the record as a resolved outcome.
func (m AgentMemory) SignalHistory() SignalHistoryView {
	p := m.Payload
	v := SignalHistoryView{
		SignalView: m.Signal(),
		Outcome:    firstString(p, "outcome", "result"),
	}
	v.ExitPrice, _ = firstPrice(p, "exitPrice", "closePrice", "exit")
	v.PnL, _ = firstPrice(p, "pnl", "profit")
	if d, ok := firstPrice(p, "resolvedAtMs", "resolvedAt"); ok {
		v.ResolvedAtMs = d.IntPart()
	}
	return v
}

// Case decodes the record as an academy case.
func (m AgentMemory) Case() CaseView {
	p := m.Payload
	return CaseView{
		CaseID:   firstString(p, "caseId", "case_id", "id"),
		SignalID: m.signalID(),
		Status:   firstString(p, "status"),
		Outcome:  firstString(p, "outcome", "result"),
		Lesson:   firstString(p, "lesson", "summary"),
	}
}

func (m AgentMemory) signalID() string {
	raw, _ := m.Payload.MarshalJSON()
	return ResolveSignalID(m.Key, raw)
}

// fields renders the non-empty parts of a history view as payload fields.
func (v SignalHistoryView) fields() map[string]any {
	out := map[string]any{}
	put := func(k, s string) {
		if s != "" {
			out[k] = s
		}
	}
	putDec := func(k string, d decimal.Decimal) {
		if !d.IsZero() {
			out[k] = d.InexactFloat64()
		}
	}
	put("signalId", v.SignalID)
	put("symbol", v.Symbol)
	put("timeframe", v.Timeframe)
	put("action", v.Action)
	put("outcome", v.Outcome)
	putDec("entryPrice", v.EntryPrice)
	putDec("stopLoss", v.StopLoss)
	putDec("takeProfit", v.TakeProfit)
	putDec("exitPrice", v.ExitPrice)
	putDec("pnl", v.PnL)
	if v.ResolvedAtMs > 0 {
		out["resolvedAtMs"] = v.ResolvedAtMs
	}
	return out
}
