package models

// Read-only views served by the status API.

// AgentStatus is the operator view of one symbol agent.
type AgentStatus struct {
	State  SymbolAgentState `json:"state"`
	Regime RegimeResult     `json:"regime"`
}

// SymbolReport adds the gateway's cached risk stats to an agent's status.
type SymbolReport struct {
	AgentStatus
	Stats *SymbolRiskStats `json:"stats,omitempty"`
}

type CyclesRequest struct {
	Limit int `query:"limit" json:"limit" default:"1" validate:"gte=1,lte=50"`
}

type SymbolRequest struct {
	Symbol string `param:"symbol" json:"symbol" validate:"required,alphanum"`
}
