package model

import "time"

// ExecutionState is the terminal state of a settlement attempt.
type ExecutionState string

const (
	StateSettled ExecutionState = "SETTLED"
	StateAborted ExecutionState = "ABORTED"
	StateFailed  ExecutionState = "FAILED"
)

// ExecutionResult records the outcome of one settlement attempt.
// SettledIDs is always a subset of BatchIDs; UnconfirmedIDs holds the rest of the batch
// when the transaction was mined.
type ExecutionResult struct {
	AttemptID      string         `json:"attempt_id"`
	TriggerID      string         `json:"trigger_id"`
	State          ExecutionState `json:"state"`
	Stage          string         `json:"stage"`
	Reason         string         `json:"reason,omitempty"`
	PoolID         string         `json:"pool_id,omitempty"`
	TxHash         string         `json:"tx_hash,omitempty"`
	BlockNumber    uint64         `json:"block_number,omitempty"`
	SqrtPriceLimit string         `json:"sqrt_price_limit,omitempty"`
	ZeroForOne     bool           `json:"zero_for_one"`
	Amount0        string         `json:"amount0,omitempty"`
	Amount1        string         `json:"amount1,omitempty"`
	BatchIDs       []string       `json:"batch_ids"`
	SettledIDs     []string       `json:"settled_ids"`
	UnconfirmedIDs []string       `json:"unconfirmed_ids"`
	SkippedIDs     []string       `json:"skipped_ids"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}
