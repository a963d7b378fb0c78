package models

import "time"

// PriceRequest asks the oracle for a single asset.
type PriceRequest struct {
	Asset string `param:"asset" validate:"required,alphanum,max=16"`
}

// StagesRequest selects the instant the current stage is evaluated at.
// At accepts RFC3339, a date or unix seconds; empty means now.
type StagesRequest struct {
	At string `query:"at"`
}

// QuoteStreamRequest configures the websocket quote stream. Zero Interval
// falls back to the configured default.
type QuoteStreamRequest struct {
	Interval int `query:"interval" validate:"omitempty,min=5,max=300"`
}

// StageSchedule is the stage list together with the stage active at At.
type StageSchedule struct {
	At      time.Time   `json:"at"`
	Current SaleStage   `json:"current"`
	Stages  []SaleStage `json:"stages"`
}

// QuoteFrame is one message pushed on the quote stream. Exactly one of
// Quote and Error is set.
type QuoteFrame struct {
	Type  string         `json:"type"`
	At    time.Time      `json:"at"`
	Quote *ComposedQuote `json:"quote,omitempty"`
	Error *FrameError    `json:"error,omitempty"`
}

// FrameError mirrors the HTTP error body on the stream.
type FrameError struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

const (
	FrameTypeQuote = "quote"
	FrameTypeError = "error"
)
