// Package delivery is the boundary between the scheduling engine and the
// transport that actually carries instructions to devices. The engine only
// enqueues outbound instructions and consumes asynchronous results; it never
// blocks on device I/O.
package delivery

import (
	"context"
	"time"
)

// Instruction is one outbound command for one device. InstructionID is the
// correlation token matched against the inbound Result.
type Instruction struct {
	InstructionID string
	DeviceID      string
	ScriptID      int64
	Payload       string
	IssuedAt      time.Time
}

type Outcome string

const (
	SuccessOutcome Outcome = "SUCCESS"
	FailedOutcome  Outcome = "FAILED"
	TimeoutOutcome Outcome = "TIMEOUT"
)

// Result is one device's report for a previously dispatched instruction.
type Result struct {
	InstructionID string
	DeviceID      string
	Outcome       Outcome
	ErrorMessage  string
	ReportedAt    time.Time
}

// Transport enqueues an instruction towards a device. Implementations must
// return promptly: a rejected enqueue is a delivery error, not a device
// failure report.
type Transport interface {
	Dispatch(ctx context.Context, ins Instruction) error
}

// AckHandler receives delivery acknowledgements from the transport.
type AckHandler interface {
	HandleAck(instructionID string) error
}

// ResultHandler receives asynchronous device results from the transport.
type ResultHandler interface {
	HandleResult(ctx context.Context, res Result) error
}
