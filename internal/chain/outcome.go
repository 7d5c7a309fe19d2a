package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Outcome is the tagged result of one transaction submission. Callers
// branch on it instead of matching cluster error strings.
type Outcome uint8

const (
	// OutcomeConfirmed: the cluster confirmed the transaction this pass.
	OutcomeConfirmed Outcome = iota
	// OutcomeAlreadyDone: the cluster saw this transaction before.
	// Solana transactions are content-addressed, so this is evidence of a
	// prior success, not a failure.
	OutcomeAlreadyDone
	// OutcomeRetryable: transient (timeout, congestion, stale blockhash).
	// Safe to re-issue on a later pass.
	OutcomeRetryable
	// OutcomeFatal: the program or cluster rejected the transaction for a
	// reason a retry will not fix. Needs operator attention.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAlreadyDone:
		return "already_done"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

type SubmitResult struct {
	Outcome    Outcome
	Signature  solana.Signature
	ClusterErr string
}

// Done reports whether the intended state change is on chain, whether it
// happened now or on an earlier attempt.
func (r SubmitResult) Done() bool {
	return r.Outcome == OutcomeConfirmed || r.Outcome == OutcomeAlreadyDone
}

func classifySubmitError(err error) SubmitResult {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SubmitResult{Outcome: OutcomeRetryable, ClusterErr: err.Error()}
	}

	message := err.Error()

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if containsAlreadyProcessed(rpcErr.Message) {
			return SubmitResult{Outcome: OutcomeAlreadyDone, ClusterErr: rpcErr.Message}
		}
		switch rpcErr.Code {
		case -32002: // preflight failure
			if strings.Contains(rpcErr.Message, "Blockhash not found") {
				return SubmitResult{Outcome: OutcomeRetryable, ClusterErr: rpcErr.Message}
			}
			return SubmitResult{Outcome: OutcomeFatal, ClusterErr: rpcErr.Message}
		case -32004, -32005, -32014: // block unavailable, node unhealthy, node behind
			return SubmitResult{Outcome: OutcomeRetryable, ClusterErr: rpcErr.Message}
		}
		message = rpcErr.Message
	}

	// Fallback for transports that lose the typed error.
	switch {
	case containsAlreadyProcessed(message):
		return SubmitResult{Outcome: OutcomeAlreadyDone, ClusterErr: message}
	case containsAny(message,
		"timeout", "timed out", "connection refused", "connection reset",
		"too many requests", "429", "blockhash not found", "node is behind",
		"rate limit"):
		return SubmitResult{Outcome: OutcomeRetryable, ClusterErr: message}
	default:
		return SubmitResult{Outcome: OutcomeFatal, ClusterErr: message}
	}
}

func containsAlreadyProcessed(message string) bool {
	return containsAny(message, "already been processed", "alreadyprocessed", "duplicate signature")
}

func containsAny(message string, needles ...string) bool {
	lowered := strings.ToLower(message)
	for _, needle := range needles {
		if strings.Contains(lowered, needle) {
			return true
		}
	}
	return false
}
