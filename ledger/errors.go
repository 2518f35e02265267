package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/smartcontractkit/deployment-orchestrator/faults"
)

var (
	// ErrNonceTooLow is returned by Submit when the nonce has already been consumed.
	ErrNonceTooLow = errors.New("nonce too low")
	// ErrReplacementUnderpriced is returned when a replacement transaction does not bump the
	// gas price enough.
	ErrReplacementUnderpriced = errors.New("replacement transaction underpriced")
	// ErrReceiptTimeout is returned by WaitForReceipt when no receipt arrives in time.
	ErrReceiptTimeout = errors.New("timed out waiting for receipt")
	// ErrConnection marks a failed round trip to the node.
	ErrConnection = errors.New("connection error")
)

// RevertError is a predicted or mined revert.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}

	return "execution reverted: " + e.Reason
}

// NewRevertError returns a RevertError with the given reason.
func NewRevertError(format string, args ...any) *RevertError {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

// transient substrings reported by geth-compatible nodes and the Go net stack.
var transientMessages = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"too many requests",
	"header not found",
}

// Classify maps a gateway error onto the failure taxonomy. Already classified errors keep
// their kind.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if faults.KindOf(err) != faults.Unknown {
		return err
	}

	var revert *RevertError
	var netErr net.Error
	switch {
	case errors.As(err, &revert):
		return faults.Wrap(faults.Revert, err)
	case errors.Is(err, ErrReceiptTimeout):
		return faults.Wrap(faults.Timeout, err)
	case errors.Is(err, context.Canceled):
		return faults.Wrap(faults.Cancelled, err)
	case errors.Is(err, ErrNonceTooLow),
		errors.Is(err, ErrReplacementUnderpriced),
		errors.Is(err, ErrConnection),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.As(err, &netErr):
		return faults.Wrap(faults.TransientNetwork, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") {
		return faults.Wrap(faults.Revert, err)
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return faults.Wrap(faults.TransientNetwork, err)
		}
	}

	return err
}

// IsNonceTooLow reports whether err signals a consumed nonce.
func IsNonceTooLow(err error) bool {
	return err != nil && (errors.Is(err, ErrNonceTooLow) ||
		strings.Contains(strings.ToLower(err.Error()), "nonce too low"))
}
