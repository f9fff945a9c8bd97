// Package presence implements the user-presence gate (spec.md 4.E): a
// single-slot capability the CTAP2 command engine calls synchronously
// before any operation that requires a human gesture.
package presence

import (
	"bufio"
	"fmt"
	"os"
	"time"
)

// Oracle is the presence capability the command engine depends on. A
// single call to RequestPresence must return within the deadline; the
// engine treats a false return, or the oracle blocking past deadline, as
// a denial (spec.md 4.E). Oracle is not required to be reentrant — the
// engine never issues a second call before the first returns.
type Oracle interface {
	RequestPresence(deadline time.Time) bool
}

// Timeout is the upper bound the engine waits for a presence decision
// before treating it as expired (spec.md 4.E, 5).
const Timeout = 30 * time.Second

// ConsoleOracle is a development/test Oracle that prompts on stdin/stdout,
// in the same direct fmt.Println/fmt.Printf style the teacher repo uses
// for its QR-code terminal output (pkg/qrcode.DisplayQR). Real hardware
// wires a physical-button Oracle instead; this one exists so
// cmd/ctap2key is runnable without it.
type ConsoleOracle struct {
	in  *bufio.Reader
	out *os.File
}

// NewConsoleOracle returns a ConsoleOracle reading from stdin and writing
// prompts to stdout.
func NewConsoleOracle() *ConsoleOracle {
	return &ConsoleOracle{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// RequestPresence prompts the operator and blocks for a line of input
// until deadline elapses, returning true only for an explicit "y".
func (c *ConsoleOracle) RequestPresence(deadline time.Time) bool {
	fmt.Fprintf(c.out, "touch the key to confirm (y/N), %s remaining: ", time.Until(deadline).Round(time.Second))

	resultCh := make(chan bool, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		resultCh <- err == nil && len(line) > 0 && (line[0] == 'y' || line[0] == 'Y')
	}()

	select {
	case approved := <-resultCh:
		return approved
	case <-time.After(time.Until(deadline)):
		fmt.Fprintln(c.out, "presence request timed out")
		return false
	}
}

// AutoApprove is an Oracle for tests and scripted harnesses: it always
// returns approve, regardless of deadline.
type AutoApprove struct {
	Approve bool
}

// RequestPresence returns a.Approve immediately.
func (a AutoApprove) RequestPresence(time.Time) bool { return a.Approve }
