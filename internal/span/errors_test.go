package span

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
)

func TestClassifyWriteError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, WriteErrorClassUnknown},
		{"deadline", context.DeadlineExceeded, WriteErrorClassTimeout},
		{"canceled", context.Canceled, WriteErrorClassTimeout},
		{"wrapped deadline", fmt.Errorf("close span: %w", context.DeadlineExceeded), WriteErrorClassTimeout},
		{"op error", &net.OpError{Op: "dial", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, WriteErrorClassConnection},
		{"refused text", errors.New("dial tcp 127.0.0.1:5432: connection refused"), WriteErrorClassConnection},
		{"pipe text", errors.New("write: broken pipe"), WriteErrorClassConnection},
		{"sqlite busy", errors.New("SQLITE_BUSY: database is locked"), WriteErrorClassContention},
		{"pg unique", errors.New(`duplicate key value violates unique constraint "spans_pkey"`), WriteErrorClassConstraint},
		{"sqlite constraint", errors.New("constraint failed: UNIQUE constraint failed: spans.id"), WriteErrorClassConstraint},
		{"opaque", errors.New("something else entirely"), WriteErrorClassUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyWriteError(tc.err); got != tc.want {
				t.Fatalf("ClassifyWriteError(%v)=%q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
