package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloseCodeFor(t *testing.T) {
	req := require.New(t)
	req.Equal(CloseNormal, CloseCodeFor(nil))
	req.Equal(CloseAuthFailed, CloseCodeFor(fmt.Errorf("verify: %w", ErrAuth)))
	req.Equal(CloseDuplicateSession, CloseCodeFor(ErrDuplicateConnection))
	req.Equal(CloseGoingAway, CloseCodeFor(ErrDraining))
	req.Equal(CloseInternal, CloseCodeFor(fmt.Errorf("boom")))
}

func TestCode(t *testing.T) {
	req := require.New(t)
	req.Equal("storage_failed", Code(fmt.Errorf("persist: %w", ErrStorage)))
	req.Equal("not_member", Code(ErrNotMember))
	req.Equal("draining", Code(ErrSessionClosed))
	req.Equal("recipients_unresolved", Code(fmt.Errorf("route: %w", ErrRecipientsUnresolved)))
	req.Equal("rejected", Code(fmt.Errorf("other")))
}
