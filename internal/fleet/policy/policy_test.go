package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_RevokeAndIsRevoked(t *testing.T) {
	p := New()
	assert.False(t, p.IsRevoked("srv:tool"))

	p.Revoke([]string{"srv:tool", "srv:other"}, Change{Reason: "incident", Actor: "ops"})

	assert.True(t, p.IsRevoked("srv:tool"))
	assert.True(t, p.IsRevoked("srv:other"))
	assert.Equal(t, []string{"srv:other", "srv:tool"}, p.Revoked())
}

func TestPolicy_RevokeIsIdempotent(t *testing.T) {
	p := New()
	p.Revoke([]string{"srv:tool"}, Change{Reason: "first"})
	p.Revoke([]string{"srv:tool"}, Change{Reason: "second"})

	audit := p.Audit()
	require.Len(t, audit, 1, "re-revoking an already-revoked id must not append another audit entry")
	assert.Equal(t, "first", audit[0].Reason)
}

func TestPolicy_Restore(t *testing.T) {
	p := New()
	p.Revoke([]string{"srv:a", "srv:b"}, Change{})
	p.Restore([]string{"srv:a"}, Change{Reason: "resolved", Actor: "ops"})

	assert.False(t, p.IsRevoked("srv:a"))
	assert.True(t, p.IsRevoked("srv:b"))

	audit := p.Audit()
	require.Len(t, audit, 3)
	assert.Equal(t, ActionRestored, audit[2].Action)
	assert.Equal(t, "srv:a", audit[2].ToolID)
}

func TestPolicy_RestoreUnknownIDIsNoop(t *testing.T) {
	p := New()
	p.Restore([]string{"srv:never-revoked"}, Change{})
	assert.Empty(t, p.Audit())
}

func TestPolicy_Clear(t *testing.T) {
	p := New()
	p.Revoke([]string{"srv:a", "srv:b"}, Change{})
	p.Clear(Change{Reason: "reset", Actor: "ops"})

	assert.Empty(t, p.Revoked())
	audit := p.Audit()
	require.Len(t, audit, 4)
	assert.Equal(t, ActionRestored, audit[2].Action)
	assert.Equal(t, ActionRestored, audit[3].Action)
}

func TestPolicy_ClearOnEmptySetIsNoop(t *testing.T) {
	p := New()
	p.Clear(Change{})
	assert.Empty(t, p.Audit())
}

func TestPolicy_SubscriberGetsImmediateSnapshotAndUpdates(t *testing.T) {
	p := New()
	p.Revoke([]string{"srv:a"}, Change{})

	var snapshots [][]string
	unsubscribe := p.Subscribe(func(revoked []string) {
		cp := append([]string(nil), revoked...)
		snapshots = append(snapshots, cp)
	})

	require.Len(t, snapshots, 1, "subscriber must receive an immediate snapshot at registration")
	assert.Equal(t, []string{"srv:a"}, snapshots[0])

	p.Revoke([]string{"srv:b"}, Change{})
	require.Len(t, snapshots, 2)
	assert.Equal(t, []string{"srv:a", "srv:b"}, snapshots[1])

	unsubscribe()
	p.Revoke([]string{"srv:c"}, Change{})
	assert.Len(t, snapshots, 2, "unsubscribed callback must not fire again")
}

func TestPolicy_ConcurrentRevokeIsRaceFree(t *testing.T) {
	p := New()
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(n int) {
			p.Revoke([]string{"srv:concurrent"}, Change{Actor: "worker"})
			p.IsRevoked("srv:concurrent")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.True(t, p.IsRevoked("srv:concurrent"))
}
