package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditRecent(t *testing.T) {
	al := NewAuditLog(AuditConfig{Keep: 3})
	for _, d := range []Decision{DecisionIssue, DecisionAllow, DecisionDeny, DecisionRevoke} {
		_, err := al.Append(AuditRecord{Decision: d, Resource: "queue:X"})
		require.NoError(t, err)
	}

	recent := al.Recent(0)
	require.Len(t, recent, 3)
	require.Equal(t, uint64(2), recent[0].Sequence)
	require.Equal(t, DecisionRevoke, recent[2].Decision)

	last := al.Recent(1)
	require.Len(t, last, 1)
	require.Equal(t, uint64(4), last[0].Sequence)

	require.NoError(t, VerifyRecords(recent, nil))
	require.Equal(t, uint64(4), al.Sequence())
}

func TestAuditTamperDetection(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	al := NewAuditLog(AuditConfig{Keep: 16, Signer: priv})
	for i := 0; i < 5; i++ {
		_, err := al.Append(AuditRecord{Decision: DecisionAllow, Operation: "write"})
		require.NoError(t, err)
	}
	records := al.Recent(0)
	require.NoError(t, VerifyRecords(records, pub))

	t.Run("altered field", func(t *testing.T) {
		altered := append([]AuditRecord(nil), records...)
		altered[2].Decision = DecisionDeny
		require.ErrorIs(t, VerifyRecords(altered, pub), ErrAuditVerifyFailed)
	})

	t.Run("removed record", func(t *testing.T) {
		removed := append(append([]AuditRecord(nil), records[:2]...), records[3:]...)
		require.ErrorIs(t, VerifyRecords(removed, pub), ErrAuditSequenceGap)
	})

	t.Run("foreign signer", func(t *testing.T) {
		other, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		require.ErrorIs(t, VerifyRecords(records, other), ErrAuditVerifyFailed)
	})
}

func TestAuditFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "decisions.log")
	cfg := DefaultAuditConfig()
	cfg.FilePath = path
	al := NewAuditLog(cfg)

	_, err := al.Append(AuditRecord{Decision: DecisionIssue, Resource: "queue:X"})
	require.NoError(t, err)
	_, err = al.Append(AuditRecord{Decision: DecisionAllow, Resource: "queue:X", Operation: "write"})
	require.NoError(t, err)
	require.NoError(t, al.Close())

	_, err = al.Append(AuditRecord{Decision: DecisionDeny})
	require.ErrorIs(t, err, ErrAuditLogClosed)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := ReadRecords(f)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.NoError(t, VerifyRecords(records, nil))
	require.Equal(t, "write", records[1].Operation)
}
