package security

import (
	"bufio"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/raskyld/noodlenet/pkg/mesh"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrAuditLogClosed    = errors.New("audit: log is closed")
	ErrAuditVerifyFailed = errors.New("audit: verification failed")
	ErrAuditSequenceGap  = errors.New("audit: sequence number gap detected")
)

type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDeny   Decision = "deny"
	DecisionIssue  Decision = "issue"
	DecisionRevoke Decision = "revoke"
)

// AuditRecord is one append-only entry. Hash chains every record to the
// previous one so any mutation or removal is detectable.
type AuditRecord struct {
	Sequence     uint64      `json:"seq"`
	Timestamp    time.Time   `json:"ts"`
	Node         mesh.NodeID `json:"node"`
	Decision     Decision    `json:"decision"`
	Subject      mesh.NodeID `json:"subject,omitempty"`
	Resource     string      `json:"resource,omitempty"`
	Operation    string      `json:"operation,omitempty"`
	CapabilityID string      `json:"capability_id,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	PrevHash     string      `json:"prev_hash,omitempty"`
	Hash         string      `json:"hash"`
	Signature    string      `json:"sig,omitempty"`
}

// AuditConfig configures where the log goes. An empty FilePath keeps the
// log in memory only.
type AuditConfig struct {
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Keep is how many recent records stay queryable through Recent.
	Keep int

	// Signer signs every record hash when set.
	Signer ed25519.PrivateKey
	Node   mesh.NodeID
}

func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 90,
		Compress:   true,
		Keep:       1024,
	}
}

// AuditLog is a tamper-evident, append-only decision log.
type AuditLog struct {
	cfg    AuditConfig
	writer *bufio.Writer
	closer io.Closer

	sequence uint64
	lastHash string
	recent   []AuditRecord
	next     int
	full     bool
	closed   bool
	now      func() time.Time
	lk       sync.Mutex
}

func NewAuditLog(cfg AuditConfig) *AuditLog {
	if cfg.Keep <= 0 {
		cfg.Keep = 1024
	}

	al := &AuditLog{
		cfg:    cfg,
		recent: make([]AuditRecord, cfg.Keep),
		now:    time.Now,
	}

	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		al.writer = bufio.NewWriter(rotator)
		al.closer = rotator
	}
	return al
}

// Append seals rec into the chain and writes it. The caller's Sequence,
// Timestamp and hash fields are overwritten.
func (al *AuditLog) Append(rec AuditRecord) (AuditRecord, error) {
	al.lk.Lock()
	defer al.lk.Unlock()
	if al.closed {
		return rec, ErrAuditLogClosed
	}

	al.sequence++
	rec.Sequence = al.sequence
	rec.Timestamp = al.now().UTC()
	rec.Node = al.cfg.Node
	rec.PrevHash = al.lastHash
	rec.Hash = ""
	rec.Signature = ""
	rec.Hash = hashRecord(&rec)
	if al.cfg.Signer != nil {
		digest, _ := hex.DecodeString(rec.Hash)
		rec.Signature = hex.EncodeToString(ed25519.Sign(al.cfg.Signer, digest))
	}
	al.lastHash = rec.Hash

	al.recent[al.next] = rec
	al.next = (al.next + 1) % len(al.recent)
	if al.next == 0 {
		al.full = true
	}

	if al.writer != nil {
		line, err := json.Marshal(&rec)
		if err != nil {
			return rec, fmt.Errorf("audit: encode record: %w", err)
		}
		line = append(line, '\n')
		if _, err := al.writer.Write(line); err != nil {
			return rec, fmt.Errorf("audit: write record: %w", err)
		}
		if err := al.writer.Flush(); err != nil {
			return rec, fmt.Errorf("audit: flush record: %w", err)
		}
	}
	return rec, nil
}

// Recent returns up to n of the latest records, oldest first.
func (al *AuditLog) Recent(n int) []AuditRecord {
	al.lk.Lock()
	defer al.lk.Unlock()

	size := al.next
	if al.full {
		size = len(al.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]AuditRecord, 0, n)
	start := al.next - n
	if start < 0 {
		start += len(al.recent)
	}
	for i := 0; i < n; i++ {
		out = append(out, al.recent[(start+i)%len(al.recent)])
	}
	return out
}

func (al *AuditLog) Sequence() uint64 {
	al.lk.Lock()
	defer al.lk.Unlock()
	return al.sequence
}

func (al *AuditLog) Close() error {
	al.lk.Lock()
	defer al.lk.Unlock()
	if al.closed {
		return nil
	}
	al.closed = true
	if al.writer == nil {
		return nil
	}
	return errors.Join(al.writer.Flush(), al.closer.Close())
}

// VerifyRecords checks sequence continuity, the hash chain and, when pub is
// set, every signature.
func VerifyRecords(records []AuditRecord, pub ed25519.PublicKey) error {
	for i := range records {
		rec := records[i]
		if i > 0 {
			prev := records[i-1]
			if rec.Sequence != prev.Sequence+1 {
				return fmt.Errorf("%w: %d after %d", ErrAuditSequenceGap, rec.Sequence, prev.Sequence)
			}
			if rec.PrevHash != prev.Hash {
				return fmt.Errorf("%w: broken chain at %d", ErrAuditVerifyFailed, rec.Sequence)
			}
		}

		want := rec.Hash
		sig := rec.Signature
		rec.Hash = ""
		rec.Signature = ""
		if hashRecord(&rec) != want {
			return fmt.Errorf("%w: record %d was altered", ErrAuditVerifyFailed, rec.Sequence)
		}

		if pub != nil {
			digest, _ := hex.DecodeString(want)
			raw, err := hex.DecodeString(sig)
			if err != nil || !ed25519.Verify(pub, digest, raw) {
				return fmt.Errorf("%w: bad signature on %d", ErrAuditVerifyFailed, rec.Sequence)
			}
		}
	}
	return nil
}

// ReadRecords parses a JSON lines audit file.
func ReadRecords(r io.Reader) ([]AuditRecord, error) {
	var records []AuditRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuditVerifyFailed, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// hashRecord expects Hash and Signature to be empty.
func hashRecord(rec *AuditRecord) string {
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
