package fault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/mesh"
)

const (
	DefaultCheckpointInterval  = time.Minute
	DefaultCheckpointRetention = 5

	checkpointVersion = 1
	checkpointPrefix  = "checkpoint-"
	checkpointSuffix  = ".cbor"
	encryptedSuffix   = ".age"
)

var (
	MetricCheckpointSaved = []string{"noodlenet", "fault", "checkpoint", "saved"}
	MetricCheckpointBytes = []string{"noodlenet", "fault", "checkpoint", "bytes"}
)

// ReplicaRecord is a replicated value as kept in a checkpoint.
type ReplicaRecord struct {
	Key     string      `cbor:"1,keyasint"`
	Version uint64      `cbor:"2,keyasint"`
	Value   []byte      `cbor:"3,keyasint"`
	Origin  mesh.NodeID `cbor:"4,keyasint"`
}

// Checkpoint is what a restarted node needs to skip a discovery cold
// start: its view of the membership, routes, link latencies and the
// replicas it holds.
type Checkpoint struct {
	Version   int                     `cbor:"1,keyasint"`
	NodeID    mesh.NodeID             `cbor:"2,keyasint"`
	CreatedAt time.Time               `cbor:"3,keyasint"`
	Peers     []mesh.PeerRecord       `cbor:"4,keyasint"`
	Routes    []mesh.RouteEntry       `cbor:"5,keyasint"`
	Links     map[mesh.NodeID]float64 `cbor:"6,keyasint"`
	Replicas  []ReplicaRecord         `cbor:"7,keyasint"`
}

// Store persists named checkpoint blobs.
type Store interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	List() ([]string, error)
	Delete(name string) error
}

// FileStore keeps checkpoints as files of one directory.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return &FileStore{dir: dir}, nil
}

// Put writes data atomically.
func (s *FileStore) Put(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name)
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

func (s *FileStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, name)
	}
	return data, err
}

func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), checkpointPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *FileStore) Delete(name string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(name)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

type CheckpointOption func(*checkpointConfig) error

type checkpointConfig struct {
	interval   time.Duration
	retention  int
	recipients []age.Recipient
	identities []age.Identity
	now        func() time.Time
	logHandler slog.Handler
	msink      metrics.MetricSink
}

func WithCheckpointInterval(d time.Duration) CheckpointOption {
	return func(c *checkpointConfig) error {
		if d <= 0 {
			return fmt.Errorf("%w: checkpoint interval must be positive", ErrInvalidCfg)
		}
		c.interval = d
		return nil
	}
}

// WithRetention keeps the newest n checkpoints.
func WithRetention(n int) CheckpointOption {
	return func(c *checkpointConfig) error {
		if n < 1 {
			return fmt.Errorf("%w: retention must be at least 1", ErrInvalidCfg)
		}
		c.retention = n
		return nil
	}
}

// WithEncryption encrypts checkpoints at rest with age. The identity is
// both the decryption key and, through its recipient, the encryption key.
func WithEncryption(identity *age.X25519Identity) CheckpointOption {
	return func(c *checkpointConfig) error {
		if identity == nil {
			return fmt.Errorf("%w: nil age identity", ErrInvalidCfg)
		}
		c.recipients = append(c.recipients, identity.Recipient())
		c.identities = append(c.identities, identity)
		return nil
	}
}

func WithCheckpointClock(now func() time.Time) CheckpointOption {
	return func(c *checkpointConfig) error {
		c.now = now
		return nil
	}
}

func WithCheckpointLog(handler slog.Handler) CheckpointOption {
	return func(c *checkpointConfig) error {
		c.logHandler = handler
		return nil
	}
}

func WithCheckpointMetricSink(ms metrics.MetricSink) CheckpointOption {
	return func(c *checkpointConfig) error {
		c.msink = ms
		return nil
	}
}

// CheckpointManager periodically snapshots the state returned by its source.
type CheckpointManager struct {
	cfg    checkpointConfig
	store  Store
	source func() *Checkpoint
	enc    cbor.EncMode
	dec    cbor.DecMode
	logger *slog.Logger
	msink  metrics.MetricSink

	// lk serialises Save so retention sees a consistent listing.
	lk sync.Mutex
}

func NewCheckpointManager(store Store, source func() *Checkpoint, opts ...CheckpointOption) (*CheckpointManager, error) {
	cfg := checkpointConfig{
		interval:  DefaultCheckpointInterval,
		retention: DefaultCheckpointRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if store == nil || source == nil {
		return nil, fmt.Errorf("%w: store and source are required", ErrInvalidCfg)
	}

	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	return &CheckpointManager{
		cfg:    cfg,
		store:  store,
		source: source,
		enc:    enc,
		dec:    dec,
		logger: mesh.Logger(cfg.logHandler).With("component", "checkpoint"),
		msink:  mesh.Sink(cfg.msink),
	}, nil
}

func (cm *CheckpointManager) encrypted() bool {
	return len(cm.cfg.recipients) > 0
}

func (cm *CheckpointManager) name(at time.Time) string {
	name := fmt.Sprintf("%s%020d%s", checkpointPrefix, at.UnixNano(), checkpointSuffix)
	if cm.encrypted() {
		name += encryptedSuffix
	}
	return name
}

func (cm *CheckpointManager) seal(plain []byte) ([]byte, error) {
	if !cm.encrypted() {
		return plain, nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, cm.cfg.recipients...)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (cm *CheckpointManager) open(name string, data []byte) ([]byte, error) {
	if !strings.HasSuffix(name, encryptedSuffix) {
		return data, nil
	}
	if len(cm.cfg.identities) == 0 {
		return nil, fmt.Errorf("%w: %s is encrypted and no identity is configured", ErrCorruptCheckpoint, name)
	}
	r, err := age.Decrypt(bytes.NewReader(data), cm.cfg.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	return io.ReadAll(r)
}

// Save snapshots the current state and applies retention.
func (cm *CheckpointManager) Save() (string, error) {
	cm.lk.Lock()
	defer cm.lk.Unlock()

	cp := cm.source()
	cp.Version = checkpointVersion
	cp.CreatedAt = cm.cfg.now()

	plain, err := cm.enc.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("fault: encoding checkpoint: %w", err)
	}
	data, err := cm.seal(plain)
	if err != nil {
		return "", fmt.Errorf("fault: encrypting checkpoint: %w", err)
	}
	name := cm.name(cp.CreatedAt)
	if err := cm.store.Put(name, data); err != nil {
		return "", fmt.Errorf("fault: storing checkpoint: %w", err)
	}

	cm.msink.IncrCounter(MetricCheckpointSaved, 1.0)
	cm.msink.SetGauge(MetricCheckpointBytes, float32(len(data)))
	cm.logger.Debug("checkpoint saved", "name", name, "peers", len(cp.Peers), "routes", len(cp.Routes))

	if err := cm.prune(); err != nil {
		cm.logger.Warn("checkpoint retention failed", mesh.LabelError.L(err))
	}
	return name, nil
}

func (cm *CheckpointManager) prune() error {
	names, err := cm.List()
	if err != nil {
		return err
	}
	if len(names) <= cm.cfg.retention {
		return nil
	}
	var errs []error
	for _, name := range names[:len(names)-cm.cfg.retention] {
		errs = append(errs, cm.store.Delete(name))
	}
	return errors.Join(errs...)
}

// List returns the stored checkpoints, oldest first.
func (cm *CheckpointManager) List() ([]string, error) {
	names, err := cm.store.List()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

// Load decodes the checkpoint called name.
func (cm *CheckpointManager) Load(name string) (*Checkpoint, error) {
	data, err := cm.store.Get(name)
	if err != nil {
		return nil, err
	}
	plain, err := cm.open(name, data)
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := cm.dec.Unmarshal(plain, &cp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptCheckpoint, cp.Version)
	}
	return &cp, nil
}

// Latest loads the newest readable checkpoint. Corrupt ones are skipped.
func (cm *CheckpointManager) Latest() (*Checkpoint, error) {
	names, err := cm.List()
	if err != nil {
		return nil, err
	}
	for _, name := range slices.Backward(names) {
		cp, err := cm.Load(name)
		if err == nil {
			return cp, nil
		}
		cm.logger.Warn("skipping unreadable checkpoint", "name", name, mesh.LabelError.L(err))
	}
	return nil, ErrNoCheckpoint
}

// Run saves a checkpoint every interval until ctx is done.
func (cm *CheckpointManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(cm.cfg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := cm.Save(); err != nil {
				cm.logger.Error("checkpoint failed", mesh.LabelError.L(err))
			}
		}
	}
}
