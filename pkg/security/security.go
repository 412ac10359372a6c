package security

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/noodlenet/pkg/identity"
	"github.com/raskyld/noodlenet/pkg/mesh"
	"github.com/raskyld/noodlenet/pkg/wire"
)

var (
	MetricAuthzAllowed = []string{"noodlenet", "security", "authorize", "allowed"}
	MetricAuthzDenied  = []string{"noodlenet", "security", "authorize", "denied"}
	MetricCapIssued    = []string{"noodlenet", "security", "capability", "issued"}
	MetricCapRevoked   = []string{"noodlenet", "security", "capability", "revoked"}
)

// GrantPolicy decides whether the local root authority grants a capability
// requested by a remote node.
type GrantPolicy func(subject mesh.NodeID, resource string, ops []string) bool

// DenyAll is the default GrantPolicy.
func DenyAll(mesh.NodeID, string, []string) bool {
	return false
}

type config struct {
	trusted    []mesh.NodeID
	maxDepth   int
	maxTTL     time.Duration
	audit      *AuditLog
	now        func() time.Time
	policy     GrantPolicy
	logHandler slog.Handler
	msink      metrics.MetricSink
	onRevoke   func(*wire.Revocation)
}

type Option func(*config) error

// WithTrustedIssuers adds root authorities besides the local node.
func WithTrustedIssuers(ids ...mesh.NodeID) Option {
	return func(c *config) error {
		c.trusted = append(c.trusted, ids...)
		return nil
	}
}

func WithMaxDelegationDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("security: negative delegation depth %d", depth)
		}
		c.maxDepth = depth
		return nil
	}
}

// WithMaxTTL caps the lifetime of issued capabilities. Zero means no cap.
func WithMaxTTL(ttl time.Duration) Option {
	return func(c *config) error {
		c.maxTTL = ttl
		return nil
	}
}

func WithAuditLog(al *AuditLog) Option {
	return func(c *config) error {
		c.audit = al
		return nil
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			now = time.Now
		}
		c.now = now
		return nil
	}
}

func WithGrantPolicy(policy GrantPolicy) Option {
	return func(c *config) error {
		if policy == nil {
			policy = DenyAll
		}
		c.policy = policy
		return nil
	}
}

func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		c.msink = ms
		return nil
	}
}

// WithRevocationHook is called with every revocation issued locally, so it
// can be broadcast to peers.
func WithRevocationHook(hook func(*wire.Revocation)) Option {
	return func(c *config) error {
		c.onRevoke = hook
		return nil
	}
}

// state is shared by the CapabilityManager and the Context of a node.
type state struct {
	cfg         config
	ident       *identity.Identity
	dir         *identity.Directory
	trusted     map[mesh.NodeID]struct{}
	revocations *RevocationList
	parser      *jwt.Parser
	logger      *slog.Logger
	msink       metrics.MetricSink
	issued      atomic.Uint64
}

// CapabilityManager issues and revokes capabilities as the local root
// authority.
type CapabilityManager struct {
	st *state
}

// Context authorizes operations presented with a capability.
type Context struct {
	st *state
}

// New builds the capability manager and the security context of a node.
// Both share the same trust anchors and revocation list.
func New(ident *identity.Identity, dir *identity.Directory, opts ...Option) (*CapabilityManager, *Context, error) {
	if ident == nil || dir == nil {
		return nil, nil, errors.New("security: identity and directory are required")
	}

	cfg := config{
		maxDepth: DefaultMaxDelegationDepth,
		now:      time.Now,
		policy:   DenyAll,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, nil, err
		}
	}

	st := &state{
		cfg:         cfg,
		ident:       ident,
		dir:         dir,
		trusted:     map[mesh.NodeID]struct{}{ident.ID(): {}},
		revocations: NewRevocationList(),
		logger:      mesh.Logger(cfg.logHandler).With("component", "security"),
		msink:       mesh.Sink(cfg.msink),
	}
	for _, id := range cfg.trusted {
		st.trusted[id] = struct{}{}
	}
	st.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(cfg.now),
		jwt.WithExpirationRequired(),
	)

	return &CapabilityManager{st: st}, &Context{st: st}, nil
}

func (st *state) keyfunc(token *jwt.Token) (any, error) {
	cl, ok := token.Claims.(*claims)
	if !ok {
		return nil, ErrMalformedToken
	}
	pub, ok := st.dir.PublicKey(mesh.NodeID(cl.Issuer))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, cl.Issuer)
	}
	return pub, nil
}

// parse verifies token and its delegation chain. authority, when set, is
// accepted as a root in addition to the trusted issuers.
func (st *state) parse(token string, depth int, authority mesh.NodeID) (*Capability, error) {
	if depth > st.cfg.maxDepth {
		return nil, ErrDelegationDepth
	}
	if token == "" {
		return nil, ErrMalformedToken
	}

	cl := &claims{}
	if _, err := st.parser.ParseWithClaims(token, cl, st.keyfunc); err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		case errors.Is(err, ErrUnknownIssuer):
			return nil, ErrUnknownIssuer
		default:
			return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
	}

	if cl.ID == "" || cl.Subject == "" || cl.Resource == "" || len(cl.Operations) == 0 || cl.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}

	capab := &Capability{
		ID:         cl.ID,
		Subject:    mesh.NodeID(cl.Subject),
		Issuer:     mesh.NodeID(cl.Issuer),
		Resource:   cl.Resource,
		Operations: cl.Operations,
		Expiry:     cl.ExpiresAt.Time,
		Token:      token,
	}
	if cl.IssuedAt != nil {
		capab.IssuedAt = cl.IssuedAt.Time
	}

	if capab.ExpiredAt(st.cfg.now()) {
		return nil, ErrExpired
	}
	if st.revocations.IsRevoked(capab.ID) {
		return nil, ErrRevoked
	}

	if cl.Parent == "" {
		if _, ok := st.trusted[capab.Issuer]; !ok && capab.Issuer != authority {
			return nil, ErrUntrustedIssuer
		}
		return capab, nil
	}

	parent, err := st.parse(cl.Parent, depth+1, authority)
	if err != nil {
		if errors.Is(err, ErrDelegationDepth) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: parent: %w", ErrDelegation, err)
	}
	if err := checkDelegation(parent, capab.Issuer, capab.Resource, capab.Operations, capab.Expiry); err != nil {
		return nil, err
	}
	capab.Parent = parent
	return capab, nil
}

// rootIssuer follows the parents of token, without verifying them, up to
// the capability that started the chain and returns its issuer. parse
// verifies the whole chain afterwards.
func (st *state) rootIssuer(token string) (mesh.NodeID, error) {
	for depth := 0; depth <= st.cfg.maxDepth+1; depth++ {
		cl := &claims{}
		if _, _, err := st.parser.ParseUnverified(token, cl); err != nil {
			return "", fmt.Errorf("%w: %w", ErrMalformedToken, err)
		}
		if cl.Parent == "" {
			return mesh.NodeID(cl.Issuer), nil
		}
		token = cl.Parent
	}
	return "", ErrDelegationDepth
}

func checkDelegation(parent *Capability, issuer mesh.NodeID, resource string, ops []string, expiry time.Time) error {
	switch {
	case parent.Subject != issuer:
		return fmt.Errorf("%w: parent held by %s", ErrDelegation, parent.Subject.Short())
	case parent.Resource != resource:
		return fmt.Errorf("%w: parent covers %q", ErrDelegation, parent.Resource)
	case !parent.Allows(OpDelegate):
		return fmt.Errorf("%w: parent does not allow %s", ErrDelegation, OpDelegate)
	case !subset(ops, parent.Operations):
		return fmt.Errorf("%w: operations exceed parent", ErrDelegation)
	case expiry.After(parent.Expiry):
		return fmt.Errorf("%w: outlives parent", ErrDelegation)
	}
	return nil
}

func (st *state) audit(rec AuditRecord) {
	if st.cfg.audit == nil {
		return
	}
	if _, err := st.cfg.audit.Append(rec); err != nil {
		st.logger.Error("failed to append audit record", mesh.LabelError.L(err))
	}
}

type issueOptions struct {
	parent *Capability
}

type IssueOption func(*issueOptions)

// WithParent issues a delegated capability backed by parent, which must be
// held by the local node and allow OpDelegate. The issuer at the root of
// the parent chain is accepted as the authority of the resource, the node
// hosting it checks the chain again against its own trust anchors.
func WithParent(parent *Capability) IssueOption {
	return func(o *issueOptions) {
		o.parent = parent
	}
}

// Issue mints a capability for subject. The expiry of a delegated
// capability never exceeds its parent's.
func (m *CapabilityManager) Issue(
	subject mesh.NodeID,
	resource string,
	ops []string,
	ttl time.Duration,
	opts ...IssueOption,
) (*Capability, error) {
	st := m.st
	var o issueOptions
	for _, opt := range opts {
		opt(&o)
	}

	if subject == "" || resource == "" || len(ops) == 0 || ttl <= 0 {
		return nil, ErrInvalidRequest
	}
	if st.cfg.maxTTL > 0 && ttl > st.cfg.maxTTL {
		ttl = st.cfg.maxTTL
	}

	ops = slices.Compact(slices.Sorted(slices.Values(ops)))
	now := st.cfg.now()
	expiry := now.Add(ttl)

	cl := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			Subject:  string(subject),
			Issuer:   string(st.ident.ID()),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Resource:   resource,
		Operations: ops,
	}

	var parent *Capability
	if o.parent != nil {
		root, err := st.rootIssuer(o.parent.Token)
		if err != nil {
			return nil, fmt.Errorf("%w: parent: %w", ErrDelegation, err)
		}
		parent, err = st.parse(o.parent.Token, 1, root)
		if err != nil {
			return nil, fmt.Errorf("%w: parent: %w", ErrDelegation, err)
		}
		if parent.Expiry.Before(expiry) {
			expiry = parent.Expiry
		}
		if err := checkDelegation(parent, st.ident.ID(), resource, ops, expiry); err != nil {
			return nil, err
		}
		cl.Parent = parent.Token
	}
	cl.ExpiresAt = jwt.NewNumericDate(expiry)

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, cl).SignedString(st.ident.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("security: sign capability: %w", err)
	}

	capab := &Capability{
		ID:         cl.ID,
		Subject:    subject,
		Issuer:     st.ident.ID(),
		Resource:   resource,
		Operations: ops,
		IssuedAt:   cl.IssuedAt.Time,
		Expiry:     cl.ExpiresAt.Time,
		Parent:     parent,
		Token:      token,
	}

	st.issued.Add(1)
	st.msink.IncrCounterWithLabels(MetricCapIssued, 1.0, []metrics.Label{mesh.LabelResource.M(resource)})
	st.audit(AuditRecord{
		Decision:     DecisionIssue,
		Subject:      subject,
		Resource:     resource,
		Operation:    fmt.Sprint(ops),
		CapabilityID: capab.ID,
	})
	st.logger.Debug("issued capability", slog.Any("capability", capab))
	return capab, nil
}

// Issued is how many capabilities this node minted since start.
func (m *CapabilityManager) Issued() uint64 {
	return m.st.issued.Load()
}

// Grant answers a remote CapabilityRequest according to the GrantPolicy.
func (m *CapabilityManager) Grant(subject mesh.NodeID, req *wire.CapabilityRequest) (*Capability, error) {
	st := m.st
	if !st.cfg.policy(subject, req.Resource, req.Operations) {
		st.audit(AuditRecord{
			Decision:  DecisionDeny,
			Subject:   subject,
			Resource:  req.Resource,
			Operation: fmt.Sprint(req.Operations),
			Reason:    ErrGrantRefused.Error(),
		})
		st.logger.Warn(
			"refused capability request",
			mesh.LabelPeer.L(subject),
			mesh.LabelResource.L(req.Resource),
			mesh.LabelOperation.L(req.Operations),
		)
		return nil, ErrGrantRefused
	}
	return m.Issue(subject, req.Resource, req.Operations, req.TTL)
}

// Revoke withdraws a capability issued by this node and returns the signed
// revocation to broadcast.
func (m *CapabilityManager) Revoke(capab *Capability) (*wire.Revocation, error) {
	st := m.st
	if capab.Issuer != st.ident.ID() {
		return nil, ErrNotIssuer
	}

	rev := &wire.Revocation{
		CapabilityID: capab.ID,
		Issuer:       capab.Issuer,
		Expiry:       capab.Expiry,
		RevokedAt:    st.cfg.now(),
	}
	rev.Signature = st.ident.Sign(rev.SigningBytes())
	st.revocations.Add(capab.ID, capab.Expiry)

	st.msink.IncrCounter(MetricCapRevoked, 1.0)
	st.audit(AuditRecord{
		Decision:     DecisionRevoke,
		Subject:      capab.Subject,
		Resource:     capab.Resource,
		CapabilityID: capab.ID,
	})
	st.logger.Info("revoked capability", slog.Any("capability", capab))

	if st.cfg.onRevoke != nil {
		st.cfg.onRevoke(rev)
	}
	return rev, nil
}

// ApplyRevocation honours a revocation received from a peer. It must be
// signed by the issuer of the capability.
func (m *CapabilityManager) ApplyRevocation(rev *wire.Revocation) error {
	st := m.st
	if !st.dir.Verify(rev.SigningBytes(), rev.Signature, rev.Issuer) {
		return ErrBadSignature
	}
	if !rev.Expiry.After(st.cfg.now()) {
		return nil
	}
	if st.revocations.Add(rev.CapabilityID, rev.Expiry) {
		st.logger.Info(
			"applied remote revocation",
			"capability_id", rev.CapabilityID,
			mesh.LabelPeer.L(rev.Issuer),
		)
	}
	return nil
}

// Prune forgets revocations of capabilities that expired anyway.
func (m *CapabilityManager) Prune() int {
	return m.st.revocations.Prune(m.st.cfg.now())
}

// Authorize verifies that capability token grants op on resource to
// subject. Every decision is audited.
func (sc *Context) Authorize(token string, subject mesh.NodeID, resource, op string) (*Capability, error) {
	return sc.AuthorizeAt(token, subject, resource, op, "")
}

// AuthorizeAt is Authorize as judged on behalf of authority, a node that is
// a root for the resources it hosts. Senders use it to check a token minted
// by the destination before putting it on the wire.
func (sc *Context) AuthorizeAt(token string, subject mesh.NodeID, resource, op string, authority mesh.NodeID) (*Capability, error) {
	st := sc.st
	capab, err := st.parse(token, 0, authority)
	if err == nil {
		switch {
		case capab.Resource != resource:
			err = ErrResourceMismatch
		case !capab.Allows(op):
			err = ErrOperationForbidden
		case capab.Subject != subject:
			err = ErrSubjectMismatch
		}
	}

	rec := AuditRecord{
		Decision:  DecisionAllow,
		Subject:   subject,
		Resource:  resource,
		Operation: op,
	}
	if capab != nil {
		rec.CapabilityID = capab.ID
	}

	if err != nil {
		rec.Decision = DecisionDeny
		rec.Reason = err.Error()
		st.audit(rec)
		st.msink.IncrCounterWithLabels(MetricAuthzDenied, 1.0, []metrics.Label{
			mesh.LabelResource.M(resource),
			mesh.LabelOperation.M(op),
		})
		st.logger.Warn(
			"authorization denied",
			mesh.LabelPeer.L(subject),
			mesh.LabelResource.L(resource),
			mesh.LabelOperation.L(op),
			mesh.LabelReason.L(err.Error()),
		)
		return nil, denied(err)
	}

	st.audit(rec)
	st.msink.IncrCounterWithLabels(MetricAuthzAllowed, 1.0, []metrics.Label{
		mesh.LabelResource.M(resource),
		mesh.LabelOperation.M(op),
	})
	return capab, nil
}

// Allowed is Authorize reduced to a boolean.
func (sc *Context) Allowed(token string, subject mesh.NodeID, resource, op string) bool {
	_, err := sc.Authorize(token, subject, resource, op)
	return err == nil
}

// Inspect verifies a token without checking a specific operation.
func (sc *Context) Inspect(token string) (*Capability, error) {
	return sc.st.parse(token, 0, "")
}

// InspectAt is Inspect accepting authority as a root, see AuthorizeAt.
func (sc *Context) InspectAt(token string, authority mesh.NodeID) (*Capability, error) {
	return sc.st.parse(token, 0, authority)
}

// Trusts reports whether id is a root authority for this node.
func (sc *Context) Trusts(id mesh.NodeID) bool {
	_, ok := sc.st.trusted[id]
	return ok
}
