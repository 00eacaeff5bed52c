package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/infusion/internal/crypto"
	"github.com/alanyoungcy/infusion/internal/domain"
)

// multipartThreshold switches uploads to the multipart path.
const multipartThreshold = 8 << 20

// Snapshot is a point-in-time copy of the whole ledger.
type Snapshot struct {
	TakenAt   time.Time           `json:"taken_at"`
	Registry  common.Address      `json:"registry"`
	Asset     string              `json:"asset"`
	Positions []domain.Position   `json:"positions"`
	Vaults    []domain.VaultState `json:"vaults"`
	Shares    []domain.ShareEntry `json:"shares"`
}

// SignedSnapshot is the stored document: the snapshot bytes, their keccak256
// digest and the operator's personal signature over the digest.
type SignedSnapshot struct {
	Snapshot  json.RawMessage `json:"snapshot"`
	Digest    string          `json:"digest"`
	Signer    common.Address  `json:"signer,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// SnapshotInfo describes a written snapshot.
type SnapshotInfo struct {
	Path      string         `json:"path"`
	Digest    string         `json:"digest"`
	Signer    common.Address `json:"signer,omitempty"`
	Positions int            `json:"positions"`
	Size      int            `json:"size"`
}

// SnapshotService archives signed ledger snapshots to blob storage.
type SnapshotService struct {
	store    domain.LedgerStore
	writer   domain.BlobWriter
	reader   domain.BlobReader
	signer   *crypto.Signer
	audit    domain.AuditStore
	registry common.Address
	asset    string
	prefix   string
	logger   *slog.Logger
	now      func() time.Time
}

// NewSnapshotService creates a SnapshotService. signer and audit may be nil;
// without a signer snapshots are stored unsigned.
func NewSnapshotService(
	store domain.LedgerStore,
	writer domain.BlobWriter,
	reader domain.BlobReader,
	signer *crypto.Signer,
	audit domain.AuditStore,
	registry common.Address,
	asset string,
	prefix string,
	logger *slog.Logger,
) *SnapshotService {
	return &SnapshotService{
		store:    store,
		writer:   writer,
		reader:   reader,
		signer:   signer,
		audit:    audit,
		registry: registry,
		asset:    asset,
		prefix:   prefix,
		logger:   logger.With(slog.String("component", "snapshot")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Capture reads the ledger in one consistent view.
func (s *SnapshotService) Capture(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{TakenAt: s.now(), Registry: s.registry, Asset: s.asset}
	err := s.store.View(ctx, func(ctx context.Context, r domain.LedgerReader) error {
		var err error
		if snap.Positions, err = r.Positions(ctx); err != nil {
			return err
		}
		if snap.Vaults, err = r.Vaults(ctx); err != nil {
			return err
		}
		for _, v := range snap.Vaults {
			entries, err := r.ShareEntries(ctx, v.Address)
			if err != nil {
				return err
			}
			snap.Shares = append(snap.Shares, entries...)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("service: capture snapshot: %w", err)
	}
	return snap, nil
}

// Take captures, signs and uploads a snapshot.
func (s *SnapshotService) Take(ctx context.Context) (SnapshotInfo, error) {
	snap, err := s.Capture(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}
	doc, err := s.sign(snap)
	if err != nil {
		return SnapshotInfo{}, err
	}
	// Plain Marshal keeps the embedded snapshot bytes exactly as signed.
	data, err := json.Marshal(doc)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("service: encode snapshot: %w", err)
	}

	key := s.objectPath(snap.TakenAt)
	exists, err := s.reader.Exists(ctx, key)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("service: check snapshot %s: %w", key, err)
	}
	if exists {
		return SnapshotInfo{}, fmt.Errorf("service: snapshot %s: %w", key, domain.ErrExists)
	}
	opts := domain.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"digest": doc.Digest, "positions": strconv.Itoa(len(snap.Positions))},
	}
	if doc.Signature != "" {
		opts.Metadata["signer"] = doc.Signer.Hex()
	}
	if len(data) >= multipartThreshold {
		opts.PartSize = multipartThreshold
	}
	err = s.writer.Put(ctx, key, bytes.NewReader(data), opts)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("service: upload snapshot: %w", err)
	}

	info := SnapshotInfo{
		Path:      key,
		Digest:    doc.Digest,
		Signer:    doc.Signer,
		Positions: len(snap.Positions),
		Size:      len(data),
	}
	if s.audit != nil {
		detail := map[string]any{"path": key, "digest": doc.Digest, "positions": info.Positions}
		if err := s.audit.Log(ctx, "snapshot_written", doc.Signer.Hex(), detail); err != nil {
			s.logger.WarnContext(ctx, "audit snapshot", slog.String("error", err.Error()))
		}
	}
	s.logger.InfoContext(ctx, "snapshot written",
		slog.String("path", key),
		slog.String("digest", doc.Digest),
		slog.Int("positions", info.Positions),
		slog.Int("bytes", info.Size),
	)
	return info, nil
}

// List returns stored snapshots, newest first.
func (s *SnapshotService) List(ctx context.Context) ([]domain.BlobInfo, error) {
	out, err := s.reader.List(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("service: list snapshots: %w", err)
	}
	return out, nil
}

// Load reads the snapshot at key and checks its digest and signature. When
// the service has a signer, the snapshot must carry that signer's signature.
func (s *SnapshotService) Load(ctx context.Context, key string) (Snapshot, SignedSnapshot, error) {
	if !strings.HasPrefix(key, s.prefix) {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: snapshot %s: %w", key, domain.ErrNotFound)
	}
	body, err := s.reader.Get(ctx, key)
	if err != nil {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: load snapshot: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: read snapshot %s: %w", key, err)
	}
	var doc SignedSnapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: decode snapshot %s: %w", key, err)
	}
	if err := s.verify(doc); err != nil {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(doc.Snapshot, &snap); err != nil {
		return Snapshot{}, SignedSnapshot{}, fmt.Errorf("service: decode snapshot body %s: %w", key, err)
	}
	return snap, doc, nil
}

func (s *SnapshotService) sign(snap Snapshot) (SignedSnapshot, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return SignedSnapshot{}, fmt.Errorf("service: encode snapshot body: %w", err)
	}
	digest := ethcrypto.Keccak256(body)
	doc := SignedSnapshot{Snapshot: body, Digest: hexutil.Encode(digest)}
	if s.signer == nil {
		return doc, nil
	}
	sig, err := s.signer.SignMessage(digest)
	if err != nil {
		return SignedSnapshot{}, fmt.Errorf("service: sign snapshot: %w", err)
	}
	doc.Signer = s.signer.Address()
	doc.Signature = sig
	return doc, nil
}

func (s *SnapshotService) verify(doc SignedSnapshot) error {
	digest := ethcrypto.Keccak256(doc.Snapshot)
	if hexutil.Encode(digest) != doc.Digest {
		return fmt.Errorf("%w: digest mismatch", crypto.ErrBadSignature)
	}
	if doc.Signature == "" {
		if s.signer != nil {
			return fmt.Errorf("%w: snapshot is unsigned", crypto.ErrBadSignature)
		}
		return nil
	}
	want := doc.Signer
	if s.signer != nil {
		want = s.signer.Address()
	}
	if err := crypto.VerifyMessage(digest, doc.Signature, want); err != nil {
		return err
	}
	return nil
}

func (s *SnapshotService) objectPath(at time.Time) string {
	return path.Join(s.prefix, at.Format("2006/01/02"), fmt.Sprintf("ledger-%s.json", at.Format("20060102T150405.000000000Z")))
}

// IsBadSnapshot reports whether err came from a failed integrity check.
func IsBadSnapshot(err error) bool {
	return errors.Is(err, crypto.ErrBadSignature)
}
