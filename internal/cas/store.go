// Package cas is the worker's local content-addressable store. Blobs live
// under <root>/cas/blobs/<2 hex>/<64 hex> and are never modified once
// committed; a SQLite database alongside records sizes, pins and puts.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opensandbox/pipagent/internal/metrics"
	"github.com/opensandbox/pipagent/pkg/types"
)

var (
	// ErrNotFound is returned when content is neither local nor in the tier.
	ErrNotFound = errors.New("cas: content not found")
	// ErrHashMismatch is returned when staged bytes do not hash to the
	// declared hash. Nothing is committed.
	ErrHashMismatch = errors.New("cas: content hash mismatch")
)

// Tier is a remote blob store consulted on a local miss and replicated to
// after a put.
type Tier interface {
	Has(ctx context.Context, hash types.ContentHash) (bool, error)
	Upload(ctx context.Context, hash types.ContentHash, path string) error
	Download(ctx context.Context, hash types.ContentHash, dst string) error
}

// Options configures a Store.
type Options struct {
	// Tier is optional.
	Tier Tier
	// PinConcurrency bounds the goroutines used by one Pin call.
	PinConcurrency int
}

// PutOptions controls how a staged file is committed.
type PutOptions struct {
	// Verify re-hashes the bytes and fails with ErrHashMismatch if they do
	// not match the declared hash.
	Verify bool
	// Move consumes the source file instead of copying it.
	Move bool
	// Source is recorded in the put log.
	Source string
}

// PinResult is the outcome for the hash at Index of a Pin call.
type PinResult struct {
	Index int
	Code  types.PinResultCode
	Err   error
}

// Store is safe for concurrent use.
type Store struct {
	blobs string
	tmp   string
	meta  *metaDB
	tier  Tier
	locks *hashLocks

	pinConcurrency int
}

// Open opens or creates the store under root.
func Open(root string, opts Options) (*Store, error) {
	base := filepath.Join(root, "cas")
	s := &Store{
		blobs:          filepath.Join(base, "blobs"),
		tmp:            filepath.Join(base, "tmp"),
		tier:           opts.Tier,
		locks:          newHashLocks(),
		pinConcurrency: opts.PinConcurrency,
	}
	if s.pinConcurrency <= 0 {
		s.pinConcurrency = 16
	}
	for _, dir := range []string{s.blobs, s.tmp} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	meta, err := openMeta(filepath.Join(base, "cas.db"))
	if err != nil {
		return nil, err
	}
	s.meta = meta
	return s, nil
}

// Close releases the metadata database.
func (s *Store) Close() error {
	return s.meta.close()
}

// TempDir returns a directory on the same filesystem as the blobs, so
// files staged there can be committed with a rename.
func (s *Store) TempDir() string { return s.tmp }

func (s *Store) blobPath(hash types.ContentHash) string {
	hex := hash.String()
	return filepath.Join(s.blobs, hex[:2], hex)
}

// Pin checks every hash and, for present content, bumps its pin count.
// Results are returned in completion order; callers correlate by Index.
// A failure for one hash never fails the others.
func (s *Store) Pin(ctx context.Context, hashes []types.ContentHash) []PinResult {
	var (
		mu      sync.Mutex
		results = make([]PinResult, 0, len(hashes))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.pinConcurrency)
	for i, h := range hashes {
		i, h := i, h
		g.Go(func() error {
			r := PinResult{Index: i}
			r.Code, r.Err = s.pinOne(ctx, h)
			metrics.PinsTotal.WithLabelValues(r.Code.String()).Inc()
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

func (s *Store) pinOne(ctx context.Context, hash types.ContentHash) (types.PinResultCode, error) {
	if err := ctx.Err(); err != nil {
		return types.PinError, err
	}
	unlock := s.locks.lock(hash)
	defer unlock()

	size, err := s.ensureLocal(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return types.PinContentNotFound, nil
	}
	if err != nil {
		return types.PinError, err
	}
	if err := s.meta.touch(hash, size, 1); err != nil {
		return types.PinError, err
	}
	return types.PinSuccess, nil
}

// ensureLocal returns the size of a local blob, hydrating it from the
// tier if needed. The caller holds the hash lock.
func (s *Store) ensureLocal(ctx context.Context, hash types.ContentHash) (int64, error) {
	fi, err := os.Stat(s.blobPath(hash))
	if err == nil {
		return fi.Size(), nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("stat blob %s: %w", hash.Short(), err)
	}
	if s.tier == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}

	ok, err := s.tier.Has(ctx, hash)
	if err != nil {
		return 0, fmt.Errorf("tier lookup %s: %w", hash.Short(), err)
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	staged := filepath.Join(s.tmp, "tier-"+uuid.NewString())
	defer os.Remove(staged)
	if err := s.tier.Download(ctx, hash, staged); err != nil {
		return 0, fmt.Errorf("tier download %s: %w", hash.Short(), err)
	}
	got, size, err := hashFile(staged)
	if err != nil {
		return 0, err
	}
	if got != hash {
		return 0, fmt.Errorf("%w: tier returned %s for %s", ErrHashMismatch, got.Short(), hash.Short())
	}
	if err := s.install(hash, staged); err != nil {
		return 0, err
	}
	metrics.TierHydrationsTotal.Inc()
	log.Printf("cas: hydrated %s (%d bytes) from tier", hash.Short(), size)
	return size, nil
}

// PutFile commits the file at path under declared.
func (s *Store) PutFile(ctx context.Context, declared types.ContentHash, path string, opts PutOptions) (types.ContentInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ContentInfo{}, err
	}

	staged := path
	var (
		hash types.ContentHash
		size int64
		err  error
	)
	if opts.Move {
		if opts.Verify {
			hash, size, err = hashFile(path)
		} else {
			size, err = fileSize(path)
		}
	} else {
		staged, hash, size, err = s.stage(path)
		if staged != "" {
			defer os.Remove(staged)
		}
	}
	if err != nil {
		return types.ContentInfo{}, err
	}
	if opts.Verify && hash != declared {
		return types.ContentInfo{}, fmt.Errorf("%w: declared %s, content %s", ErrHashMismatch, declared.Short(), hash.Short())
	}

	if err := s.commit(ctx, declared, staged, size, opts.Source, opts.Verify); err != nil {
		return types.ContentInfo{}, err
	}
	return types.NewContentInfo(declared, size), nil
}

// PutFileHashing copies path into the store under the hash of its bytes.
func (s *Store) PutFileHashing(ctx context.Context, path string) (types.ContentInfo, error) {
	if err := ctx.Err(); err != nil {
		return types.ContentInfo{}, err
	}
	staged, hash, size, err := s.stage(path)
	if staged != "" {
		defer os.Remove(staged)
	}
	if err != nil {
		return types.ContentInfo{}, err
	}
	if err := s.commit(ctx, hash, staged, size, path, true); err != nil {
		return types.ContentInfo{}, err
	}
	return types.NewContentInfo(hash, size), nil
}

// stage copies src into the temp directory, hashing it on the way.
func (s *Store) stage(src string) (string, types.ContentHash, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", types.ZeroHash, 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.CreateTemp(s.tmp, "put-*")
	if err != nil {
		return "", types.ZeroHash, 0, fmt.Errorf("create staging file: %w", err)
	}
	hash, size, err := types.HashReader(io.TeeReader(in, out))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return out.Name(), types.ZeroHash, 0, fmt.Errorf("stage %s: %w", src, err)
	}
	return out.Name(), hash, size, nil
}

// commit installs staged under hash unless the blob already exists, and
// records the put. staged is consumed either way.
func (s *Store) commit(ctx context.Context, hash types.ContentHash, staged string, size int64, source string, verified bool) error {
	unlock := s.locks.lock(hash)
	defer unlock()

	if _, err := os.Stat(s.blobPath(hash)); err == nil {
		os.Remove(staged)
	} else {
		if err := s.install(hash, staged); err != nil {
			return err
		}
		s.replicate(ctx, hash)
	}
	if err := s.meta.touch(hash, size, 0); err != nil {
		return err
	}
	return s.meta.logPut(hash, source, size, verified)
}

// install moves staged into the blob tree. The caller holds the hash lock.
func (s *Store) install(hash types.ContentHash, staged string) error {
	dst := s.blobPath(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(staged, dst); err != nil {
		// Cross-device: copy into the temp dir first so the final step is
		// still a rename.
		tmp, _, _, serr := s.stage(staged)
		if serr != nil {
			return fmt.Errorf("install %s: %w", hash.Short(), err)
		}
		if err := os.Rename(tmp, dst); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("install %s: %w", hash.Short(), err)
		}
		os.Remove(staged)
	}
	if err := os.Chmod(dst, 0444); err != nil {
		return fmt.Errorf("seal blob %s: %w", hash.Short(), err)
	}
	return nil
}

func (s *Store) replicate(ctx context.Context, hash types.ContentHash) {
	if s.tier == nil {
		return
	}
	if err := s.tier.Upload(ctx, hash, s.blobPath(hash)); err != nil {
		metrics.TierReplicationFailuresTotal.Inc()
		log.Printf("cas: replicate %s to tier: %v", hash.Short(), err)
	}
}

// PlaceFile writes the content for hash to dst with the given mode,
// replacing whatever is there. Placing the same hash twice yields the same
// bytes.
func (s *Store) PlaceFile(ctx context.Context, hash types.ContentHash, dst string, mode fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.lock(hash)
	_, err := s.ensureLocal(ctx, hash)
	unlock()
	if err != nil {
		return err
	}

	in, err := os.Open(s.blobPath(hash))
	if err != nil {
		return fmt.Errorf("open blob %s: %w", hash.Short(), err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dst, err)
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".place-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	tmp := out.Name()
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, mode)
	}
	if err == nil {
		err = os.Rename(tmp, dst)
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("place %s at %s: %w", hash.Short(), dst, err)
	}
	return nil
}

// Open returns a reader for the content and its size.
func (s *Store) Open(ctx context.Context, hash types.ContentHash) (io.ReadCloser, int64, error) {
	unlock := s.locks.lock(hash)
	size, err := s.ensureLocal(ctx, hash)
	unlock()
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		return nil, 0, fmt.Errorf("open blob %s: %w", hash.Short(), err)
	}
	return f, size, nil
}

// Contains reports whether the content is stored locally.
func (s *Store) Contains(hash types.ContentHash) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

// PinCount returns how often hash has been pinned.
func (s *Store) PinCount(hash types.ContentHash) (int64, error) {
	return s.meta.pins(hash)
}

// Stats summarizes the store contents.
func (s *Store) Stats() (Stats, error) {
	return s.meta.stats()
}

func hashFile(path string) (types.ContentHash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.ZeroHash, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	hash, size, err := types.HashReader(f)
	if err != nil {
		return types.ZeroHash, 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hash, size, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.Size(), nil
}
