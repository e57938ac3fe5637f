package hasher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/3FT-io/matsync/pkg/importers"
)

// FormatVersion prefixes every digest. Bump it whenever the canonical
// encoding below changes so new digests never collide with stored ones.
const FormatVersion = "v1"

// ErrResourceUnavailable means a referenced resource could not be read.
// Callers skip the material instead of treating it as changed.
var ErrResourceUnavailable = errors.New("resource unavailable")

// Digest is the content hash of a material definition.
type Digest string

func (d Digest) String() string { return string(d) }

// Valid reports whether d has the shape produced by this package.
func (d Digest) Valid() bool {
	s := string(d)
	prefix := FormatVersion + "-"
	if !strings.HasPrefix(s, prefix) || len(s) != len(prefix)+64 {
		return false
	}
	_, err := hex.DecodeString(s[len(prefix):])
	return err == nil
}

type domainKey [32]byte

var (
	definitionDomainKey = domainKey{
		'm', 'a', 't', 's', 'y', 'n', 'c', '.', 'd', 'e', 'f', 'i', 'n', 'i', 't', 'i',
		'o', 'n', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	resourceDomainKey = domainKey{
		'm', 'a', 't', 's', 'y', 'n', 'c', '.', 'r', 'e', 's', 'o', 'u', 'r', 'c', 'e',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func newKeyed(key domainKey) *blake3.Hasher {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("hasher: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return h
}

// ResourceDigest returns the resource-domain digest of raw bytes. Packed
// resources and the library's block table are addressed by this value.
func ResourceDigest(data []byte) string {
	h := newKeyed(resourceDomainKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

type resourceKey struct {
	key   string
	size  int64
	mtime int64
}

// Hasher computes content digests for material definitions. Digests of
// path-referenced resources are memoised by (location, size, mtime), so
// an untouched texture is read once per process.
type Hasher struct {
	reader ResourceReader
	cache  *lru.Cache[resourceKey, string]
	logger *zap.Logger
}

// New creates a hasher reading resources through reader. cacheSize <= 0
// disables resource digest memoisation.
func New(reader ResourceReader, cacheSize int, logger *zap.Logger) (*Hasher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reader == nil {
		reader = FileReader{}
	}
	h := &Hasher{reader: reader, logger: logger.Named("hasher")}
	if cacheSize > 0 {
		cache, err := lru.New[resourceKey, string](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create digest cache: %w", err)
		}
		h.cache = cache
	}
	return h, nil
}

// WithReader returns a hasher that shares the digest cache but reads
// resources through reader. Used to hash materials of a specific project.
func (h *Hasher) WithReader(reader ResourceReader) *Hasher {
	out := *h
	out.reader = reader
	return &out
}

// Hash computes the digest of def. Name is ignored; parameters are taken
// in sorted order; resources are sorted by slot then path.
func (h *Hasher) Hash(ctx context.Context, def *importers.Definition) (Digest, error) {
	if def == nil {
		return "", errors.New("nil definition")
	}

	var b strings.Builder
	b.WriteString("VERSION:" + FormatVersion + "\n")
	b.WriteString("SHADER:" + strconv.Quote(def.Shader) + "\n")
	for _, name := range def.ParamNames() {
		b.WriteString("PARAM:" + strconv.Quote(name) + "=" + def.Params[name].Canonical() + "\n")
	}
	for _, res := range def.SortedResources() {
		b.WriteString("RES:" + strconv.Quote(res.Slot) + "=")
		if res.IsPacked() {
			b.WriteString("packed:" + ResourceDigest(res.Packed))
		} else {
			digest, err := h.fileDigest(ctx, res.Path)
			if err != nil {
				return "", err
			}
			b.WriteString("path:" + strconv.Quote(CanonicalPath(res.Path)) + "@" + digest)
		}
		b.WriteString("\n")
	}

	sum := newKeyed(definitionDomainKey)
	sum.Write([]byte(b.String()))
	return Digest(FormatVersion + "-" + hex.EncodeToString(sum.Sum(nil))), nil
}

// CanonicalPath normalises a resource path for hashing: forward slashes,
// no redundant elements.
func CanonicalPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return ""
	}
	return path.Clean(p)
}

func (h *Hasher) fileDigest(ctx context.Context, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty resource path", ErrResourceUnavailable)
	}
	info, err := h.reader.Stat(ctx, p)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %s: %v", ErrResourceUnavailable, p, err)
	}

	key := resourceKey{key: info.Key, size: info.Size, mtime: info.ModTime.UnixNano()}
	if h.cache != nil {
		if digest, ok := h.cache.Get(key); ok {
			return digest, nil
		}
	}

	rc, err := h.reader.Open(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrResourceUnavailable, p, err)
	}
	defer rc.Close()

	sum := newKeyed(resourceDomainKey)
	if _, err := io.Copy(sum, rc); err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrResourceUnavailable, p, err)
	}
	digest := hex.EncodeToString(sum.Sum(nil))

	if h.cache != nil {
		h.cache.Add(key, digest)
	}
	h.logger.Debug("hashed resource", zap.String("path", info.Key), zap.Int64("size", info.Size))
	return digest, nil
}

// Evict drops memoised digests for a resolved resource location. The
// file watcher calls this when a texture changes on disk.
func (h *Hasher) Evict(key string) int {
	if h.cache == nil {
		return 0
	}
	removed := 0
	for _, k := range h.cache.Keys() {
		if k.key == key {
			if h.cache.Remove(k) {
				removed++
			}
		}
	}
	return removed
}

// Cached returns the number of memoised resource digests.
func (h *Hasher) Cached() int {
	if h.cache == nil {
		return 0
	}
	return h.cache.Len()
}
