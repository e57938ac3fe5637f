package blocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/h2non/filetype"

	"github.com/3FT-io/matsync/pkg/hasher"
)

// ErrBlockNotFound is returned for unknown digests
var ErrBlockNotFound = errors.New("block not found")

// Block is one packed resource payload, addressed by its resource digest
type Block struct {
	Digest string `cbor:"1,keyasint" json:"digest"`
	Size   int64  `cbor:"2,keyasint" json:"size"`
	MIME   string `cbor:"3,keyasint,omitempty" json:"mime,omitempty"`
	Data   []byte `cbor:"4,keyasint" json:"-"`
}

// Store is the content-addressed block table of the library container.
// Identical payloads packed by different materials are kept once.
type Store struct {
	blocks map[string]*Block
	mu     sync.RWMutex
}

// NewStore creates an empty block table
func NewStore() *Store {
	return &Store{
		blocks: make(map[string]*Block),
	}
}

// Load builds a table from decoded blocks, rejecting any whose payload
// does not match its digest.
func Load(blocks []*Block) (*Store, error) {
	s := NewStore()
	for _, b := range blocks {
		if b == nil {
			continue
		}
		if got := hasher.ResourceDigest(b.Data); got != b.Digest {
			return nil, fmt.Errorf("block %s: payload digest %s does not match", b.Digest, got)
		}
		s.blocks[b.Digest] = b
	}
	return s, nil
}

// StoreBlock stores data and returns its digest. Existing blocks are not
// rewritten.
func (s *Store) StoreBlock(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest := hasher.ResourceDigest(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[digest]; ok {
		return digest, nil
	}

	s.blocks[digest] = &Block{
		Digest: digest,
		Size:   int64(len(data)),
		MIME:   sniff(data),
		Data:   append([]byte(nil), data...),
	}
	return digest, nil
}

// GetBlock retrieves a block by its digest
func (s *Store) GetBlock(ctx context.Context, digest string) (*Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[digest]
	if !ok {
		return nil, fmt.Errorf("%s: %w", digest, ErrBlockNotFound)
	}
	return b, nil
}

// DeleteBlock removes a block from the table
func (s *Store) DeleteBlock(ctx context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[digest]; !ok {
		return fmt.Errorf("%s: %w", digest, ErrBlockNotFound)
	}
	delete(s.blocks, digest)
	return nil
}

// Retain drops every block whose digest is not in live and returns how
// many were dropped.
func (s *Store) Retain(live map[string]bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for digest := range s.blocks {
		if !live[digest] {
			delete(s.blocks, digest)
			dropped++
		}
	}
	return dropped
}

// Blocks returns every block ordered by digest
func (s *Store) Blocks() []*Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Digest < out[j].Digest })
	return out
}

// Len returns the number of blocks
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

func sniff(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}
