package blocks

import (
	"context"
	"fmt"
	"strings"

	"github.com/3FT-io/matsync/pkg/importers"
)

// RefPrefix marks a resource path that points into the block table
const RefPrefix = "block:"

// Ref returns the resource path referencing digest
func Ref(digest string) string { return RefPrefix + digest }

// IsRef reports whether path references a block
func IsRef(path string) bool { return strings.HasPrefix(path, RefPrefix) }

// Service moves packed resource bytes between definitions and the block table
type Service struct {
	store *Store
}

// NewService creates a new block service instance
func NewService(store *Store) *Service {
	return &Service{
		store: store,
	}
}

// Pack returns a copy of def whose packed resources are replaced by block
// references, storing the payloads. The digests referenced are returned.
func (s *Service) Pack(ctx context.Context, def *importers.Definition) (*importers.Definition, []string, error) {
	out := def.Clone()
	var digests []string
	for i, res := range out.Resources {
		if !res.IsPacked() {
			continue
		}
		digest, err := s.store.StoreBlock(ctx, res.Packed)
		if err != nil {
			return nil, nil, fmt.Errorf("pack %s: %w", res.Slot, err)
		}
		out.Resources[i].Packed = nil
		out.Resources[i].Path = Ref(digest)
		digests = append(digests, digest)
	}
	return out, digests, nil
}

// Unpack returns a copy of def with block references resolved back into
// packed bytes.
func (s *Service) Unpack(ctx context.Context, def *importers.Definition) (*importers.Definition, error) {
	out := def.Clone()
	for i, res := range out.Resources {
		if !IsRef(res.Path) {
			continue
		}
		b, err := s.store.GetBlock(ctx, strings.TrimPrefix(res.Path, RefPrefix))
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", res.Slot, err)
		}
		out.Resources[i].Path = ""
		out.Resources[i].Packed = append([]byte(nil), b.Data...)
	}
	return out, nil
}

// Referenced returns the block digests referenced by def
func Referenced(def *importers.Definition) []string {
	var out []string
	for _, res := range def.Resources {
		if IsRef(res.Path) {
			out = append(out, strings.TrimPrefix(res.Path, RefPrefix))
		}
	}
	return out
}
