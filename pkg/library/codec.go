package library

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/3FT-io/matsync/pkg/blocks"
	"github.com/3FT-io/matsync/pkg/importers"
)

// magic identifies a library container file, followed by the format
// version byte.
var magic = []byte("MSLB")

const formatVersion byte = 1

// document is the decoded container
type document struct {
	Definitions map[string]*importers.Definition `cbor:"1,keyasint"`
	Blocks      []*blocks.Block                  `cbor:"2,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: identical libraries produce identical files
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("library: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("library: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("library: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("library: zstd decoder initialization failed: " + err.Error())
	}
}

func encode(doc *document) ([]byte, error) {
	raw, err := encMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	out := make([]byte, 0, len(magic)+1+len(raw)/2)
	out = append(out, magic...)
	out = append(out, formatVersion)
	return zstdEncoder.EncodeAll(raw, out), nil
}

var errBadMagic = errors.New("not a material library container")

func decode(data []byte) (*document, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, errBadMagic
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("unsupported container version %d", v)
	}
	raw, err := zstdDecoder.DecodeAll(data[len(magic)+1:], nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	var doc document
	if err := decMode.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cbor decode: %w", err)
	}
	if doc.Definitions == nil {
		doc.Definitions = make(map[string]*importers.Definition)
	}
	return &doc, nil
}
