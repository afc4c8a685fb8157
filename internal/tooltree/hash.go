package tooltree

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encodingVersion is part of the hashed bytes; bump it when the tree layout changes.
const encodingVersion = 1

// Digest is the BLAKE3 content hash of a tree.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// Short is the prefix used in image tags.
func (d Digest) Short() string { return d.String()[:20] }

var treeDomainKey = [32]byte{
	's', 'a', 'n', 'd', 'b', 'o', 'x', 'd', '.', 't', 'o', 'o', 'l', 't', 'r', 'e',
	'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tooltree: CBOR encoder initialization failed: " + err.Error())
	}
}

type encodedTree struct {
	Version int  `cbor:"v"`
	Root    *Dir `cbor:"root"`
}

// Encode serializes the tree deterministically: the same structure and
// sources always give the same bytes.
func Encode(t *Tree) ([]byte, error) {
	root := &Dir{}
	if t != nil && t.Root != nil {
		root = t.Root
	}
	b, err := encMode.Marshal(encodedTree{Version: encodingVersion, Root: root})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool tree: %w", err)
	}
	return b, nil
}

// Hash returns the keyed BLAKE3 digest of the encoded tree.
func Hash(t *Tree) (Digest, error) {
	b, err := Encode(t)
	if err != nil {
		return Digest{}, err
	}
	hasher, err := blake3.NewKeyed(treeDomainKey[:])
	if err != nil {
		return Digest{}, fmt.Errorf("failed to init hasher: %w", err)
	}
	_, _ = hasher.Write(b)
	var d Digest
	copy(d[:], hasher.Sum(nil))
	return d, nil
}
