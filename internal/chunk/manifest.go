package chunk

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

const manifestKind = "torrentchain/manifest"

var ErrNotManifest = errors.New("chunk is not a manifest")

// Manifest lists the chunks of a file in order. It is itself stored as a
// chunk, so its hash addresses the whole file.
type Manifest struct {
	Kind   string   `json:"kind"`
	Name   string   `json:"name"`
	Size   int      `json:"size"`
	Chunks []string `json:"chunks"`
}

// NewManifest splits data into chunks of at most chunkSize bytes and returns
// the manifest together with the chunk payloads.
func NewManifest(name string, data []byte, chunkSize int) (*Manifest, [][]byte) {
	parts := Split(data, chunkSize)
	m := &Manifest{Kind: manifestKind, Name: name, Size: len(data), Chunks: make([]string, 0, len(parts))}
	for _, p := range parts {
		m.Chunks = append(m.Chunks, Hash(p))
	}
	return m, parts
}

func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// ParseManifest decodes data as a manifest, returning ErrNotManifest for any
// other chunk.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || m.Kind != manifestKind {
		return nil, ErrNotManifest
	}
	return &m, nil
}

// Assemble concatenates parts, checking each against the manifest.
func (m *Manifest) Assemble(parts [][]byte) ([]byte, error) {
	if len(parts) != len(m.Chunks) {
		return nil, errors.Errorf("expected %d chunks, got %d", len(m.Chunks), len(parts))
	}
	for i, p := range parts {
		if !ValidateData(m.Chunks[i], p) {
			return nil, errors.WithMessage(ErrHashMismatch, Short(m.Chunks[i]))
		}
	}
	data := bytes.Join(parts, nil)
	if len(data) != m.Size {
		return nil, errors.Errorf("assembled %d bytes, manifest says %d", len(data), m.Size)
	}
	return data, nil
}
