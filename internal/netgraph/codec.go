package netgraph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"spikecore/internal/model"
)

var ErrVersionMismatch = errors.New("network version mismatch")

func Encode(n *Network) ([]byte, error) {
	out := *n
	out.VersionedRecord = model.CurrentVersion()
	return json.MarshalIndent(out, "", "  ")
}

// Decode parses a network document, fills defaults and validates it.
// Documents without a version are taken as current.
func Decode(data []byte) (*Network, error) {
	var n Network
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.SchemaVersion == 0 && n.CodecVersion == 0 {
		n.VersionedRecord = model.CurrentVersion()
	}
	if n.VersionedRecord != model.CurrentVersion() {
		return nil, fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, n.SchemaVersion, n.CodecVersion)
	}
	n.Normalize()
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func Load(path string) (*Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	n, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load network %s: %w", path, err)
	}
	return n, nil
}
