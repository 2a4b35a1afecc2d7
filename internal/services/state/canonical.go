package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"vtt-sync/internal/models"
)

/*
LEARNING: CANONICAL SERIALIZATION

The integrity hash only means something if every observer serializes the
same logical state to the same bytes. encoding/json already sorts map keys,
so the remaining traps are:

- struct values stored inside map[string]any marshal in field order
- numbers: int 5, float64 5 and json.Number "5.0" are the same value

Canonicalize round-trips the state through plain JSON values (maps, slices,
float64) once, after which marshaling is stable.
*/

// ErrHashMismatch signals that stored and recomputed hashes disagree
var ErrHashMismatch = errors.New("state hash mismatch")

// Canonicalize normalizes game and returns it with its canonical bytes
func Canonicalize(game models.GameState) (models.GameState, []byte, error) {
	raw, err := json.Marshal(game)
	if err != nil {
		return models.GameState{}, nil, errors.Wrap(err, "marshal game state")
	}
	normalized, err := decodeGame(raw)
	if err != nil {
		return models.GameState{}, nil, err
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return models.GameState{}, nil, errors.Wrap(err, "marshal canonical game state")
	}
	return normalized, canonical, nil
}

// Hash returns the hex SHA-256 digest of the canonical form of game
func Hash(game models.GameState) (string, error) {
	_, canonical, err := Canonicalize(game)
	if err != nil {
		return "", err
	}
	return digest(canonical), nil
}

func digest(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeGame rejects unknown top-level fields so a patch cannot smuggle
// data outside the known game state shape.
func decodeGame(raw []byte) (models.GameState, error) {
	var game models.GameState
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&game); err != nil {
		return models.GameState{}, errors.Wrap(err, "decode game state")
	}
	game.Normalize()
	return game, nil
}

// FormatVersion renders a version counter the way it travels on the wire
func FormatVersion(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// ParseVersion parses a wire version string
func ParseVersion(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid version %q", s)
	}
	return v, nil
}
