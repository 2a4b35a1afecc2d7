package state

import (
	"encoding/json"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/pkg/errors"

	"vtt-sync/internal/models"
)

// ErrTransactionFailed means a patch batch could not be applied as a whole
var ErrTransactionFailed = errors.New("transaction failed")

// ErrInvalidOperation means a patch operation is malformed
var ErrInvalidOperation = errors.New("invalid patch operation")

// NormalizeOperations validates ops and returns copies with absolute
// pointers ("documents/t1" becomes "/documents/t1").
func NormalizeOperations(ops []models.PatchOperation) ([]models.PatchOperation, error) {
	out := make([]models.PatchOperation, len(ops))
	for i, op := range ops {
		switch op.Op {
		case models.OpAdd, models.OpRemove, models.OpReplace, models.OpTest:
		case models.OpMove, models.OpCopy:
			if strings.TrimSpace(op.From) == "" {
				return nil, errors.Wrapf(ErrInvalidOperation, "operation %d: %s requires from", i, op.Op)
			}
			op.From = absolute(op.From)
		default:
			return nil, errors.Wrapf(ErrInvalidOperation, "operation %d: unknown op %q", i, op.Op)
		}
		if strings.TrimSpace(op.Path) == "" || op.Path == "/" {
			return nil, errors.Wrapf(ErrInvalidOperation, "operation %d: path must address a field", i)
		}
		op.Path = absolute(op.Path)
		out[i] = op
	}
	return out, nil
}

func absolute(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/" + path
}

// applyPatch applies ops to doc. The input is never modified; on any
// failure the caller keeps its previous bytes.
func applyPatch(doc []byte, ops []models.PatchOperation) ([]byte, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, errors.Wrap(err, "marshal patch")
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decode patch")
	}
	out, err := patch.Apply(doc)
	if err != nil {
		return nil, err
	}
	return out, nil
}
