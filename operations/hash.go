package operations

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// IsSerializable reports whether v can be stored in a report.
func IsSerializable(lggr logger.Logger, v any) bool {
	if _, err := json.Marshal(v); err != nil {
		lggr.Errorw("Value is not serializable", "type", fmt.Sprintf("%T", v), "error", err)
		return false
	}

	return true
}

// constructUniqueHashFrom hashes a definition together with an input. Equal hashes identify
// the same execution.
func constructUniqueHashFrom(def Definition, input any) (string, error) {
	data, err := json.Marshal(struct {
		Def   Definition `json:"def"`
		Input any        `json:"input"`
	}{def, input})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

func (b Bundle) reportHash(r Report[any, any]) (string, error) {
	if b.reportHashCache != nil {
		if h, ok := b.reportHashCache.Load(r.ID); ok {
			return h.(string), nil
		}
	}
	h, err := constructUniqueHashFrom(r.Def, r.Input)
	if err != nil {
		return "", err
	}
	if b.reportHashCache != nil {
		b.reportHashCache.Store(r.ID, h)
	}

	return h, nil
}
