package modelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint returns a stable 16 hex character digest of kind and config.
// Map keys are encoded in sorted order so equal configs hash equally.
func Fingerprint(kind string, config map[string]any) string {
	encoded, err := json.Marshal(config)
	if err != nil {
		encoded = []byte(err.Error())
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
