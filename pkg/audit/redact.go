package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/Mohiiit/cloak-sub007/pkg/models"
)

// redactRecord replaces identifying material with salted hashes. The decision
// id, action, path, outcome, and reason stay readable; wallet and agent
// identifiers and the raw request body do not.
func redactRecord(rec Record, salt []byte) Record {
	if rec.WalletAddress != "" {
		rec.WalletAddress = hashString(rec.WalletAddress, salt)
	}
	if rec.AgentID != "" {
		rec.AgentID = hashString(rec.AgentID, salt)
	}
	rec.RequestRaw = redactRequest(rec.RequestRaw, salt)
	return rec
}

func redactRequest(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	canon, err := models.CanonicalizeJSONAllowFloat(raw)
	if err != nil {
		b, _ := json.Marshal(map[string]string{
			"request_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	b, _ := json.Marshal(map[string]string{
		"request_hash": hashBytes(canon, salt),
	})
	return b
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
