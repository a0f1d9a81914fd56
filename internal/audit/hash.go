package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/and161185/trustcore/internal/model"
)

// Genesis is the predecessor hash of the first entry.
var Genesis = strings.Repeat("0", sha256.Size*2)

// canonical is the hashed form of an entry. Field order is fixed and Details
// is a string map, which encoding/json emits with sorted keys.
type canonical struct {
	Seq          int64             `json:"seq"`
	Timestamp    string            `json:"ts"`
	EventType    string            `json:"event"`
	ActorID      string            `json:"actor"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id"`
	Success      bool              `json:"success"`
	Details      map[string]string `json:"details"`
}

// NormalizeTime truncates to the precision every backend can store.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ContentHash is the hex SHA-256 of the entry's canonical content.
func ContentHash(e model.AuditEntry) string {
	c := canonical{
		Seq:          e.Seq,
		Timestamp:    NormalizeTime(e.Timestamp).Format(time.RFC3339Nano),
		EventType:    string(e.EventType),
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Success:      e.Success,
		Details:      e.Details,
	}
	if e.ActorID != nil {
		c.ActorID = e.ActorID.String()
	}
	if c.Details == nil {
		c.Details = map[string]string{}
	}
	// a struct of strings, bools and a string map cannot fail to marshal
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChainHash links a content hash to its predecessor's chain hash.
func ChainHash(contentHash, prevHash string) string {
	sum := sha256.Sum256([]byte(contentHash + prevHash))
	return hex.EncodeToString(sum[:])
}
