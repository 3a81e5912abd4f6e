package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/haasonsaas/conductor/internal/history"
)

// Fingerprint keys the response cache and the in-flight dedup group.
// Two requests agreeing on kind, model, message contents, and canonical
// parameters are the same work; role changes alone do not split the
// key because the selection prompts fix roles per kind.
func Fingerprint(kind, model string, messages []Message, params map[string]any) string {
	contents := make([]string, len(messages))
	for i, m := range messages {
		contents[i] = m.Content
	}
	sum := sha256.Sum256([]byte(kind + "\n" + model + "\n" + strings.Join(contents, "|") + "\n" + history.CanonicalParams(params)))
	return hex.EncodeToString(sum[:16])
}
