package safety

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// TokenTTL is how long a confirmation token stays valid.
const TokenTTL = 5 * time.Minute

type pendingConfirmation struct {
	tool      string
	resource  string
	createdAt time.Time
}

// ConfirmationTracker hands out single-use confirmation tokens for
// destructive tools. A token only confirms the tool call and resource it
// was issued for.
type ConfirmationTracker struct {
	destructive map[string]struct{}
	now         func() time.Time

	mu     sync.Mutex
	tokens map[string]pendingConfirmation
}

// NewConfirmationTracker returns a tracker requiring confirmation for the
// named tools.
func NewConfirmationTracker(destructiveTools []string) *ConfirmationTracker {
	ct := &ConfirmationTracker{
		destructive: make(map[string]struct{}, len(destructiveTools)),
		now:         time.Now,
		tokens:      make(map[string]pendingConfirmation),
	}
	for _, tool := range destructiveTools {
		ct.destructive[tool] = struct{}{}
	}
	return ct
}

// NeedsConfirmation reports whether tool is in the destructive-tools set.
func (ct *ConfirmationTracker) NeedsConfirmation(tool string) bool {
	_, ok := ct.destructive[tool]
	return ok
}

// RequestConfirmation issues a token for running tool on resource. The
// description is shown to the caller by the prompt, not stored.
func (ct *ConfirmationTracker) RequestConfirmation(tool, resource, description string) string {
	token := generateToken()

	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sweepLocked()
	ct.tokens[token] = pendingConfirmation{tool: tool, resource: resource, createdAt: ct.now()}
	return token
}

// Confirm consumes token and reports whether it was issued for tool and
// resource and has not expired. A token presented for the wrong call is
// still consumed.
func (ct *ConfirmationTracker) Confirm(tool, resource, token string) bool {
	if token == "" {
		return false
	}

	ct.mu.Lock()
	defer ct.mu.Unlock()

	pending, ok := ct.tokens[token]
	if !ok {
		return false
	}
	delete(ct.tokens, token)

	if ct.now().Sub(pending.createdAt) > TokenTTL {
		return false
	}
	return pending.tool == tool && pending.resource == resource
}

// Pending returns the number of outstanding tokens.
func (ct *ConfirmationTracker) Pending() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.sweepLocked()
	return len(ct.tokens)
}

func (ct *ConfirmationTracker) sweepLocked() {
	now := ct.now()
	for token, p := range ct.tokens {
		if now.Sub(p.createdAt) > TokenTTL {
			delete(ct.tokens, token)
		}
	}
}

func generateToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b[:])
}
