// Package retry tracks the self-correction state machine: one attempt
// counter per failing operation lineage, bounded by a fixed ceiling. The
// system never re-invokes a failed operation itself; it emits a correction
// request and waits for the calling agent to resubmit via the retry action.
package retry

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/godotai/bridge/protocol"
	"github.com/godotai/bridge/taxonomy"
)

// DefaultMaxAttempts is the retry ceiling per lineage.
const DefaultMaxAttempts = 5

// Decision is the controller's verdict after a failure: either "ask the
// agent to try again" (with the accumulated error) or a terminal abort.
type Decision struct {
	Aborted  bool
	Attempts int
	Max      int
}

// lineage tracks one logical operation across resubmissions.
type lineage struct {
	mu        sync.Mutex
	attempts  int
	lastError *taxonomy.Record
	original  *protocol.Command
}

// Controller owns the per-lineage counters. Lineages are keyed by the
// command's identity (action plus fields), not its request_id, since a
// retry carries a new request_id wrapping the same original command.
type Controller struct {
	mu          sync.Mutex
	lineages    map[string]*lineage
	maxAttempts int
}

// NewController creates a controller with the given ceiling; zero or
// negative means DefaultMaxAttempts.
func NewController(maxAttempts int) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Controller{
		lineages:    make(map[string]*lineage),
		maxAttempts: maxAttempts,
	}
}

// Key derives the lineage identity of a command: a digest over the
// canonical JSON of its action and fields. Request id, timestamp, and
// auto_run are deliberately excluded.
func Key(cmd *protocol.Command) string {
	fields := make(map[string]interface{}, len(cmd.Fields)+1)
	for k, v := range cmd.Fields {
		fields[k] = v.Interface()
	}
	fields["action"] = string(cmd.Action)
	// json.Marshal sorts map keys, so the digest is canonical.
	payload, err := json.Marshal(fields)
	if err != nil {
		payload = []byte(cmd.Action)
	}
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// get returns the lineage for a key, creating it if needed. Only map
// access is globally locked; per-lineage updates take the lineage's own
// lock so concurrent retries for different lineages do not serialize.
func (c *Controller) get(key string) *lineage {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lineages[key]
	if !ok {
		l = &lineage{}
		c.lineages[key] = l
	}
	return l
}

// OnFailure records a failure for the command's lineage. While the counter
// is under the ceiling it returns a non-aborted decision with the new
// attempt count; at the ceiling it returns an aborted decision and resets
// the counter to zero, closing the lineage. A subsequent identical command
// starts a fresh count.
func (c *Controller) OnFailure(cmd *protocol.Command, rec *taxonomy.Record) Decision {
	l := c.get(Key(cmd))
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts++
	l.lastError = rec
	if l.original == nil {
		l.original = cmd.Clone()
	}
	if l.attempts >= c.maxAttempts {
		l.attempts = 0
		l.lastError = nil
		l.original = nil
		return Decision{Aborted: true, Attempts: c.maxAttempts, Max: c.maxAttempts}
	}
	return Decision{Aborted: false, Attempts: l.attempts, Max: c.maxAttempts}
}

// OnSuccess closes the command's lineage and returns the superseded error
// record, if any, so the caller can mark it resolved.
func (c *Controller) OnSuccess(cmd *protocol.Command) *taxonomy.Record {
	key := Key(cmd)

	c.mu.Lock()
	l, ok := c.lineages[key]
	if ok {
		delete(c.lineages, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastError
}

// Attempts reports the current counter for the command's lineage.
func (c *Controller) Attempts(cmd *protocol.Command) int {
	c.mu.Lock()
	l, ok := c.lineages[Key(cmd)]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// InFlight reports how many lineages currently hold a non-zero counter.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lineages {
		l.mu.Lock()
		if l.attempts > 0 {
			n++
		}
		l.mu.Unlock()
	}
	return n
}
