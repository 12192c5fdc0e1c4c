package bus

import (
	"time"

	"github.com/hivetrade/swarmbot/internal/domain"
)

// DefaultClaimTTL bounds how long an opportunity claim survives without
// release.
const DefaultClaimTTL = 30 * time.Second

// Claim attempts to take the soft lock on an opportunity. Exactly one agent
// wins; everyone else receives domain.ErrClaimDenied until the winner
// releases or the TTL lapses. A claimant re-claiming its own opportunity
// refreshes the TTL.
func (b *Bus) Claim(opportunityID, agentID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.claims[opportunityID]
	if ok && c.agentID != agentID && now.Before(c.expiresAt) {
		return domain.ErrClaimDenied
	}
	b.claims[opportunityID] = claim{agentID: agentID, expiresAt: now.Add(ttl)}
	return nil
}

// ReleaseClaim drops a claim. Only the owner can release; releasing an
// unclaimed or foreign opportunity is a no-op.
func (b *Bus) ReleaseClaim(opportunityID, agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.claims[opportunityID]; ok && c.agentID == agentID {
		delete(b.claims, opportunityID)
	}
}

// ClaimedBy returns the current claim owner, or "" when unclaimed or
// expired.
func (b *Bus) ClaimedBy(opportunityID string) string {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.claims[opportunityID]
	if !ok || !now.Before(c.expiresAt) {
		return ""
	}
	return c.agentID
}
