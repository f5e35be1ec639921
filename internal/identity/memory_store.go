package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	signals    map[SignalKind]map[string]*SignalRecord
	links      map[[2]string]*AltLink
	bans       map[string]*BanRecord
	attempts   map[string][]*VerificationAttempt // identity|guild -> oldest first
	messages   map[string][]Message              // identity -> oldest first
	behavior   map[string]*BehaviorProfile
	style      map[string]*StyleProfile
	threats    map[ThreatKind]map[string]*ThreatActor
}

// NewMemoryStore creates an in-memory identity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
		signals: map[SignalKind]map[string]*SignalRecord{
			SignalFingerprint:   make(map[string]*SignalRecord),
			SignalNetworkOrigin: make(map[string]*SignalRecord),
		},
		links:    make(map[[2]string]*AltLink),
		bans:     make(map[string]*BanRecord),
		attempts: make(map[string][]*VerificationAttempt),
		messages: make(map[string][]Message),
		behavior: make(map[string]*BehaviorProfile),
		style:    make(map[string]*StyleProfile),
		threats: map[ThreatKind]map[string]*ThreatActor{
			ThreatIdentity: make(map[string]*ThreatActor),
			ThreatDevice:   make(map[string]*ThreatActor),
			ThreatNetwork:  make(map[string]*ThreatActor),
		},
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- identities ---

func (m *MemoryStore) UpsertIdentity(ctx context.Context, ident *Identity) (*Identity, error) {
	if ident == nil || ident.ID == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cur, ok := m.identities[ident.ID]
	if !ok {
		cp := *ident
		if cp.Trust == 0 {
			cp.Trust = DefaultTrust
		}
		if cp.FirstSeenAt.IsZero() {
			cp.FirstSeenAt = now
		}
		cp.UpdatedAt = now
		m.identities[ident.ID] = &cp
		out := cp
		return &out, nil
	}
	if ident.DisplayName != "" {
		cur.DisplayName = ident.DisplayName
	}
	if cur.CreatedAt.IsZero() && !ident.CreatedAt.IsZero() {
		cur.CreatedAt = ident.CreatedAt
	}
	cur.UpdatedAt = now
	out := *cur
	return &out, nil
}

func (m *MemoryStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cur
	return &out, nil
}

func (m *MemoryStore) AdjustTrust(ctx context.Context, id string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.identities[id]
	if !ok {
		return 0, ErrNotFound
	}
	cur.Trust = clampTrust(cur.Trust + delta)
	cur.UpdatedAt = time.Now()
	return cur.Trust, nil
}

func (m *MemoryStore) MarkBanned(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.identities[id]
	if !ok {
		now := time.Now()
		m.identities[id] = &Identity{ID: id, Trust: 0, Banned: true, FirstSeenAt: now, UpdatedAt: now}
		return nil
	}
	cur.Banned = true
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Identity
	for _, ident := range m.identities {
		if ident.CreatedAt.IsZero() {
			continue
		}
		if !ident.CreatedAt.Before(from) && !ident.CreatedAt.After(to) {
			cp := *ident
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- signals ---

func (m *MemoryStore) ObserveSignal(ctx context.Context, kind SignalKind, hash, identityID string, factors Factors, at time.Time) (*SignalRecord, error) {
	table, ok := m.signals[kind]
	if !ok || hash == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := table[hash]
	if !ok {
		rec = &SignalRecord{Kind: kind, Hash: hash, FirstSeenAt: at}
		table[hash] = rec
	}
	found := false
	for _, id := range rec.IdentityIDs {
		if id == identityID {
			found = true
			break
		}
	}
	if !found && identityID != "" {
		rec.IdentityIDs = append(rec.IdentityIDs, identityID)
		sort.Strings(rec.IdentityIDs)
	}
	rec.Factors = rec.Factors.Merge(factors)
	if at.After(rec.LastSeenAt) {
		rec.LastSeenAt = at
	}
	return copySignal(rec), nil
}

func (m *MemoryStore) GetSignal(ctx context.Context, kind SignalKind, hash string) (*SignalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.signals[kind][hash]
	if !ok {
		return nil, ErrNotFound
	}
	return copySignal(rec), nil
}

func copySignal(rec *SignalRecord) *SignalRecord {
	cp := *rec
	cp.IdentityIDs = append([]string(nil), rec.IdentityIDs...)
	return &cp
}

// --- alt links ---

func (m *MemoryStore) UpsertAltLink(ctx context.Context, link *AltLink) (*AltLink, error) {
	if link == nil || link.IdentityA == "" || link.IdentityB == "" || link.IdentityA == link.IdentityB {
		return nil, ErrInvalidInput
	}
	a, b := CanonicalPair(link.IdentityA, link.IdentityB)
	in := *link
	in.IdentityA, in.IdentityB = a, b
	now := time.Now()
	if in.UpdatedAt.IsZero() {
		in.UpdatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{a, b}
	existing := m.links[key]
	merged := MergeAltLink(existing, &in)
	if existing == nil {
		merged.CreatedAt = now
	}
	m.links[key] = merged
	out := *merged
	out.Evidence = copyEvidence(merged.Evidence)
	return &out, nil
}

func (m *MemoryStore) ConfirmAltLink(ctx context.Context, a, b, reviewer string) (*AltLink, error) {
	a, b = CanonicalPair(a, b)
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[[2]string{a, b}]
	if !ok {
		return nil, ErrNotFound
	}
	if !link.Confirmed {
		link.Confirmed = true
		link.ConfirmedBy = reviewer
		link.UpdatedAt = time.Now()
	}
	out := *link
	out.Evidence = copyEvidence(link.Evidence)
	return &out, nil
}

func (m *MemoryStore) ListAltLinks(ctx context.Context, identityID string) ([]*AltLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AltLink
	for key, link := range m.links {
		if key[0] == identityID || key[1] == identityID {
			cp := *link
			cp.Evidence = copyEvidence(link.Evidence)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Other(identityID) < out[j].Other(identityID)
	})
	return out, nil
}

// --- bans ---

func (m *MemoryStore) RecordBan(ctx context.Context, report BanReport) (*BanRecord, error) {
	if report.IdentityID == "" {
		return nil, ErrInvalidInput
	}
	if report.At.IsZero() {
		report.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.bans[report.IdentityID]
	if !ok {
		rec = &BanRecord{}
		m.bans[report.IdentityID] = rec
	}
	rec.Apply(report)
	if ident, ok := m.identities[report.IdentityID]; ok {
		ident.Banned = true
	}
	return copyBan(rec), nil
}

func (m *MemoryStore) GetBan(ctx context.Context, identityID string) (*BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bans[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBan(rec), nil
}

func (m *MemoryStore) BannedAmong(ctx context.Context, ids []string) (map[string]*BanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*BanRecord)
	for _, id := range ids {
		if rec, ok := m.bans[id]; ok {
			out[id] = copyBan(rec)
		}
	}
	return out, nil
}

func copyBan(rec *BanRecord) *BanRecord {
	cp := *rec
	cp.Origins = append([]BanOrigin(nil), rec.Origins...)
	return &cp
}

// --- attempts ---

func attemptKey(identityID, guildID string) string {
	return identityID + "|" + guildID
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, attempt *VerificationAttempt, since time.Time) (*VerificationAttempt, error) {
	if attempt == nil || attempt.ID == "" || attempt.IdentityID == "" || attempt.GuildID == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := attemptKey(attempt.IdentityID, attempt.GuildID)
	if attempt.IsFinal() {
		if existing := latestFinal(m.attempts[key], since); existing != nil {
			cp := *existing
			return &cp, nil
		}
	}
	cp := *attempt
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.attempts[key] = append(m.attempts[key], &cp)
	return nil, nil
}

func (m *MemoryStore) LatestFinalAttempt(ctx context.Context, identityID, guildID string, since time.Time) (*VerificationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	existing := latestFinal(m.attempts[attemptKey(identityID, guildID)], since)
	if existing == nil {
		return nil, ErrNotFound
	}
	cp := *existing
	return &cp, nil
}

func latestFinal(list []*VerificationAttempt, since time.Time) *VerificationAttempt {
	for i := len(list) - 1; i >= 0; i-- {
		a := list[i]
		if a.CreatedAt.Before(since) {
			return nil
		}
		if a.IsFinal() {
			return a
		}
	}
	return nil
}

func (m *MemoryStore) ListAttempts(ctx context.Context, identityID, guildID string, limit int) ([]*VerificationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.attempts[attemptKey(identityID, guildID)]
	var out []*VerificationAttempt
	for i := len(list) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListVerifiedInGuild(ctx context.Context, guildID string, since time.Time, limit int) ([]VerifiedMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[string]VerifiedMember)
	for key, list := range m.attempts {
		if !strings.HasSuffix(key, "|"+guildID) {
			continue
		}
		for _, a := range list {
			if a.GuildID != guildID || a.Decision != "approved" || a.CreatedAt.Before(since) {
				continue
			}
			name := a.DisplayName
			if ident, ok := m.identities[a.IdentityID]; ok && ident.DisplayName != "" {
				name = ident.DisplayName
			}
			if cur, ok := latest[a.IdentityID]; !ok || a.CreatedAt.After(cur.VerifiedAt) {
				latest[a.IdentityID] = VerifiedMember{IdentityID: a.IdentityID, DisplayName: name, VerifiedAt: a.CreatedAt}
			}
		}
	}
	out := make([]VerifiedMember, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VerifiedAt.After(out[j].VerifiedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- messages and profiles ---

func (m *MemoryStore) AppendMessages(ctx context.Context, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		if msg.IdentityID == "" {
			continue
		}
		m.messages[msg.IdentityID] = append(m.messages[msg.IdentityID], msg)
	}
	return nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, identityID string, since time.Time, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.messages[identityID] {
		if !msg.SentAt.Before(since) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) IdentitiesWithMessagesSince(ctx context.Context, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, msgs := range m.messages {
		for _, msg := range msgs {
			if !msg.SentAt.Before(since) {
				out = append(out, id)
				break
			}
		}
	}
	return sortStrings(out), nil
}

func (m *MemoryStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, msgs := range m.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.SentAt.Before(before) {
				n++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.messages, id)
		} else {
			m.messages[id] = kept
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveBehaviorProfile(ctx context.Context, p *BehaviorProfile) error {
	if p == nil || p.IdentityID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.behavior[p.IdentityID] = &cp
	return nil
}

func (m *MemoryStore) GetBehaviorProfile(ctx context.Context, identityID string) (*BehaviorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.behavior[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SaveStyleProfile(ctx context.Context, p *StyleProfile) error {
	if p == nil || p.IdentityID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.style[p.IdentityID] = &cp
	return nil
}

func (m *MemoryStore) GetStyleProfile(ctx context.Context, identityID string) (*StyleProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.style[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) FindByVocabularyHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error) {
	if hash == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, p := range m.behavior {
		if id != excludeID && p.VocabularyHash == hash {
			out = append(out, id)
		}
	}
	return truncate(sortStrings(out), limit), nil
}

func (m *MemoryStore) FindByStyleHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error) {
	if hash == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, p := range m.style {
		if id != excludeID && p.StyleHash == hash {
			out = append(out, id)
		}
	}
	return truncate(sortStrings(out), limit), nil
}

func truncate(in []string, limit int) []string {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}

// --- threat actors ---

func (m *MemoryStore) AddThreatActor(ctx context.Context, t *ThreatActor) error {
	if t == nil || t.Value == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.threats[t.Kind]
	if !ok {
		return ErrInvalidInput
	}
	cp := *t
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	table[t.Value] = &cp
	return nil
}

func (m *MemoryStore) LookupThreat(ctx context.Context, identityID, deviceHash, networkHash string) (ThreatMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var match ThreatMatch
	if identityID != "" {
		_, match.Identity = m.threats[ThreatIdentity][identityID]
	}
	if deviceHash != "" {
		_, match.Device = m.threats[ThreatDevice][deviceHash]
	}
	if networkHash != "" {
		_, match.Network = m.threats[ThreatNetwork][networkHash]
	}
	return match, nil
}

func clampTrust(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
