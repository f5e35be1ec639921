package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/decision"
)

func TestMergeAltLink_CommutativeMaxConfidence(t *testing.T) {
	low := NewAltLink("b", "a", MethodNetworkOrigin, 0.6, map[string]string{"network_origin": "h1"})
	high := NewAltLink("a", "b", MethodFingerprint, 0.9, map[string]string{"fingerprint": "h2"})

	ab := MergeAltLink(MergeAltLink(nil, low), high)
	ba := MergeAltLink(MergeAltLink(nil, high), low)

	assert.Equal(t, 0.9, ab.Confidence)
	assert.Equal(t, 0.9, ba.Confidence)
	assert.Equal(t, MethodFingerprint, ab.Method)
	assert.Equal(t, MethodFingerprint, ba.Method)
	assert.Equal(t, ab.Evidence, ba.Evidence)
	assert.Equal(t, "a", ab.IdentityA)
	assert.Equal(t, "b", ab.IdentityB)
}

func TestMergeAltLink_Idempotent(t *testing.T) {
	l := NewAltLink("a", "b", MethodStyle, 0.9, map[string]string{"style": "s"})
	once := MergeAltLink(nil, l)
	twice := MergeAltLink(once, l)
	assert.Equal(t, once.Confidence, twice.Confidence)
	assert.Equal(t, once.Evidence, twice.Evidence)
}

func TestMergeAltLink_ConfirmationIsSticky(t *testing.T) {
	confirmed := NewAltLink("a", "b", MethodName, 0.8, nil)
	confirmed.Confirmed = true
	confirmed.ConfirmedBy = "mod1"

	merged := MergeAltLink(confirmed, NewAltLink("a", "b", MethodName, 0.5, nil))
	assert.True(t, merged.Confirmed)
	assert.Equal(t, "mod1", merged.ConfirmedBy)
}

func TestBanRecord_SeverityNeverDecreases(t *testing.T) {
	var rec BanRecord
	now := time.Now()
	rec.Apply(BanReport{IdentityID: "u1", GuildID: "g1", Reason: "spam", Severity: BanHigh, At: now})
	rec.Apply(BanReport{IdentityID: "u1", GuildID: "g2", Reason: "minor", Severity: BanLow, At: now.Add(time.Minute)})

	assert.Equal(t, BanHigh, rec.Severity)
	assert.Equal(t, 2, rec.BanCount)
	require.Len(t, rec.Origins, 2)
	assert.Equal(t, "g2", rec.Origins[1].GuildID)
}

func TestMemoryStore_UpsertAltLinkEitherOrder(t *testing.T) {
	ctx := context.Background()
	for _, order := range [][]float64{{0.6, 0.9}, {0.9, 0.6}} {
		s := NewMemoryStore()
		for _, c := range order {
			_, err := s.UpsertAltLink(ctx, NewAltLink("x", "y", MethodNetworkOrigin, c, nil))
			require.NoError(t, err)
		}
		links, err := s.ListAltLinks(ctx, "y")
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, 0.9, links[0].Confidence)
	}
}

func TestMemoryStore_UpsertAltLinkRejectsSelfLink(t *testing.T) {
	_, err := NewMemoryStore().UpsertAltLink(context.Background(), NewAltLink("x", "x", MethodName, 1, nil))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore_ConcurrentUpsertKeepsMax(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.UpsertAltLink(ctx, NewAltLink("a", "b", MethodName, float64(i)/50,
				map[string]string{fmt.Sprintf("k%d", i): "v"}))
		}(i)
	}
	wg.Wait()

	links, err := s.ListAltLinks(ctx, "a")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, 1.0, links[0].Confidence)
	assert.Len(t, links[0].Evidence, 50)
}

func TestMemoryStore_ObserveSignalAccumulates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, err := s.ObserveSignal(ctx, SignalNetworkOrigin, "h", "u1", Factors{VPN: true}, now)
	require.NoError(t, err)
	rec, err := s.ObserveSignal(ctx, SignalNetworkOrigin, "h", "u2", Factors{Tor: true}, now.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2"}, rec.IdentityIDs)
	assert.True(t, rec.Factors.VPN)
	assert.True(t, rec.Factors.Tor)
	assert.Equal(t, []string{"u1"}, rec.Others("u2"))

	_, err = s.ObserveSignal(ctx, SignalKind("bogus"), "h", "u1", Factors{}, now)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore_RecordAttemptReplay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	since := now.Add(-24 * time.Hour)

	prov := &VerificationAttempt{ID: "va_1", IdentityID: "u", GuildID: "g", Status: AttemptProvisional,
		Decision: decision.Challenge, CreatedAt: now.Add(-time.Minute)}
	existing, err := s.RecordAttempt(ctx, prov, since)
	require.NoError(t, err)
	assert.Nil(t, existing)

	final := &VerificationAttempt{ID: "va_2", IdentityID: "u", GuildID: "g", Status: AttemptFinal,
		Decision: decision.Approved, CreatedAt: now}
	existing, err = s.RecordAttempt(ctx, final, since)
	require.NoError(t, err)
	assert.Nil(t, existing)

	again := &VerificationAttempt{ID: "va_3", IdentityID: "u", GuildID: "g", Status: AttemptFinal,
		Decision: decision.Denied, CreatedAt: now.Add(time.Second)}
	existing, err = s.RecordAttempt(ctx, again, since)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "va_2", existing.ID)

	list, err := s.ListAttempts(ctx, "u", "g", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "va_2", list[0].ID)
}

func TestMemoryStore_ListVerifiedInGuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, _ = s.UpsertIdentity(ctx, &Identity{ID: "u1", DisplayName: "alice"})
	_, _ = s.RecordAttempt(ctx, &VerificationAttempt{ID: "1", IdentityID: "u1", GuildID: "g", Status: AttemptFinal,
		Decision: decision.Approved, CreatedAt: now}, now.Add(-time.Hour))
	_, _ = s.RecordAttempt(ctx, &VerificationAttempt{ID: "2", IdentityID: "u2", GuildID: "g", Status: AttemptFinal,
		Decision: decision.Denied, CreatedAt: now}, now.Add(-time.Hour))
	_, _ = s.RecordAttempt(ctx, &VerificationAttempt{ID: "3", IdentityID: "u3", GuildID: "other", Status: AttemptFinal,
		Decision: decision.Approved, CreatedAt: now}, now.Add(-time.Hour))

	members, err := s.ListVerifiedInGuild(ctx, "g", now.Add(-90*24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].DisplayName)
}

func TestMemoryStore_BansAndThreats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.UpsertIdentity(ctx, &Identity{ID: "bad"})

	_, err := s.RecordBan(ctx, BanReport{IdentityID: "bad", GuildID: "g", Severity: BanCritical})
	require.NoError(t, err)

	banned, err := s.BannedAmong(ctx, []string{"bad", "good"})
	require.NoError(t, err)
	assert.Contains(t, banned, "bad")
	assert.NotContains(t, banned, "good")

	ident, err := s.GetIdentity(ctx, "bad")
	require.NoError(t, err)
	assert.True(t, ident.Banned)

	require.NoError(t, s.AddThreatActor(ctx, &ThreatActor{Kind: ThreatDevice, Value: "dev1"}))
	m, err := s.LookupThreat(ctx, "someone", "dev1", "")
	require.NoError(t, err)
	assert.True(t, m.Device)
	assert.False(t, m.Identity)
	assert.True(t, m.Any())
}

func TestMemoryStore_AdjustTrustClamps(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.UpsertIdentity(ctx, &Identity{ID: "u"})

	v, err := s.AdjustTrust(ctx, "u", 80)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	v, err = s.AdjustTrust(ctx, "u", -500)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v)

	_, err = s.AdjustTrust(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_MessagesAndPrune(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	require.NoError(t, s.AppendMessages(ctx, []Message{
		{IdentityID: "u", Content: "old", SentAt: now.Add(-48 * time.Hour)},
		{IdentityID: "u", Content: "new", SentAt: now},
	}))

	recent, err := s.RecentMessages(ctx, "u", now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Content)

	n, err := s.PruneMessages(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
