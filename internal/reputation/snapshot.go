package reputation

import "time"

// Snapshot is a point-in-time reputation score stored for history.
type Snapshot struct {
	ID            int       `json:"id"`
	IdentityID    string    `json:"identityId"`
	GuildID       string    `json:"guildId"`
	Score         float64   `json:"score"`
	Tier          Tier      `json:"tier"`
	TrustScore    float64   `json:"trustScore"`
	ActivityScore float64   `json:"activityScore"`
	TenureScore   float64   `json:"tenureScore"`
	ConductScore  float64   `json:"conductScore"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SnapshotFromScore creates a Snapshot from a calculated Score.
func SnapshotFromScore(s *Score) *Snapshot {
	return &Snapshot{
		IdentityID:    s.IdentityID,
		GuildID:       s.GuildID,
		Score:         s.Score,
		Tier:          s.Tier,
		TrustScore:    s.Components.TrustScore,
		ActivityScore: s.Components.ActivityScore,
		TenureScore:   s.Components.TenureScore,
		ConductScore:  s.Components.ConductScore,
		CreatedAt:     s.CalculatedAt,
	}
}

// HistoryQuery holds query parameters for historical scores.
type HistoryQuery struct {
	IdentityID string
	GuildID    string
	From       time.Time
	To         time.Time
	Limit      int
}
