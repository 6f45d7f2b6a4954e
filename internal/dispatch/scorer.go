package dispatch

import (
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/swiftride/dispatch/internal/presence"
)

// ScoringConfig holds the weights for ranking offer candidates.
type ScoringConfig struct {
	Base             float64 // starting points for every candidate
	DistancePenalty  float64 // points lost per kilometre from pickup
	RatingWeight     float64 // points per star above the 4.0 baseline
	AcceptanceWeight float64 // points per unit of 30-day acceptance rate
}

// DefaultScoringConfig returns the production weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Base:             100,
		DistancePenalty:  8,
		RatingWeight:     20,
		AcceptanceWeight: 10,
	}
}

// Scorer ranks offer candidates by proximity, vehicle tier, and track
// record. The proximity search already filtered on tier eligibility; the
// bonus here only breaks ties between classes serving the same request.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer with the given weights.
func NewScorer(cfg ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

type scoredCandidate struct {
	driver presence.NearbyDriver
	score  float64
}

// Rank orders candidates best-first. Stats come from the relational store;
// drivers without an entry score with neutral defaults. Equal scores keep
// their nearest-first order.
func (s *Scorer) Rank(candidates []presence.NearbyDriver, stats map[uuid.UUID]*DriverStats) []presence.NearbyDriver {
	if len(candidates) < 2 {
		return candidates
	}

	scored := make([]scoredCandidate, len(candidates))
	for i, c := range candidates {
		scored[i] = scoredCandidate{driver: c, score: s.score(c, stats[c.DriverID])}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	ranked := make([]presence.NearbyDriver, len(scored))
	for i, sc := range scored {
		ranked[i] = sc.driver
	}

	return ranked
}

// score computes rank points for a single candidate, floored at zero.
func (s *Scorer) score(c presence.NearbyDriver, st *DriverStats) float64 {
	rating := 4.0
	acceptance := 0.8
	if st != nil {
		rating = st.Rating
		acceptance = st.AcceptanceRate
	}

	score := s.cfg.Base -
		s.cfg.DistancePenalty*c.DistanceKm +
		tierBonus(c.VehicleType) +
		s.cfg.RatingWeight*(rating-4.0) +
		s.cfg.AcceptanceWeight*acceptance

	return math.Max(0, math.Round(score*1000)/1000)
}

func tierBonus(tier presence.VehicleType) float64 {
	switch tier {
	case presence.TierXL:
		return 30
	case presence.TierPremium:
		return 15
	default:
		return 0
	}
}
