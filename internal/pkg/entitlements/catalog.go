package entitlements

// DefaultQuota is one seeded quota row for a paid plan.
type DefaultQuota struct {
	Feature      Feature
	Limit        int
	ResetCadence string
}

// Unlimited is the sentinel limit meaning "no cap". Mirrors the quota table
// encoding.
const Unlimited = -1

// DefaultQuotas holds the seed values for the quota table. Every paid plan
// carries a row for every feature; free has none and is treated as limit 0.
var DefaultQuotas = map[Plan][]DefaultQuota{
	PlanPersonal: {
		{Feature: FeatureVoiceClones, Limit: 1, ResetCadence: "monthly"},
		{Feature: FeatureAvatarGens, Limit: 2, ResetCadence: "monthly"},
		{Feature: FeatureMemoryGraphOps, Limit: 1, ResetCadence: "monthly"},
		{Feature: FeatureInterviews, Limit: 10, ResetCadence: "monthly"},
		{Feature: FeatureMultimediaUpload, Limit: 50, ResetCadence: "monthly"},
	},
	PlanPremium: {
		{Feature: FeatureVoiceClones, Limit: 3, ResetCadence: "monthly"},
		{Feature: FeatureAvatarGens, Limit: 10, ResetCadence: "monthly"},
		{Feature: FeatureMemoryGraphOps, Limit: 500, ResetCadence: "monthly"},
		{Feature: FeatureInterviews, Limit: 50, ResetCadence: "monthly"},
		{Feature: FeatureMultimediaUpload, Limit: 500, ResetCadence: "monthly"},
	},
	PlanUltimate: {
		{Feature: FeatureVoiceClones, Limit: Unlimited, ResetCadence: "monthly"},
		{Feature: FeatureAvatarGens, Limit: Unlimited, ResetCadence: "monthly"},
		{Feature: FeatureMemoryGraphOps, Limit: Unlimited, ResetCadence: "monthly"},
		{Feature: FeatureInterviews, Limit: Unlimited, ResetCadence: "monthly"},
		{Feature: FeatureMultimediaUpload, Limit: Unlimited, ResetCadence: "monthly"},
	},
}

// CatalogEntry is the informational description of one plan for the public
// plan listing.
type CatalogEntry struct {
	Plan       Plan     `json:"plan"`
	Name       string   `json:"name"`
	PriceCents int      `json:"price_cents"`
	Currency   string   `json:"currency"`
	Features   []string `json:"features"`
}

// Catalog returns the public plan catalog. Display data only; limits are
// served by the quota table.
func Catalog() []CatalogEntry {
	return []CatalogEntry{
		{
			Plan:       PlanFree,
			Name:       "Free",
			PriceCents: 0,
			Currency:   "usd",
			Features: []string{
				"Browse your memory timeline",
				"Invite family viewers",
			},
		},
		{
			Plan:       PlanPersonal,
			Name:       "Personal",
			PriceCents: 900,
			Currency:   "usd",
			Features: []string{
				"10 interview sessions per month",
				"50 multimedia uploads per month",
				"1 voice clone",
			},
		},
		{
			Plan:       PlanPremium,
			Name:       "Premium",
			PriceCents: 2900,
			Currency:   "usd",
			Features: []string{
				"50 interview sessions per month",
				"500 multimedia uploads per month",
				"Memory graph with 500 operations per month",
				"3 voice clones, 10 avatar generations",
			},
		},
		{
			Plan:       PlanUltimate,
			Name:       "Ultimate",
			PriceCents: 7900,
			Currency:   "usd",
			Features: []string{
				"Unlimited interview sessions",
				"Unlimited uploads and memory graph operations",
				"Unlimited voice clones and avatars",
			},
		},
	}
}
