package models

// ActiveHours is an inclusive local-time window (hours 0-23) during
// which the user accepts deliveries. Start == End means always active.
type ActiveHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// NotificationPreference is per-user delivery tuning. Missing records
// fall back to DefaultPreference.
type NotificationPreference struct {
	UserID       string                `json:"user_id"`
	CategoryCaps map[QuotaCategory]int `json:"category_caps,omitempty"`
	Hours        ActiveHours           `json:"hours"`
	DoNotDisturb bool                  `json:"do_not_disturb"`
	Batching     bool                  `json:"batching"`
	KindFilter   []Kind                `json:"kind_filter,omitempty"`
}

// DefaultPreference is the safe fallback when no preference record can
// be read from any storage tier.
func DefaultPreference(userID string) NotificationPreference {
	return NotificationPreference{UserID: userID}
}

// Accepts reports whether the preference admits the opportunity kind.
// An empty filter accepts everything.
func (p *NotificationPreference) Accepts(kind Kind) bool {
	if len(p.KindFilter) == 0 {
		return true
	}
	for _, k := range p.KindFilter {
		if k == kind {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the given local hour falls inside the
// active-hour window.
func (p *NotificationPreference) ActiveAt(hour int) bool {
	if p.Hours.Start == p.Hours.End {
		return true
	}
	if p.Hours.Start < p.Hours.End {
		return hour >= p.Hours.Start && hour < p.Hours.End
	}
	// window wraps midnight
	return hour >= p.Hours.Start || hour < p.Hours.End
}
