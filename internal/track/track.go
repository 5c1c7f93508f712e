// Package track defines the track model read by the playback core.
package track

import "time"

// Track is a playable catalog entry. The orchestrator only reads tracks;
// ingestion and editing happen elsewhere.
type Track struct {
	ID          string  `json:"id"`
	ChannelID   string  `json:"channel_id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	StoragePath string  `json:"storage_path"` // e.g. "audio-tracks/track_042.mp3"
	Duration    float64 `json:"duration"`     // seconds
	TrackNumber int     `json:"track_number"`

	// Numeric descriptors used by slot targets and boosts.
	Tempo        float64 `json:"tempo"` // BPM
	EnergyLow    bool    `json:"energy_low"`
	EnergyMedium bool    `json:"energy_medium"`
	EnergyHigh   bool    `json:"energy_high"`
	Brightness   float64 `json:"brightness"`
	Density      float64 `json:"density"`
	Mood         string  `json:"mood"`
	Weight       float64 `json:"weight"` // admin-set selection weight, 0 means default 1.0

	UploadedAt time.Time  `json:"uploaded_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"` // tombstone; excluded from selection
}

// Deleted reports whether the track is soft-deleted.
func (t *Track) Deleted() bool {
	return t.DeletedAt != nil
}

// Field returns the value of a named descriptor for filter evaluation.
// Unknown fields return (nil, false).
func (t *Track) Field(name string) (any, bool) {
	switch name {
	case "id":
		return t.ID, true
	case "channel_id":
		return t.ChannelID, true
	case "title":
		return t.Title, true
	case "artist":
		return t.Artist, true
	case "storage_path":
		return t.StoragePath, true
	case "duration":
		return t.Duration, true
	case "track_number":
		return float64(t.TrackNumber), true
	case "tempo":
		return t.Tempo, true
	case "energy_low":
		return t.EnergyLow, true
	case "energy_medium":
		return t.EnergyMedium, true
	case "energy_high":
		return t.EnergyHigh, true
	case "brightness":
		return t.Brightness, true
	case "density":
		return t.Density, true
	case "mood":
		return t.Mood, true
	case "weight":
		return t.Weight, true
	case "uploaded_at":
		return t.UploadedAt, true
	}
	return nil, false
}
