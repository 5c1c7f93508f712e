package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/driftfm/driftfm/internal/channel"
	"github.com/driftfm/driftfm/internal/track"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a local SQLite database. Slot targets,
// boosts, and rules are stored as JSON columns; the numeric descriptors
// used by filters are real columns so admin tooling can index them.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database file.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
    CREATE TABLE IF NOT EXISTS channels (
        id          TEXT PRIMARY KEY,
        name        TEXT NOT NULL,
        description TEXT,
        image       TEXT,
        sort_order  INTEGER DEFAULT 0,
        active      BOOLEAN DEFAULT 1,
        tiers       TEXT, -- JSON: {"low": {"strategy": ..., "continuation": ...}, ...}
        updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS tracks (
        id            TEXT PRIMARY KEY,
        channel_id    TEXT NOT NULL,
        title         TEXT,
        artist        TEXT,
        storage_path  TEXT NOT NULL,
        duration      REAL DEFAULT 0,
        track_number  INTEGER DEFAULT 0,
        tempo         REAL DEFAULT 0,
        energy_low    BOOLEAN DEFAULT 0,
        energy_medium BOOLEAN DEFAULT 0,
        energy_high   BOOLEAN DEFAULT 0,
        brightness    REAL DEFAULT 0,
        density       REAL DEFAULT 0,
        mood          TEXT,
        weight        REAL DEFAULT 0,
        uploaded_at   DATETIME,
        deleted_at    DATETIME,
        FOREIGN KEY(channel_id) REFERENCES channels(id)
    );
    CREATE INDEX IF NOT EXISTS idx_tracks_channel ON tracks(channel_id);
    CREATE INDEX IF NOT EXISTS idx_tracks_tempo ON tracks(tempo);

    CREATE TABLE IF NOT EXISTS strategies (
        channel_id           TEXT NOT NULL,
        energy_tier          TEXT NOT NULL,
        num_slots            INTEGER DEFAULT 20,
        recent_repeat_window INTEGER DEFAULT 0,
        slots                TEXT, -- JSON array of slot definitions
        rule_groups          TEXT, -- JSON array of rule groups
        PRIMARY KEY (channel_id, energy_tier)
    );

    CREATE TABLE IF NOT EXISTS playback_state (
        user_id       TEXT NOT NULL,
        channel_id    TEXT NOT NULL,
        energy_tier   TEXT NOT NULL,
        last_position INTEGER DEFAULT 0,
        last_track_id TEXT,
        session_id    TEXT,
        updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (user_id, channel_id, energy_tier)
    );`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate catalog db: %w", err)
	}
	return nil
}

const trackColumns = `id, channel_id, title, artist, storage_path, duration, track_number,
    tempo, energy_low, energy_medium, energy_high, brightness, density, mood, weight,
    uploaded_at, deleted_at`

func scanTrack(row interface{ Scan(...any) error }) (*track.Track, error) {
	var t track.Track
	var uploaded, deleted sql.NullTime
	var title, artist, mood sql.NullString
	err := row.Scan(&t.ID, &t.ChannelID, &title, &artist, &t.StoragePath, &t.Duration,
		&t.TrackNumber, &t.Tempo, &t.EnergyLow, &t.EnergyMedium, &t.EnergyHigh,
		&t.Brightness, &t.Density, &mood, &t.Weight, &uploaded, &deleted)
	if err != nil {
		return nil, err
	}
	t.Title = title.String
	t.Artist = artist.String
	t.Mood = mood.String
	if uploaded.Valid {
		t.UploadedAt = uploaded.Time
	}
	if deleted.Valid {
		d := deleted.Time
		t.DeletedAt = &d
	}
	return &t, nil
}

func (s *SQLiteStore) GetTrack(ctx context.Context, id string) (*track.Track, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load track %s: %w", id, err)
	}
	return t, nil
}

// GetTracks resolves the batch in a single query and reorders the result
// to match the input, skipping ids that no longer exist.
func (s *SQLiteStore) GetTracks(ctx context.Context, ids []string) ([]*track.Track, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-load tracks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*track.Track, len(ids))
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		byID[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tracks: %w", err)
	}

	out := make([]*track.Track, 0, len(ids))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// QueryTracks loads the channel's rows and applies the filters in memory.
// Filter fields map one-to-one onto descriptor columns, so a future
// optimization could push them into SQL; at ambient-catalog sizes the
// per-channel scan is cheap.
func (s *SQLiteStore) QueryTracks(ctx context.Context, q TrackQuery) ([]*track.Track, error) {
	query := `SELECT ` + trackColumns + ` FROM tracks`
	var args []any
	var conds []string
	if q.ChannelID != "" {
		conds = append(conds, "channel_id = ?")
		args = append(args, q.ChannelID)
	}
	if !q.IncludeDeleted {
		conds = append(conds, "deleted_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY track_number, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracks: %w", err)
	}
	defer rows.Close()

	var out []*track.Track
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		if MatchAll(q.Filters, t) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*channel.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, image, sort_order, active, tiers, updated_at FROM channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel %s: %w", id, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]*channel.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, image, sort_order, active, tiers, updated_at FROM channels ORDER BY sort_order, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	defer rows.Close()

	var out []*channel.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChannel(row interface{ Scan(...any) error }) (*channel.Channel, error) {
	var c channel.Channel
	var desc, image, tiers sql.NullString
	var updated sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &desc, &image, &c.SortOrder, &c.Active, &tiers, &updated); err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.Image = image.String
	if updated.Valid {
		c.UpdatedAt = updated.Time.Format(time.RFC3339)
	}
	if tiers.Valid && tiers.String != "" {
		if err := json.Unmarshal([]byte(tiers.String), &c.Tiers); err != nil {
			return nil, fmt.Errorf("bad tiers JSON for channel %s: %w", c.ID, err)
		}
	}
	return &c, nil
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, channelID string, tier channel.EnergyTier) (*Strategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT num_slots, recent_repeat_window, slots, rule_groups FROM strategies
         WHERE channel_id = ? AND energy_tier = ?`, channelID, string(tier))

	st := &Strategy{ChannelID: channelID, Tier: string(tier)}
	var slots, groups sql.NullString
	err := row.Scan(&st.NumSlots, &st.RecentRepeatWindow, &slots, &groups)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %s/%s: %w", channelID, tier, err)
	}
	if slots.Valid && slots.String != "" {
		if err := json.Unmarshal([]byte(slots.String), &st.Slots); err != nil {
			return nil, fmt.Errorf("bad slots JSON for %s/%s: %w", channelID, tier, err)
		}
	}
	if groups.Valid && groups.String != "" {
		if err := json.Unmarshal([]byte(groups.String), &st.RuleGroups); err != nil {
			return nil, fmt.Errorf("bad rule groups JSON for %s/%s: %w", channelID, tier, err)
		}
	}
	return st, nil
}

func (s *SQLiteStore) GetState(ctx context.Context, userID, channelID string, tier channel.EnergyTier) (*PlaybackState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_position, last_track_id, session_id, updated_at FROM playback_state
         WHERE user_id = ? AND channel_id = ? AND energy_tier = ?`, userID, channelID, string(tier))

	st := &PlaybackState{UserID: userID, ChannelID: channelID, Tier: tier}
	var lastTrack, session sql.NullString
	var updated sql.NullTime
	err := row.Scan(&st.Position, &lastTrack, &session, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playback state: %w", err)
	}
	st.LastTrackID = lastTrack.String
	st.SessionID = session.String
	if updated.Valid {
		st.UpdatedAt = updated.Time
	}
	return st, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, st *PlaybackState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO playback_state (user_id, channel_id, energy_tier, last_position, last_track_id, session_id, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(user_id, channel_id, energy_tier) DO UPDATE SET
             last_position = excluded.last_position,
             last_track_id = excluded.last_track_id,
             session_id    = excluded.session_id,
             updated_at    = CURRENT_TIMESTAMP`,
		st.UserID, st.ChannelID, string(st.Tier), st.Position, st.LastTrackID, st.SessionID)
	if err != nil {
		return fmt.Errorf("failed to upsert playback state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteState(ctx context.Context, userID, channelID string, tier channel.EnergyTier) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM playback_state WHERE user_id = ? AND channel_id = ? AND energy_tier = ?`,
		userID, channelID, string(tier))
	if err != nil {
		return fmt.Errorf("failed to delete playback state: %w", err)
	}
	return nil
}

// PutChannel inserts or replaces a channel row. Used by catalog sync.
func (s *SQLiteStore) PutChannel(ctx context.Context, c *channel.Channel) error {
	tiers, err := json.Marshal(c.Tiers)
	if err != nil {
		return fmt.Errorf("failed to encode tiers for channel %s: %w", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channels (id, name, description, image, sort_order, active, tiers, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
         ON CONFLICT(id) DO UPDATE SET
             name        = excluded.name,
             description = excluded.description,
             image       = excluded.image,
             sort_order  = excluded.sort_order,
             active      = excluded.active,
             tiers       = excluded.tiers,
             updated_at  = CURRENT_TIMESTAMP`,
		c.ID, c.Name, c.Description, c.Image, c.SortOrder, c.Active, string(tiers))
	if err != nil {
		return fmt.Errorf("failed to upsert channel %s: %w", c.ID, err)
	}
	return nil
}

// PutTrack inserts or replaces a track row. Used by catalog sync.
func (s *SQLiteStore) PutTrack(ctx context.Context, t *track.Track) error {
	var deleted any
	if t.DeletedAt != nil {
		deleted = *t.DeletedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tracks (`+trackColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChannelID, t.Title, t.Artist, t.StoragePath, t.Duration, t.TrackNumber,
		t.Tempo, t.EnergyLow, t.EnergyMedium, t.EnergyHigh, t.Brightness, t.Density,
		t.Mood, t.Weight, t.UploadedAt, deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert track %s: %w", t.ID, err)
	}
	return nil
}

// PutStrategy inserts or replaces a strategy row. Used by catalog sync.
func (s *SQLiteStore) PutStrategy(ctx context.Context, st *Strategy) error {
	slots, err := json.Marshal(st.Slots)
	if err != nil {
		return fmt.Errorf("failed to encode slots for %s/%s: %w", st.ChannelID, st.Tier, err)
	}
	groups, err := json.Marshal(st.RuleGroups)
	if err != nil {
		return fmt.Errorf("failed to encode rule groups for %s/%s: %w", st.ChannelID, st.Tier, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO strategies (channel_id, energy_tier, num_slots, recent_repeat_window, slots, rule_groups)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(channel_id, energy_tier) DO UPDATE SET
             num_slots            = excluded.num_slots,
             recent_repeat_window = excluded.recent_repeat_window,
             slots                = excluded.slots,
             rule_groups          = excluded.rule_groups`,
		st.ChannelID, st.Tier, st.NumSlots, st.RecentRepeatWindow, string(slots), string(groups))
	if err != nil {
		return fmt.Errorf("failed to upsert strategy %s/%s: %w", st.ChannelID, st.Tier, err)
	}
	return nil
}
