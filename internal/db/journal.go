package db

import (
	"database/sql"
	"fmt"
	"time"
)

// EventKind distinguishes the two presence transitions.
type EventKind string

const (
	EventAppear    EventKind = "appear"
	EventDisappear EventKind = "disappear"
)

// PresenceEvent is one row of the append-only event log.
type PresenceEvent struct {
	EventID   int64     `json:"event_id"`
	RunID     string    `json:"run_id"`
	Feature   string    `json:"feature"`
	FeatureID string    `json:"feature_id"`
	Kind      EventKind `json:"kind"`
	AtUnixMs  int64     `json:"at_unix_ms"`
}

func (e *PresenceEvent) String() string {
	return fmt.Sprintf("RunID: %s, Feature: %s, FeatureID: %s, Kind: %s, AtUnixMs: %d",
		e.RunID, e.Feature, e.FeatureID, e.Kind, e.AtUnixMs)
}

// PresenceSession is one contiguous interval a feature ID was tracked.
// EndUnixMs is nil while the session is still open.
type PresenceSession struct {
	SessionID   int64  `json:"session_id"`
	RunID       string `json:"run_id"`
	Feature     string `json:"feature"`
	FeatureID   string `json:"feature_id"`
	StartUnixMs int64  `json:"start_unix_ms"`
	EndUnixMs   *int64 `json:"end_unix_ms,omitempty"`
}

// DwellSeconds returns the session duration. Open sessions are measured
// against now.
func (s *PresenceSession) DwellSeconds(now time.Time) float64 {
	end := now.UnixMilli()
	if s.EndUnixMs != nil {
		end = *s.EndUnixMs
	}
	return float64(end-s.StartUnixMs) / 1000.0
}

// RecordEvent appends one presence transition to the event log.
func (db *DB) RecordEvent(runID, feature, featureID string, kind EventKind, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO presence_events (run_id, feature_type, feature_id, kind, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, feature, featureID, string(kind), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record %s event for %s %s: %w", kind, feature, featureID, err)
	}
	return nil
}

// OpenSession starts a dwell session for a feature ID.
func (db *DB) OpenSession(runID, feature, featureID string, at time.Time) (int64, error) {
	res, err := db.Exec(
		`INSERT INTO presence_sessions (run_id, feature_type, feature_id, start_unix_ms)
		 VALUES (?, ?, ?, ?)`,
		runID, feature, featureID, at.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to open session for %s %s: %w", feature, featureID, err)
	}
	return res.LastInsertId()
}

// CloseSession ends the open dwell session for a feature ID, if one exists.
func (db *DB) CloseSession(feature, featureID string, at time.Time) error {
	_, err := db.Exec(
		`UPDATE presence_sessions SET end_unix_ms = ?
		 WHERE feature_type = ? AND feature_id = ? AND end_unix_ms IS NULL`,
		at.UnixMilli(), feature, featureID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session for %s %s: %w", feature, featureID, err)
	}
	return nil
}

// CloseStaleSessions closes every session left open by a previous run. A
// daemon that crashed mid-run never observed the disappearances, so the
// best available end time is the sweep time of the new run.
func (db *DB) CloseStaleSessions(currentRunID string, at time.Time) (int64, error) {
	res, err := db.Exec(
		`UPDATE presence_sessions SET end_unix_ms = ?
		 WHERE run_id != ? AND end_unix_ms IS NULL`,
		at.UnixMilli(), currentRunID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale sessions: %w", err)
	}
	return res.RowsAffected()
}

// ActiveSessions returns every currently open session, oldest first.
func (db *DB) ActiveSessions() ([]PresenceSession, error) {
	rows, err := db.Query(
		`SELECT session_id, run_id, feature_type, feature_id, start_unix_ms, end_unix_ms
		 FROM presence_sessions WHERE end_unix_ms IS NULL ORDER BY start_unix_ms ASC`,
	)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// Sessions returns the sessions for a feature type that overlap the
// [since, until] window, oldest first. An empty feature matches all types.
func (db *DB) Sessions(feature string, since, until time.Time) ([]PresenceSession, error) {
	rows, err := db.Query(
		`SELECT session_id, run_id, feature_type, feature_id, start_unix_ms, end_unix_ms
		 FROM presence_sessions
		 WHERE (? = '' OR feature_type = ?)
		   AND start_unix_ms <= ?
		   AND (end_unix_ms IS NULL OR end_unix_ms >= ?)
		 ORDER BY start_unix_ms ASC`,
		feature, feature, until.UnixMilli(), since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// DwellSamples returns the durations, in seconds, of the closed sessions
// for a feature type that started within [since, until]. An empty feature
// matches all types.
func (db *DB) DwellSamples(feature string, since, until time.Time) ([]float64, error) {
	rows, err := db.Query(
		`SELECT end_unix_ms - start_unix_ms
		 FROM presence_sessions
		 WHERE (? = '' OR feature_type = ?)
		   AND end_unix_ms IS NOT NULL
		   AND start_unix_ms BETWEEN ? AND ?
		 ORDER BY start_unix_ms ASC`,
		feature, feature, since.UnixMilli(), until.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []float64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		samples = append(samples, float64(ms)/1000.0)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// Events returns up to limit events for a feature type within
// [since, until], newest first. An empty feature matches all types.
func (db *DB) Events(feature string, since, until time.Time, limit int) ([]PresenceEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT event_id, run_id, feature_type, feature_id, kind, at_unix_ms
		 FROM presence_events
		 WHERE (? = '' OR feature_type = ?)
		   AND at_unix_ms BETWEEN ? AND ?
		 ORDER BY at_unix_ms DESC LIMIT ?`,
		feature, feature, since.UnixMilli(), until.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PresenceEvent
	for rows.Next() {
		var e PresenceEvent
		var kind string
		if err := rows.Scan(&e.EventID, &e.RunID, &e.Feature, &e.FeatureID, &kind, &e.AtUnixMs); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanSessions(rows *sql.Rows) ([]PresenceSession, error) {
	defer rows.Close()

	var sessions []PresenceSession
	for rows.Next() {
		var s PresenceSession
		var end sql.NullInt64
		if err := rows.Scan(&s.SessionID, &s.RunID, &s.Feature, &s.FeatureID, &s.StartUnixMs, &end); err != nil {
			return nil, err
		}
		if end.Valid {
			s.EndUnixMs = &end.Int64
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}
