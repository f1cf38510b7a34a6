package studysession

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

type pgStore struct {
	db *sql.DB
}

var _ Store = (*pgStore)(nil)

// NewPgStore keeps sessions, participants and study-time aggregates in Postgres.
func NewPgStore(db *sql.DB) Store { return &pgStore{db: db} }

func (st *pgStore) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var ok bool
	err := st.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&ok)
	return ok, err
}

func (st *pgStore) CreateSession(ctx context.Context, s *SessionDTO) error {
	insights, err := json.Marshal(nonNil(s.Insights))
	if err != nil {
		return err
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	const insSession = `
	  INSERT INTO study_sessions (id, group_id, host_id, title, status, max_participants,
	                              scheduled_start, scheduled_end, actual_start, notes, insights)
	       VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb)`
	if _, err = tx.ExecContext(ctx, insSession,
		s.ID, s.GroupID, s.HostID, s.Title, string(s.Status), s.MaxParticipants,
		s.ScheduledStart, nullTime(s.ScheduledEnd), nullTime(s.ActualStart), s.Notes, string(insights),
	); err != nil {
		return err
	}

	const insParticipant = `
	  INSERT INTO session_participants (session_id, user_id, joined_at)
	       VALUES ($1, $2, $3)`
	for _, p := range s.Participants {
		if _, err = tx.ExecContext(ctx, insParticipant, s.ID, p.UserID, p.JoinedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (st *pgStore) GetSession(ctx context.Context, id string) (*SessionDTO, error) {
	const q = `SELECT id, coalesce(group_id, ''), host_id, title, status, max_participants,
	                  scheduled_start, scheduled_end, actual_start, actual_end, notes, insights
	             FROM study_sessions WHERE id = $1`
	s, err := scanSession(st.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	const pq = `SELECT user_id, joined_at, left_at, credited_seconds
	              FROM session_participants WHERE session_id = $1
	          ORDER BY joined_at, user_id`
	rows, err := st.db.QueryContext(ctx, pq, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p    ParticipantDTO
			left sql.NullTime
		)
		if err := rows.Scan(&p.UserID, &p.JoinedAt, &left, &p.CreditedSeconds); err != nil {
			return nil, err
		}
		p.LeftAt = timePtr(left)
		s.Participants = append(s.Participants, p)
	}
	return s, rows.Err()
}

func (st *pgStore) ListSessions(ctx context.Context, f ListFilter) ([]SessionDTO, error) {
	var (
		where []string
		args  []any
	)
	if f.GroupID != "" {
		args = append(args, f.GroupID)
		where = append(where, fmt.Sprintf("group_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	q := `SELECT id, coalesce(group_id, ''), host_id, title, status, max_participants,
	             scheduled_start, scheduled_end, actual_start, actual_end, notes, insights
	        FROM study_sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY scheduled_start DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := st.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := make([]SessionDTO, 0, f.Limit)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

func (st *pgStore) StartSession(ctx context.Context, id string, at time.Time) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE study_sessions SET status = 'live', actual_start = $2
		  WHERE id = $1 AND status = 'scheduled'`, id, at)
	if err != nil {
		return err
	}
	return requireRow(res, ErrWrongState)
}

// AddParticipant locks the session row so that concurrent joins cannot
// overfill it. A participant who left earlier is reopened and keeps the
// live time of the earlier segment in credited_seconds.
func (st *pgStore) AddParticipant(ctx context.Context, id, userID string, at time.Time) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		status      string
		capacity    int
		actualStart sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, max_participants, actual_start FROM study_sessions WHERE id = $1 FOR UPDATE`,
		id).Scan(&status, &capacity, &actualStart)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) != StatusScheduled && Status(status) != StatusLive {
		return ErrWrongState
	}

	var (
		joinedAt time.Time
		leftAt   sql.NullTime
		existing = true
	)
	err = tx.QueryRowContext(ctx,
		`SELECT joined_at, left_at FROM session_participants WHERE session_id = $1 AND user_id = $2`,
		id, userID).Scan(&joinedAt, &leftAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = false
	case err != nil:
		return err
	case !leftAt.Valid:
		return ErrAlreadyParticipant
	}

	var active int
	if err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM session_participants WHERE session_id = $1 AND left_at IS NULL`,
		id).Scan(&active); err != nil {
		return err
	}
	if active >= capacity {
		return ErrSessionFull
	}

	if existing {
		credit := segmentSeconds(joinedAt, leftAt.Time, timePtr(actualStart))
		_, err = tx.ExecContext(ctx,
			`UPDATE session_participants
			    SET credited_seconds = credited_seconds + $3, joined_at = $4, left_at = NULL
			  WHERE session_id = $1 AND user_id = $2`, id, userID, credit, at)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_participants (session_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			id, userID, at)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (st *pgStore) MarkParticipantLeft(ctx context.Context, id, userID string, at time.Time) error {
	res, err := st.db.ExecContext(ctx,
		`UPDATE session_participants SET left_at = $3
		  WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL`, id, userID, at)
	if err != nil {
		return err
	}
	return requireRow(res, ErrNotParticipant)
}

func (st *pgStore) CancelSession(ctx context.Context, id string, at time.Time) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE study_sessions SET status = 'cancelled', actual_end = $2
		  WHERE id = $1 AND status IN ('scheduled', 'live')`, id, at)
	if err != nil {
		return err
	}
	if err := requireRow(res, ErrWrongState); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_participants SET left_at = $2 WHERE session_id = $1 AND left_at IS NULL`,
		id, at); err != nil {
		return err
	}
	return tx.Commit()
}

// CompleteSession flips live -> completed and applies every study-time
// credit in the same transaction. The status guard makes a second call fail
// with ErrWrongState instead of crediting twice.
func (st *pgStore) CompleteSession(ctx context.Context, c Completion) error {
	insights, err := json.Marshal(nonNil(c.Insights))
	if err != nil {
		return err
	}

	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE study_sessions SET status = 'completed', actual_end = $2, notes = $3, insights = $4::jsonb
		  WHERE id = $1 AND status = 'live'`, c.SessionID, c.EndedAt, c.Notes, string(insights))
	if err != nil {
		return err
	}
	if err := requireRow(res, ErrWrongState); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE session_participants SET left_at = $2 WHERE session_id = $1 AND left_at IS NULL`,
		c.SessionID, c.EndedAt); err != nil {
		return err
	}

	const credit = `
	  INSERT INTO users (id, total_study_seconds, sessions_attended)
	       VALUES ($1, $2, 1)
	  ON CONFLICT (id) DO UPDATE
	        SET total_study_seconds = users.total_study_seconds + EXCLUDED.total_study_seconds,
	            sessions_attended   = users.sessions_attended + 1`
	users := make([]string, 0, len(c.Credits))
	for u := range c.Credits {
		users = append(users, u)
	}
	sort.Strings(users)
	var total int64
	for _, u := range users {
		total += c.Credits[u]
		if _, err := tx.ExecContext(ctx, credit, u, c.Credits[u]); err != nil {
			return err
		}
	}

	if c.GroupID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE groups SET completed_sessions = completed_sessions + 1,
			                   total_study_seconds = total_study_seconds + $2
			  WHERE id = $1`, c.GroupID, total); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionDTO, error) {
	var (
		s                     SessionDTO
		status                string
		end, actStart, actEnd sql.NullTime
		insights              []byte
	)
	if err := row.Scan(&s.ID, &s.GroupID, &s.HostID, &s.Title, &status, &s.MaxParticipants,
		&s.ScheduledStart, &end, &actStart, &actEnd, &s.Notes, &insights); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.ScheduledEnd = timePtr(end)
	s.ActualStart = timePtr(actStart)
	s.ActualEnd = timePtr(actEnd)
	if len(insights) > 0 {
		if err := json.Unmarshal(insights, &s.Insights); err != nil {
			return nil, fmt.Errorf("decode insights: %w", err)
		}
	}
	return &s, nil
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
