package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// Instance is one subscribed peer. A row with Accepted=false is a pending
// follow request awaiting admin approval.
type Instance struct {
	Domain   string
	Actor    string
	Inbox    string
	FollowID string
	Software string
	Accepted bool
	Created  string // RFC3339 UTC
}

// InboxUpdate lists the fields PutInbox may change. Nil fields keep the
// stored value, so partial updates never clobber data written earlier.
type InboxUpdate struct {
	Inbox    *string
	Actor    *string
	FollowID *string
	Software *string
	Accepted *bool
}

const instanceColumns = `domain, actor, inbox, followid, software, accepted, created`

// GetInbox looks an instance up by domain, actor URL, or inbox URL.
func (s *Store) GetInbox(value string) (Instance, error) {
	if !strings.Contains(value, "://") {
		value = NormalizeDomain(value)
	}

	var (
		q    string
		args []any
	)
	if s.driver == "sqlite" {
		q = `SELECT ` + instanceColumns + ` FROM inboxes WHERE domain = ? OR actor = ? OR inbox = ?`
		args = []any{value, value, value}
	} else {
		q = `SELECT ` + instanceColumns + ` FROM inboxes WHERE domain = $1 OR actor = $1 OR inbox = $1`
		args = []any{value}
	}
	return scanInstance(s.db.QueryRow(q, args...))
}

// GetInboxes returns every accepted instance.
func (s *Store) GetInboxes() ([]Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM inboxes WHERE accepted = ` + s.boolLit(true) + ` ORDER BY domain`
	return s.queryInstances(q)
}

// GetRequests returns every pending follow request.
func (s *Store) GetRequests() ([]Instance, error) {
	q := `SELECT ` + instanceColumns + ` FROM inboxes WHERE accepted = ` + s.boolLit(false) + ` ORDER BY domain`
	return s.queryInstances(q)
}

// PutInbox upserts an instance. On insert the update must carry an inbox
// URL; on update only the non-nil fields overwrite. The whole operation is
// a single transaction and returns the resulting row.
func (s *Store) PutInbox(domain string, upd InboxUpdate) (Instance, error) {
	domain = NormalizeDomain(domain)

	tx, err := s.db.Begin()
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback()

	row, err := scanInstance(tx.QueryRow(
		`SELECT `+instanceColumns+` FROM inboxes WHERE domain = `+s.ph(), domain))
	switch err {
	case nil:
		applyUpdate(&row, upd)
		var q string
		if s.driver == "sqlite" {
			q = `UPDATE inboxes SET actor = ?, inbox = ?, followid = ?, software = ?, accepted = ? WHERE domain = ?`
		} else {
			q = `UPDATE inboxes SET actor = $1, inbox = $2, followid = $3, software = $4, accepted = $5 WHERE domain = $6`
		}
		if _, err := tx.Exec(q,
			nullable(row.Actor), row.Inbox, nullable(row.FollowID),
			nullable(row.Software), row.Accepted, domain); err != nil {
			return Instance{}, fmt.Errorf("update instance: %w", err)
		}

	case ErrNotFound:
		if upd.Inbox == nil || *upd.Inbox == "" {
			return Instance{}, fmt.Errorf("instance %s: inbox url required on insert", domain)
		}
		row = Instance{Domain: domain, Inbox: *upd.Inbox, Accepted: true, Created: nowStr()}
		applyUpdate(&row, upd)
		var q string
		if s.driver == "sqlite" {
			q = `INSERT INTO inboxes (domain, actor, inbox, followid, software, accepted, created)
				VALUES (?, ?, ?, ?, ?, ?, ?)`
		} else {
			q = `INSERT INTO inboxes (domain, actor, inbox, followid, software, accepted, created)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`
		}
		if _, err := tx.Exec(q,
			domain, nullable(row.Actor), row.Inbox, nullable(row.FollowID),
			nullable(row.Software), row.Accepted, row.Created); err != nil {
			return Instance{}, fmt.Errorf("insert instance: %w", err)
		}

	default:
		return Instance{}, err
	}

	if err := tx.Commit(); err != nil {
		return Instance{}, err
	}
	return row, nil
}

// DelInbox deletes an instance by domain, actor URL, or inbox URL. Exactly
// zero or one row may match; more indicates registry corruption.
func (s *Store) DelInbox(value string) error {
	if !strings.Contains(value, "://") {
		value = NormalizeDomain(value)
	}

	var (
		q    string
		args []any
	)
	if s.driver == "sqlite" {
		q = `DELETE FROM inboxes WHERE domain = ? OR actor = ? OR inbox = ?`
		args = []any{value, value, value}
	} else {
		q = `DELETE FROM inboxes WHERE domain = $1 OR actor = $1 OR inbox = $1`
		args = []any{value}
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}

// PutRequestResponse resolves a pending follow request: accept flips the
// row to accepted, deny deletes it. Returns ErrNotFound when no pending
// request exists for the domain.
func (s *Store) PutRequestResponse(domain string, accept bool) (Instance, error) {
	domain = NormalizeDomain(domain)

	tx, err := s.db.Begin()
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `SELECT ` + instanceColumns + ` FROM inboxes WHERE domain = ? AND accepted = 0`
	} else {
		q = `SELECT ` + instanceColumns + ` FROM inboxes WHERE domain = $1 AND accepted = FALSE`
	}
	row, err := scanInstance(tx.QueryRow(q, domain))
	if err != nil {
		return Instance{}, err
	}

	if accept {
		if s.driver == "sqlite" {
			q = `UPDATE inboxes SET accepted = 1 WHERE domain = ?`
		} else {
			q = `UPDATE inboxes SET accepted = TRUE WHERE domain = $1`
		}
		row.Accepted = true
	} else {
		q = `DELETE FROM inboxes WHERE domain = ` + s.ph()
	}
	if _, err := tx.Exec(q, domain); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return Instance{}, err
	}
	return row, nil
}

// DistillInboxes returns the fan-out set for a rebroadcast: every accepted
// instance except those whose domain appears in exclude (the sender and the
// origin of the announced object). The result is materialized eagerly so the
// caller holds no connection while queueing deliveries.
func (s *Store) DistillInboxes(exclude ...string) ([]Instance, error) {
	skip := make(map[string]bool, len(exclude))
	for _, d := range exclude {
		if d != "" {
			skip[NormalizeDomain(d)] = true
		}
	}

	all, err := s.GetInboxes()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, inst := range all {
		if !skip[inst.Domain] {
			out = append(out, inst)
		}
	}
	return out, nil
}

// applyUpdate copies the non-nil fields of upd onto row.
func applyUpdate(row *Instance, upd InboxUpdate) {
	if upd.Inbox != nil {
		row.Inbox = *upd.Inbox
	}
	if upd.Actor != nil {
		row.Actor = *upd.Actor
	}
	if upd.FollowID != nil {
		row.FollowID = *upd.FollowID
	}
	if upd.Software != nil {
		row.Software = *upd.Software
	}
	if upd.Accepted != nil {
		row.Accepted = *upd.Accepted
	}
}

// boolLit returns a boolean literal for the active driver. SQLite stores
// booleans as integers.
func (s *Store) boolLit(v bool) string {
	if s.driver == "postgres" {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

func (s *Store) queryInstances(q string, args ...any) ([]Instance, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Instance
	for rows.Next() {
		inst, err := scanInstanceRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row *sql.Row) (Instance, error) {
	inst, err := scanInstanceRow(row)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	return inst, err
}

func scanInstanceRow(row rowScanner) (Instance, error) {
	var (
		inst                      Instance
		actor, followid, software sql.NullString
	)
	err := row.Scan(&inst.Domain, &actor, &inst.Inbox, &followid, &software, &inst.Accepted, &inst.Created)
	if err != nil {
		return Instance{}, err
	}
	inst.Actor = actor.String
	inst.FollowID = followid.String
	inst.Software = software.String
	return inst, nil
}
