package db

import (
	"database/sql"
	"fmt"
	"strings"
)

// DomainBan blocks a peer domain from the relay.
type DomainBan struct {
	Domain  string `json:"domain"`
	Reason  string `json:"reason,omitempty"`
	Note    string `json:"note,omitempty"`
	Created string `json:"created"`
}

// SoftwareBan blocks peers by the software name reported in nodeinfo.
type SoftwareBan struct {
	Name    string `json:"name"`
	Reason  string `json:"reason,omitempty"`
	Note    string `json:"note,omitempty"`
	Created string `json:"created"`
}

// Whitelist marks a domain as always allowed to follow.
type Whitelist struct {
	Domain  string `json:"domain"`
	Created string `json:"created"`
}

// BanUpdate carries the optional fields for UpdateDomainBan and
// UpdateSoftwareBan. Nil fields keep the stored value.
type BanUpdate struct {
	Reason *string
	Note   *string
}

// ─── Domain bans ──────────────────────────────────────────────────────────────

// GetDomainBan returns the ban row for a domain.
func (s *Store) GetDomainBan(domain string) (DomainBan, error) {
	domain = NormalizeDomain(domain)

	var (
		ban          DomainBan
		reason, note sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT domain, reason, note, created FROM domain_bans WHERE domain = `+s.ph(), domain,
	).Scan(&ban.Domain, &reason, &note, &ban.Created)
	if err == sql.ErrNoRows {
		return DomainBan{}, ErrNotFound
	}
	if err != nil {
		return DomainBan{}, err
	}
	ban.Reason = reason.String
	ban.Note = note.String
	return ban, nil
}

// GetDomainBans returns every banned domain.
func (s *Store) GetDomainBans() ([]DomainBan, error) {
	rows, err := s.db.Query(`SELECT domain, reason, note, created FROM domain_bans ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []DomainBan
	for rows.Next() {
		var (
			ban          DomainBan
			reason, note sql.NullString
		)
		if err := rows.Scan(&ban.Domain, &reason, &note, &ban.Created); err != nil {
			return nil, err
		}
		ban.Reason = reason.String
		ban.Note = note.String
		result = append(result, ban)
	}
	return result, rows.Err()
}

// PutDomainBan inserts a ban and removes any instance row for the same
// domain in the same transaction, so a banned peer never lingers in the
// registry.
func (s *Store) PutDomainBan(domain, reason, note string) (DomainBan, error) {
	domain = NormalizeDomain(domain)
	ban := DomainBan{Domain: domain, Reason: reason, Note: note, Created: nowStr()}

	tx, err := s.db.Begin()
	if err != nil {
		return DomainBan{}, err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO domain_bans (domain, reason, note, created) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO domain_bans (domain, reason, note, created) VALUES ($1, $2, $3, $4)`
	}
	if _, err := tx.Exec(q, domain, nullable(reason), nullable(note), ban.Created); err != nil {
		return DomainBan{}, fmt.Errorf("insert domain ban: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM inboxes WHERE domain = `+s.ph(), domain); err != nil {
		return DomainBan{}, fmt.Errorf("drop banned instance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DomainBan{}, err
	}
	return ban, nil
}

// UpdateDomainBan overwrites the reason and/or note of an existing ban.
func (s *Store) UpdateDomainBan(domain string, upd BanUpdate) (DomainBan, error) {
	domain = NormalizeDomain(domain)

	ban, err := s.GetDomainBan(domain)
	if err != nil {
		return DomainBan{}, err
	}
	if upd.Reason != nil {
		ban.Reason = *upd.Reason
	}
	if upd.Note != nil {
		ban.Note = *upd.Note
	}

	var q string
	if s.driver == "sqlite" {
		q = `UPDATE domain_bans SET reason = ?, note = ? WHERE domain = ?`
	} else {
		q = `UPDATE domain_bans SET reason = $1, note = $2 WHERE domain = $3`
	}
	if _, err := s.db.Exec(q, nullable(ban.Reason), nullable(ban.Note), domain); err != nil {
		return DomainBan{}, err
	}
	return ban, nil
}

// DelDomainBan removes a ban. At most one row may be affected.
func (s *Store) DelDomainBan(domain string) error {
	domain = NormalizeDomain(domain)
	res, err := s.db.Exec(`DELETE FROM domain_bans WHERE domain = `+s.ph(), domain)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}

// ─── Software bans ────────────────────────────────────────────────────────────

// GetSoftwareBan returns the ban row for a software name.
func (s *Store) GetSoftwareBan(name string) (SoftwareBan, error) {
	name = normalizeSoftware(name)

	var (
		ban          SoftwareBan
		reason, note sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT name, reason, note, created FROM software_bans WHERE name = `+s.ph(), name,
	).Scan(&ban.Name, &reason, &note, &ban.Created)
	if err == sql.ErrNoRows {
		return SoftwareBan{}, ErrNotFound
	}
	if err != nil {
		return SoftwareBan{}, err
	}
	ban.Reason = reason.String
	ban.Note = note.String
	return ban, nil
}

// GetSoftwareBans returns every banned software name.
func (s *Store) GetSoftwareBans() ([]SoftwareBan, error) {
	rows, err := s.db.Query(`SELECT name, reason, note, created FROM software_bans ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SoftwareBan
	for rows.Next() {
		var (
			ban          SoftwareBan
			reason, note sql.NullString
		)
		if err := rows.Scan(&ban.Name, &reason, &note, &ban.Created); err != nil {
			return nil, err
		}
		ban.Reason = reason.String
		ban.Note = note.String
		result = append(result, ban)
	}
	return result, rows.Err()
}

// PutSoftwareBan inserts a software ban.
func (s *Store) PutSoftwareBan(name, reason, note string) (SoftwareBan, error) {
	name = normalizeSoftware(name)
	ban := SoftwareBan{Name: name, Reason: reason, Note: note, Created: nowStr()}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO software_bans (name, reason, note, created) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO software_bans (name, reason, note, created) VALUES ($1, $2, $3, $4)`
	}
	if _, err := s.db.Exec(q, name, nullable(reason), nullable(note), ban.Created); err != nil {
		return SoftwareBan{}, fmt.Errorf("insert software ban: %w", err)
	}
	return ban, nil
}

// UpdateSoftwareBan overwrites the reason and/or note of an existing ban.
func (s *Store) UpdateSoftwareBan(name string, upd BanUpdate) (SoftwareBan, error) {
	name = normalizeSoftware(name)

	ban, err := s.GetSoftwareBan(name)
	if err != nil {
		return SoftwareBan{}, err
	}
	if upd.Reason != nil {
		ban.Reason = *upd.Reason
	}
	if upd.Note != nil {
		ban.Note = *upd.Note
	}

	var q string
	if s.driver == "sqlite" {
		q = `UPDATE software_bans SET reason = ?, note = ? WHERE name = ?`
	} else {
		q = `UPDATE software_bans SET reason = $1, note = $2 WHERE name = $3`
	}
	if _, err := s.db.Exec(q, nullable(ban.Reason), nullable(ban.Note), name); err != nil {
		return SoftwareBan{}, err
	}
	return ban, nil
}

// DelSoftwareBan removes a software ban. At most one row may be affected.
func (s *Store) DelSoftwareBan(name string) error {
	name = normalizeSoftware(name)
	res, err := s.db.Exec(`DELETE FROM software_bans WHERE name = `+s.ph(), name)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}

// ─── Whitelist ────────────────────────────────────────────────────────────────

// GetWhitelist returns the whitelist row for a domain.
func (s *Store) GetWhitelist(domain string) (Whitelist, error) {
	domain = NormalizeDomain(domain)

	var row Whitelist
	err := s.db.QueryRow(
		`SELECT domain, created FROM whitelist WHERE domain = `+s.ph(), domain,
	).Scan(&row.Domain, &row.Created)
	if err == sql.ErrNoRows {
		return Whitelist{}, ErrNotFound
	}
	if err != nil {
		return Whitelist{}, err
	}
	return row, nil
}

// GetWhitelists returns every whitelisted domain.
func (s *Store) GetWhitelists() ([]Whitelist, error) {
	rows, err := s.db.Query(`SELECT domain, created FROM whitelist ORDER BY domain`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Whitelist
	for rows.Next() {
		var row Whitelist
		if err := rows.Scan(&row.Domain, &row.Created); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// PutWhitelist adds a domain to the whitelist. Re-adding is a no-op.
func (s *Store) PutWhitelist(domain string) (Whitelist, error) {
	domain = NormalizeDomain(domain)
	row := Whitelist{Domain: domain, Created: nowStr()}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO whitelist (domain, created) VALUES (?, ?)`
	} else {
		q = `INSERT INTO whitelist (domain, created) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	if _, err := s.db.Exec(q, domain, row.Created); err != nil {
		return Whitelist{}, err
	}
	return row, nil
}

// DelWhitelist removes a domain from the whitelist.
func (s *Store) DelWhitelist(domain string) error {
	domain = NormalizeDomain(domain)
	res, err := s.db.Exec(`DELETE FROM whitelist WHERE domain = `+s.ph(), domain)
	if err != nil {
		return err
	}
	return affectedAtMostOne(res)
}

// normalizeSoftware lowercases a nodeinfo software name.
func normalizeSoftware(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
