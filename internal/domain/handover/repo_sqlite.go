package handover

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/wardhandover/handover/internal/platform/db"
)

// sqliteSchema mirrors migrations/001_ward.sql for the embedded store.
// Timestamps are bound in UTC so text comparison orders them.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patient (
    id          TEXT PRIMARY KEY,
    bed_number  TEXT NOT NULL,
    name        TEXT NOT NULL,
    age         INTEGER,
    gender      TEXT CHECK (gender IN ('M', 'F')),
    diagnosis   TEXT,
    allergies   TEXT NOT NULL DEFAULT '[]',
    revision    INTEGER NOT NULL DEFAULT 1,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_patient_bed ON patient (bed_number);

CREATE TABLE IF NOT EXISTS medication (
    id          TEXT PRIMARY KEY,
    patient_id  TEXT NOT NULL REFERENCES patient (id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    is_private  BOOLEAN NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_medication_patient ON medication (patient_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_medication_private ON medication (patient_id) WHERE is_private = 1;

CREATE TABLE IF NOT EXISTS handover (
    id          TEXT PRIMARY KEY,
    patient_id  TEXT NOT NULL REFERENCES patient (id) ON DELETE CASCADE,
    date        DATETIME NOT NULL,
    day         TEXT NOT NULL,
    shift       TEXT NOT NULL CHECK (shift IN ('AM', 'PM', 'Night')),
    assessment  TEXT,
    plan        TEXT,
    concerns    TEXT,
    nurse_to    TEXT,
    created_at  DATETIME NOT NULL,
    updated_at  DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_handover_patient_day ON handover (patient_id, day);
CREATE INDEX IF NOT EXISTS idx_handover_patient_date ON handover (patient_id, date DESC);

CREATE TABLE IF NOT EXISTS patient_version (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    patient_id   TEXT NOT NULL REFERENCES patient (id) ON DELETE CASCADE,
    data         TEXT NOT NULL,
    shift        TEXT NOT NULL,
    changed_by   TEXT NOT NULL,
    change_type  TEXT NOT NULL CHECK (change_type IN ('created', 'updated', 'deleted')),
    changes      TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_patient_version_patient ON patient_version (patient_id, created_at DESC, seq DESC);

CREATE TABLE IF NOT EXISTS handover_version (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    handover_id  TEXT NOT NULL REFERENCES handover (id) ON DELETE CASCADE,
    data         TEXT NOT NULL,
    shift        TEXT NOT NULL,
    changed_by   TEXT NOT NULL,
    change_type  TEXT NOT NULL CHECK (change_type IN ('created', 'updated', 'deleted')),
    changes      TEXT NOT NULL,
    created_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handover_version_handover ON handover_version (handover_id, created_at DESC, seq DESC);
`

// NewRepositoriesSQLite creates the schema if needed and returns the embedded
// backend.
func NewRepositoriesSQLite(sqlDB *sql.DB) (Repositories, error) {
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		return Repositories{}, fmt.Errorf("init sqlite schema: %w", err)
	}
	base := sqliteBase{db: sqlDB}
	return Repositories{
		Patients:    &patientRepoSQLite{base},
		Medications: &medicationRepoSQLite{base},
		Handovers:   &handoverRepoSQLite{base},
		Versions:    &versionRepoSQLite{base},
	}, nil
}

type sqliteBase struct{ db *sql.DB }

func (b sqliteBase) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLFromContext(ctx, b.db)
}

func sqliteErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrDuplicate, se.Error())
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// =========== Patient Repository ===========

type patientRepoSQLite struct{ sqliteBase }

func (r *patientRepoSQLite) scanPatient(row rowScanner) (*Patient, error) {
	var p Patient
	var allergies string
	err := row.Scan(&p.ID, &p.BedNumber, &p.Name, &p.Age, &p.Gender, &p.Diagnosis,
		&allergies, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if err := json.Unmarshal([]byte(allergies), &p.Allergies); err != nil {
		return nil, fmt.Errorf("decode allergies: %w", err)
	}
	return &p, nil
}

func (r *patientRepoSQLite) FindByBed(ctx context.Context, bed string) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE bed_number = ? ORDER BY created_at, rowid LIMIT 1`, bed))
}

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	allergies, err := json.Marshal(nonNil(p.Allergies))
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).ExecContext(ctx, `
		INSERT INTO patient (id, bed_number, name, age, gender, diagnosis, allergies, revision, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.BedNumber, p.Name, p.Age, p.Gender, p.Diagnosis, string(allergies), p.Revision,
		p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	return sqliteErr(err)
}

func (r *patientRepoSQLite) Update(ctx context.Context, p *Patient, expectedRevision int) error {
	allergies, err := json.Marshal(nonNil(p.Allergies))
	if err != nil {
		return err
	}
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE patient SET age=?, gender=?, diagnosis=?, allergies=?, updated_at=?, revision = revision + 1
		WHERE id = ? AND revision = ?`,
		p.Age, p.Gender, p.Diagnosis, string(allergies), p.UpdatedAt.UTC(), p.ID, expectedRevision)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	p.Revision = expectedRevision + 1
	return nil
}

func (r *patientRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM patient WHERE id = ?`, id)
	return err
}

// =========== Medication Repository ===========

type medicationRepoSQLite struct{ sqliteBase }

func (r *medicationRepoSQLite) FindPrivate(ctx context.Context, patientID uuid.UUID) (*Medication, error) {
	var m Medication
	err := r.conn(ctx).QueryRowContext(ctx, `
		SELECT id, patient_id, name, is_private, created_at, updated_at FROM medication
		WHERE patient_id = ? AND is_private = 1 ORDER BY created_at, rowid LIMIT 1`, patientID).
		Scan(&m.ID, &m.PatientID, &m.Name, &m.IsPrivate, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, sqliteErr(err)
	}
	return &m, nil
}

func (r *medicationRepoSQLite) Create(ctx context.Context, m *Medication) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO medication (id, patient_id, name, is_private, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		m.ID, m.PatientID, m.Name, m.IsPrivate, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	return sqliteErr(err)
}

func (r *medicationRepoSQLite) Update(ctx context.Context, m *Medication) error {
	_, err := r.conn(ctx).ExecContext(ctx, `UPDATE medication SET name=?, updated_at=? WHERE id = ?`,
		m.Name, m.UpdatedAt.UTC(), m.ID)
	return err
}

func (r *medicationRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM medication WHERE id = ?`, id)
	return err
}

// =========== Handover Repository ===========

type handoverRepoSQLite struct{ sqliteBase }

func (r *handoverRepoSQLite) scanHandover(row rowScanner) (*Handover, error) {
	var h Handover
	var day string
	err := row.Scan(&h.ID, &h.PatientID, &h.Date, &day, &h.Shift,
		&h.Assessment, &h.Plan, &h.Concerns, &h.NurseTo, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, sqliteErr(err)
	}
	if h.Day, err = time.Parse(time.DateOnly, day); err != nil {
		return nil, fmt.Errorf("decode handover day: %w", err)
	}
	return &h, nil
}

func (r *handoverRepoSQLite) FindSince(ctx context.Context, patientID uuid.UUID, since time.Time) (*Handover, error) {
	return r.scanHandover(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+handoverCols+` FROM handover
		WHERE patient_id = ? AND date >= ? ORDER BY date, rowid LIMIT 1`, patientID, since.UTC()))
}

func (r *handoverRepoSQLite) Latest(ctx context.Context, patientID uuid.UUID) (*Handover, error) {
	return r.scanHandover(r.conn(ctx).QueryRowContext(ctx, `
		SELECT `+handoverCols+` FROM handover
		WHERE patient_id = ? ORDER BY date DESC, rowid DESC LIMIT 1`, patientID))
}

func (r *handoverRepoSQLite) Create(ctx context.Context, h *Handover) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO handover (id, patient_id, date, day, shift, assessment, plan, concerns, nurse_to, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.PatientID, h.Date.UTC(), h.Day.Format(time.DateOnly), string(h.Shift),
		h.Assessment, h.Plan, h.Concerns, h.NurseTo, h.CreatedAt.UTC(), h.UpdatedAt.UTC())
	return sqliteErr(err)
}

func (r *handoverRepoSQLite) Update(ctx context.Context, h *Handover) error {
	_, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE handover SET assessment=?, plan=?, concerns=?, nurse_to=?, updated_at=?
		WHERE id = ?`,
		h.Assessment, h.Plan, h.Concerns, h.NurseTo, h.UpdatedAt.UTC(), h.ID)
	return err
}

// =========== Version Repository ===========

type versionRepoSQLite struct{ sqliteBase }

func (r *versionRepoSQLite) CreatePatientVersion(ctx context.Context, v *PatientVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	changes, err := json.Marshal(v.Changes)
	if err != nil {
		return err
	}
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO patient_version (id, patient_id, data, shift, changed_by, change_type, changes, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.PatientID, string(v.Data), string(v.Shift), v.ChangedBy, string(v.ChangeType), string(changes), v.CreatedAt.UTC())
	if err != nil {
		return sqliteErr(err)
	}
	v.Seq, err = res.LastInsertId()
	return err
}

func (r *versionRepoSQLite) CreateHandoverVersion(ctx context.Context, v *HandoverVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	changes, err := json.Marshal(v.Changes)
	if err != nil {
		return err
	}
	res, err := r.conn(ctx).ExecContext(ctx, `
		INSERT INTO handover_version (id, handover_id, data, shift, changed_by, change_type, changes, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.HandoverID, string(v.Data), string(v.Shift), v.ChangedBy, string(v.ChangeType), string(changes), v.CreatedAt.UTC())
	if err != nil {
		return sqliteErr(err)
	}
	v.Seq, err = res.LastInsertId()
	return err
}

func (r *versionRepoSQLite) ListPatientVersions(ctx context.Context, patientID uuid.UUID, limit int) ([]*PatientVersion, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, seq, patient_id, data, shift, changed_by, change_type, changes, created_at
		FROM patient_version WHERE patient_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT ?`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*PatientVersion{}
	for rows.Next() {
		var v PatientVersion
		var data, changes string
		if err := rows.Scan(&v.ID, &v.Seq, &v.PatientID, &data, &v.Shift, &v.ChangedBy, &v.ChangeType, &changes, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(changes), &v.Changes); err != nil {
			return nil, fmt.Errorf("decode version changes: %w", err)
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}

func (r *versionRepoSQLite) ListHandoverVersions(ctx context.Context, handoverID uuid.UUID, limit int) ([]*HandoverVersion, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `
		SELECT id, seq, handover_id, data, shift, changed_by, change_type, changes, created_at
		FROM handover_version WHERE handover_id = ?
		ORDER BY created_at DESC, seq DESC LIMIT ?`, handoverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*HandoverVersion{}
	for rows.Next() {
		var v HandoverVersion
		var data, changes string
		if err := rows.Scan(&v.ID, &v.Seq, &v.HandoverID, &data, &v.Shift, &v.ChangedBy, &v.ChangeType, &changes, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(changes), &v.Changes); err != nil {
			return nil, fmt.Errorf("decode version changes: %w", err)
		}
		items = append(items, &v)
	}
	return items, rows.Err()
}
