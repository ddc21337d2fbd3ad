package handover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wardhandover/handover/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const pgUniqueViolation = "23505"

// NewRepositoriesPG returns the pooled Postgres backend.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	base := pgBase{pool: pool}
	return Repositories{
		Patients:    &patientRepoPG{base},
		Medications: &medicationRepoPG{base},
		Handovers:   &handoverRepoPG{base},
		Versions:    &versionRepoPG{base},
	}
}

type pgBase struct{ pool *pgxpool.Pool }

func (b pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

func pgErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pe.ConstraintName)
	}
	return err
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pgBase }

const patientCols = `id, bed_number, name, age, gender, diagnosis, allergies, revision, created_at, updated_at`

func (r *patientRepoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.BedNumber, &p.Name, &p.Age, &p.Gender, &p.Diagnosis,
		&p.Allergies, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &p, nil
}

func (r *patientRepoPG) FindByBed(ctx context.Context, bed string) (*Patient, error) {
	return r.scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE bed_number = $1 ORDER BY created_at, id LIMIT 1`, bed))
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, bed_number, name, age, gender, diagnosis, allergies, revision, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.BedNumber, p.Name, p.Age, p.Gender, p.Diagnosis, nonNil(p.Allergies), p.Revision, p.CreatedAt, p.UpdatedAt)
	return pgErr(err)
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient, expectedRevision int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET age=$3, gender=$4, diagnosis=$5, allergies=$6, updated_at=$7, revision = revision + 1
		WHERE id = $1 AND revision = $2
		RETURNING revision`,
		p.ID, expectedRevision, p.Age, p.Gender, p.Diagnosis, nonNil(p.Allergies), p.UpdatedAt).Scan(&p.Revision)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	return err
}

// =========== Medication Repository ===========

type medicationRepoPG struct{ pgBase }

func (r *medicationRepoPG) FindPrivate(ctx context.Context, patientID uuid.UUID) (*Medication, error) {
	var m Medication
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, name, is_private, created_at, updated_at FROM medication
		WHERE patient_id = $1 AND is_private ORDER BY created_at, id LIMIT 1`, patientID).
		Scan(&m.ID, &m.PatientID, &m.Name, &m.IsPrivate, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &m, nil
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO medication (id, patient_id, name, is_private, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.PatientID, m.Name, m.IsPrivate, m.CreatedAt, m.UpdatedAt)
	return pgErr(err)
}

func (r *medicationRepoPG) Update(ctx context.Context, m *Medication) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE medication SET name=$2, updated_at=$3 WHERE id = $1`,
		m.ID, m.Name, m.UpdatedAt)
	return err
}

func (r *medicationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM medication WHERE id = $1`, id)
	return err
}

// =========== Handover Repository ===========

type handoverRepoPG struct{ pgBase }

const handoverCols = `id, patient_id, date, day, shift, assessment, plan, concerns, nurse_to, created_at, updated_at`

func (r *handoverRepoPG) scanHandover(row pgx.Row) (*Handover, error) {
	var h Handover
	err := row.Scan(&h.ID, &h.PatientID, &h.Date, &h.Day, &h.Shift,
		&h.Assessment, &h.Plan, &h.Concerns, &h.NurseTo, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, pgErr(err)
	}
	return &h, nil
}

func (r *handoverRepoPG) FindSince(ctx context.Context, patientID uuid.UUID, since time.Time) (*Handover, error) {
	return r.scanHandover(r.conn(ctx).QueryRow(ctx, `
		SELECT `+handoverCols+` FROM handover
		WHERE patient_id = $1 AND date >= $2 ORDER BY date, seq LIMIT 1`, patientID, since))
}

func (r *handoverRepoPG) Latest(ctx context.Context, patientID uuid.UUID) (*Handover, error) {
	return r.scanHandover(r.conn(ctx).QueryRow(ctx, `
		SELECT `+handoverCols+` FROM handover
		WHERE patient_id = $1 ORDER BY date DESC, seq DESC LIMIT 1`, patientID))
}

func (r *handoverRepoPG) Create(ctx context.Context, h *Handover) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO handover (id, patient_id, date, day, shift, assessment, plan, concerns, nurse_to, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		h.ID, h.PatientID, h.Date, h.Day.Format(time.DateOnly), string(h.Shift),
		h.Assessment, h.Plan, h.Concerns, h.NurseTo, h.CreatedAt, h.UpdatedAt)
	return pgErr(err)
}

func (r *handoverRepoPG) Update(ctx context.Context, h *Handover) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE handover SET assessment=$2, plan=$3, concerns=$4, nurse_to=$5, updated_at=$6
		WHERE id = $1`,
		h.ID, h.Assessment, h.Plan, h.Concerns, h.NurseTo, h.UpdatedAt)
	return err
}

// =========== Version Repository ===========

type versionRepoPG struct{ pgBase }

func (r *versionRepoPG) CreatePatientVersion(ctx context.Context, v *PatientVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_version (id, patient_id, data, shift, changed_by, change_type, changes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq`,
		v.ID, v.PatientID, []byte(v.Data), string(v.Shift), v.ChangedBy, string(v.ChangeType), v.Changes, v.CreatedAt).
		Scan(&v.Seq)
}

func (r *versionRepoPG) CreateHandoverVersion(ctx context.Context, v *HandoverVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO handover_version (id, handover_id, data, shift, changed_by, change_type, changes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING seq`,
		v.ID, v.HandoverID, []byte(v.Data), string(v.Shift), v.ChangedBy, string(v.ChangeType), v.Changes, v.CreatedAt).
		Scan(&v.Seq)
}

func (r *versionRepoPG) ListPatientVersions(ctx context.Context, patientID uuid.UUID, limit int) ([]*PatientVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, seq, patient_id, data, shift, changed_by, change_type, changes, created_at
		FROM patient_version WHERE patient_id = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*PatientVersion{}
	for rows.Next() {
		var v PatientVersion
		var data []byte
		if err := rows.Scan(&v.ID, &v.Seq, &v.PatientID, &data, &v.Shift, &v.ChangedBy, &v.ChangeType, &v.Changes, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Data = data
		items = append(items, &v)
	}
	return items, rows.Err()
}

func (r *versionRepoPG) ListHandoverVersions(ctx context.Context, handoverID uuid.UUID, limit int) ([]*HandoverVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, seq, handover_id, data, shift, changed_by, change_type, changes, created_at
		FROM handover_version WHERE handover_id = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2`, handoverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*HandoverVersion{}
	for rows.Next() {
		var v HandoverVersion
		var data []byte
		if err := rows.Scan(&v.ID, &v.Seq, &v.HandoverID, &data, &v.Shift, &v.ChangedBy, &v.ChangeType, &v.Changes, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Data = data
		items = append(items, &v)
	}
	return items, rows.Err()
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
