package handover

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardhandover/handover/internal/domain/beddirectory"
	"github.com/wardhandover/handover/internal/platform/db"
)

func newSQLiteService(t *testing.T, opts Options, wrap func(Repositories) Repositories) (*Service, *sql.DB) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ward.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	repos, err := NewRepositoriesSQLite(sqlDB)
	if err != nil {
		t.Fatalf("NewRepositoriesSQLite: %v", err)
	}
	if wrap != nil {
		repos = wrap(repos)
	}
	opts.Logger = zerolog.Nop()
	opts.Location = time.UTC
	return NewService(repos, db.NewSQLTxRunner(sqlDB), beddirectory.Default(), opts), sqlDB
}

func countRows(t *testing.T, sqlDB *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestSQLite_SaveReadClear(t *testing.T) {
	svc, sqlDB := newSQLiteService(t, Options{}, nil)
	ctx := context.Background()

	first := BedView{Age: "65", Gender: "M", Complaints: "Chest Pain", DrugAllergy: "Aspirin", PrivateMedications: "Morphine"}
	save(t, svc, "12", first, "Nurse Amy", "AM")
	second := first
	second.Management = "Serial troponin"
	second.PrivateMedications = "Fentanyl"
	save(t, svc, "12", second, "Nurse Bea", "PM")

	view, err := svc.ReadBed(ctx, "12")
	if err != nil {
		t.Fatalf("ReadBed: %v", err)
	}
	if view.Age != "65" || view.Management != "Serial troponin" || view.DrugAllergy != "Aspirin" || view.PrivateMedications != "Fentanyl" {
		t.Errorf("unexpected view: %+v", view)
	}
	if view.Revision != 2 {
		t.Errorf("expected revision 2, got %d", view.Revision)
	}

	if n := countRows(t, sqlDB, "handover"); n != 1 {
		t.Errorf("expected 1 handover row, got %d", n)
	}
	if n := countRows(t, sqlDB, "handover_version"); n != 2 {
		t.Errorf("expected 2 handover versions, got %d", n)
	}
	if n := countRows(t, sqlDB, "medication"); n != 1 {
		t.Errorf("expected 1 medication row, got %d", n)
	}

	versions, err := svc.ListVersions(ctx, "12", 0)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 2 || versions[0].ChangeType != ChangeUpdated || versions[1].ChangeType != ChangeCreated {
		t.Fatalf("expected updated then created, got %+v", versions)
	}
	if !versions[0].Changes["privateMedications"] || versions[0].Changes["age"] {
		t.Errorf("unexpected changes: %v", versions[0].Changes)
	}

	if err := svc.ClearBed(ctx, "12", "Nurse Bea", "PM"); err != nil {
		t.Fatalf("ClearBed: %v", err)
	}
	for _, table := range []string{"patient", "medication", "handover", "patient_version", "handover_version"} {
		if n := countRows(t, sqlDB, table); n != 0 {
			t.Errorf("expected %s empty after clear, got %d", table, n)
		}
	}
	if view, _ := svc.ReadBed(ctx, "12"); view != nil {
		t.Errorf("expected empty bed, got %+v", view)
	}
}

func TestSQLite_UniqueConstraints(t *testing.T) {
	svc, sqlDB := newSQLiteService(t, Options{}, nil)
	rec := save(t, svc, "3", BedView{PrivateMedications: "Morphine"}, "N", "AM")
	repos := Repositories{
		Patients:    &patientRepoSQLite{sqliteBase{sqlDB}},
		Medications: &medicationRepoSQLite{sqliteBase{sqlDB}},
		Handovers:   &handoverRepoSQLite{sqliteBase{sqlDB}},
	}
	ctx := context.Background()
	now := time.Now()

	dupPatient := &Patient{ID: uuid.New(), BedNumber: "3", Name: "Bed 3", Revision: 1, CreatedAt: now, UpdatedAt: now}
	if err := repos.Patients.Create(ctx, dupPatient); !errors.Is(err, ErrDuplicate) {
		t.Errorf("patient bed: expected ErrDuplicate, got %v", err)
	}

	dupMed := &Medication{ID: uuid.New(), PatientID: rec.Patient.ID, Name: "Other", IsPrivate: true, CreatedAt: now, UpdatedAt: now}
	if err := repos.Medications.Create(ctx, dupMed); !errors.Is(err, ErrDuplicate) {
		t.Errorf("private medication: expected ErrDuplicate, got %v", err)
	}

	dupHandover := &Handover{ID: uuid.New(), PatientID: rec.Patient.ID, Date: now, Day: rec.Handover.Day,
		Shift: ShiftNight, CreatedAt: now, UpdatedAt: now}
	if err := repos.Handovers.Create(ctx, dupHandover); !errors.Is(err, ErrDuplicate) {
		t.Errorf("handover day: expected ErrDuplicate, got %v", err)
	}
}

func TestSQLite_RevisionConflict(t *testing.T) {
	svc, sqlDB := newSQLiteService(t, Options{}, nil)
	rec := save(t, svc, "7", BedView{Age: "30"}, "N", "AM")
	patients := &patientRepoSQLite{sqliteBase{sqlDB}}
	ctx := context.Background()

	p := rec.Patient
	if err := patients.Update(ctx, p, 1); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if p.Revision != 2 {
		t.Errorf("expected revision 2, got %d", p.Revision)
	}
	if err := patients.Update(ctx, p, 1); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict on stale revision, got %v", err)
	}
}

type failingVersionRepo struct{ VersionRepository }

func (failingVersionRepo) CreatePatientVersion(context.Context, *PatientVersion) error {
	return errStoreDown
}

func (failingVersionRepo) CreateHandoverVersion(context.Context, *HandoverVersion) error {
	return errStoreDown
}

func TestSQLite_StrictAtomicRollsBack(t *testing.T) {
	svc, sqlDB := newSQLiteService(t, Options{VersionPolicy: VersionStrict}, func(r Repositories) Repositories {
		r.Versions = failingVersionRepo{r.Versions}
		return r
	})

	_, err := svc.WriteBed(context.Background(), SaveRequest{Bed: "4", View: &BedView{Age: "50"}})
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected version failure, got %v", err)
	}
	if n := countRows(t, sqlDB, "patient"); n != 0 {
		t.Errorf("expected atomic save rolled back, found %d patients", n)
	}
}

func TestSQLite_BestEffortSurvivesVersionFailure(t *testing.T) {
	svc, sqlDB := newSQLiteService(t, Options{}, func(r Repositories) Repositories {
		r.Versions = failingVersionRepo{r.Versions}
		return r
	})

	save(t, svc, "4", BedView{Age: "50"}, "N", "AM")
	if n := countRows(t, sqlDB, "patient"); n != 1 {
		t.Errorf("expected patient saved, found %d", n)
	}
	if n := countRows(t, sqlDB, "handover"); n != 1 {
		t.Errorf("expected handover saved, found %d", n)
	}
}

type hidingHandovers struct {
	HandoverRepository
	hide bool
}

func (h *hidingHandovers) FindSince(ctx context.Context, patientID uuid.UUID, since time.Time) (*Handover, error) {
	if h.hide {
		h.hide = false
		return nil, ErrNotFound
	}
	return h.HandoverRepository.FindSince(ctx, patientID, since)
}

func TestSQLite_HandoverRaceInsideTransaction(t *testing.T) {
	hiding := &hidingHandovers{}
	svc, sqlDB := newSQLiteService(t, Options{}, func(r Repositories) Repositories {
		hiding.HandoverRepository = r.Handovers
		r.Handovers = hiding
		return r
	})

	save(t, svc, "8", BedView{Complaints: "Pain"}, "N", "AM")
	hiding.hide = true
	rec := save(t, svc, "8", BedView{Complaints: "Settled"}, "N", "PM")

	if deref(rec.Handover.Assessment) != "Settled" {
		t.Errorf("expected existing row updated, got %q", deref(rec.Handover.Assessment))
	}
	if n := countRows(t, sqlDB, "handover"); n != 1 {
		t.Errorf("expected 1 handover, got %d", n)
	}
	if n := countRows(t, sqlDB, "handover_version"); n != 2 {
		t.Errorf("expected 2 handover versions, got %d", n)
	}
}
