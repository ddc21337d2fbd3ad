package handover

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardhandover/handover/internal/domain/beddirectory"
)

// =========== In-memory store ===========

// memStore enforces the same uniqueness and cascade rules as the schema.
type memStore struct {
	mu          sync.Mutex
	patients    map[uuid.UUID]*Patient
	medications map[uuid.UUID]*Medication
	handovers   map[uuid.UUID]*Handover
	pVersions   []*PatientVersion
	hVersions   []*HandoverVersion
	seq         int64

	failVersions    bool
	failHandover    bool
	hideTodayOnce   bool
	handoverCreates int
}

func newMemStore() *memStore {
	return &memStore{
		patients:    make(map[uuid.UUID]*Patient),
		medications: make(map[uuid.UUID]*Medication),
		handovers:   make(map[uuid.UUID]*Handover),
	}
}

func (s *memStore) repos() Repositories {
	return Repositories{
		Patients:    &memPatients{s},
		Medications: &memMedications{s},
		Handovers:   &memHandovers{s},
		Versions:    &memVersions{s},
	}
}

func (s *memStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *memStore) countHandovers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handovers)
}

func (s *memStore) countPatients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.patients)
}

func (s *memStore) privateMedications() []*Medication {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Medication
	for _, m := range s.medications {
		if m.IsPrivate {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) patientVersions() []*PatientVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*PatientVersion(nil), s.pVersions...)
}

func (s *memStore) handoverVersions() []*HandoverVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*HandoverVersion(nil), s.hVersions...)
}

var errStoreDown = errors.New("store unavailable")

type memPatients struct{ s *memStore }

func (r *memPatients) FindByBed(_ context.Context, bed string) (*Patient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.patients {
		if p.BedNumber == bed {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memPatients) Create(_ context.Context, p *Patient) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.patients {
		if other.BedNumber == p.BedNumber {
			return ErrDuplicate
		}
	}
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

func (r *memPatients) Update(_ context.Context, p *Patient, expectedRevision int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stored, ok := r.s.patients[p.ID]
	if !ok || stored.Revision != expectedRevision {
		return ErrConflict
	}
	p.Revision = expectedRevision + 1
	cp := *p
	r.s.patients[p.ID] = &cp
	return nil
}

func (r *memPatients) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.patients, id)
	for mid, m := range r.s.medications {
		if m.PatientID == id {
			delete(r.s.medications, mid)
		}
	}
	for hid, h := range r.s.handovers {
		if h.PatientID == id {
			delete(r.s.handovers, hid)
		}
	}
	var keepH []*HandoverVersion
	for _, v := range r.s.hVersions {
		if _, ok := r.s.handovers[v.HandoverID]; ok {
			keepH = append(keepH, v)
		}
	}
	r.s.hVersions = keepH
	var keepP []*PatientVersion
	for _, v := range r.s.pVersions {
		if v.PatientID != id {
			keepP = append(keepP, v)
		}
	}
	r.s.pVersions = keepP
	return nil
}

type memMedications struct{ s *memStore }

func (r *memMedications) FindPrivate(_ context.Context, patientID uuid.UUID) (*Medication, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.medications {
		if m.PatientID == patientID && m.IsPrivate {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memMedications) Create(_ context.Context, m *Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.IsPrivate {
		for _, other := range r.s.medications {
			if other.PatientID == m.PatientID && other.IsPrivate {
				return ErrDuplicate
			}
		}
	}
	cp := *m
	r.s.medications[m.ID] = &cp
	return nil
}

func (r *memMedications) Update(_ context.Context, m *Medication) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.medications[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	r.s.medications[m.ID] = &cp
	return nil
}

func (r *memMedications) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.medications, id)
	return nil
}

type memHandovers struct{ s *memStore }

func (r *memHandovers) FindSince(_ context.Context, patientID uuid.UUID, since time.Time) (*Handover, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.hideTodayOnce {
		r.s.hideTodayOnce = false
		return nil, ErrNotFound
	}
	var found *Handover
	for _, h := range r.s.handovers {
		if h.PatientID != patientID || h.Date.Before(since) {
			continue
		}
		if found == nil || h.Date.Before(found.Date) {
			found = h
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memHandovers) Latest(_ context.Context, patientID uuid.UUID) (*Handover, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *Handover
	for _, h := range r.s.handovers {
		if h.PatientID == patientID && (found == nil || h.Date.After(found.Date)) {
			found = h
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *memHandovers) Create(_ context.Context, h *Handover) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.handoverCreates++
	if r.s.failHandover {
		return errStoreDown
	}
	for _, other := range r.s.handovers {
		if other.PatientID == h.PatientID && other.Day.Equal(h.Day) {
			return ErrDuplicate
		}
	}
	cp := *h
	r.s.handovers[h.ID] = &cp
	return nil
}

func (r *memHandovers) Update(_ context.Context, h *Handover) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failHandover {
		return errStoreDown
	}
	if _, ok := r.s.handovers[h.ID]; !ok {
		return ErrNotFound
	}
	cp := *h
	r.s.handovers[h.ID] = &cp
	return nil
}

type memVersions struct{ s *memStore }

func (r *memVersions) CreatePatientVersion(_ context.Context, v *PatientVersion) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failVersions {
		return errStoreDown
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Seq = r.s.nextSeq()
	cp := *v
	r.s.pVersions = append(r.s.pVersions, &cp)
	return nil
}

func (r *memVersions) CreateHandoverVersion(_ context.Context, v *HandoverVersion) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failVersions {
		return errStoreDown
	}
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Seq = r.s.nextSeq()
	cp := *v
	r.s.hVersions = append(r.s.hVersions, &cp)
	return nil
}

func (r *memVersions) ListPatientVersions(_ context.Context, patientID uuid.UUID, limit int) ([]*PatientVersion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := []*PatientVersion{}
	for _, v := range r.s.pVersions {
		if v.PatientID == patientID {
			items = append(items, v)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *memVersions) ListHandoverVersions(_ context.Context, handoverID uuid.UUID, limit int) ([]*HandoverVersion, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	items := []*HandoverVersion{}
	for _, v := range r.s.hVersions {
		if v.HandoverID == handoverID {
			items = append(items, v)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].Seq > items[j].Seq
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// =========== Doubles ===========

type passUOW struct{}

func (passUOW) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type countingObserver struct {
	mu            sync.Mutex
	saved         map[string]int
	cleared       int
	versionFailed map[string]int
	hits, misses  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{saved: map[string]int{}, versionFailed: map[string]int{}}
}

func (o *countingObserver) BedSaved(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved[outcome]++
}

func (o *countingObserver) BedCleared() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared++
}

func (o *countingObserver) VersionWriteFailed(entity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.versionFailed[entity]++
}

func (o *countingObserver) CacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

// memCache round-trips values the same way the redis cache does.
type memCache struct {
	mu   sync.Mutex
	data map[string]BedView
}

func newMemCache() *memCache { return &memCache{data: map[string]BedView{}} }

func (c *memCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return false, nil
	}
	*dest.(*BedView) = v
	return true, nil
}

func (c *memCache) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = *value.(*BedView)
	return nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

var testStart = time.Date(2026, 3, 9, 8, 30, 0, 0, time.UTC)

func newTestService(store *memStore, opts Options) (*Service, *fakeClock) {
	clock := &fakeClock{t: testStart}
	opts.Location = time.UTC
	opts.Now = clock.Now
	opts.Logger = zerolog.Nop()
	return NewService(store.repos(), passUOW{}, beddirectory.Default(), opts), clock
}
