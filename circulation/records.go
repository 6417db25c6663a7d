package circulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Records is a typed view over a RecordStore.
type Records struct {
	Store RecordStore
}

func NewRecords(store RecordStore) *Records {
	return &Records{Store: store}
}

// Rules loads librarySettings, defaulting anything absent.
func (r *Records) Rules(ctx context.Context) (Rules, error) {
	raw, ok, err := r.Store.Get(ctx, SettingsPath)
	if err != nil {
		return Rules{}, storeErr("load settings", err)
	}
	if !ok {
		return DefaultRules(), nil
	}
	var rules Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return Rules{}, fmt.Errorf("decode settings: %w", err)
	}
	v, fineSet, _ := FieldOf(raw, "finePerDay")
	if fineSet && bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		fineSet = false
	}
	return rules.withDefaults(fineSet), nil
}

// SaveRules replaces the settings singleton.
func (r *Records) SaveRules(ctx context.Context, rules Rules) error {
	if err := r.Store.Set(ctx, SettingsPath, rules); err != nil {
		return storeErr("save settings", err)
	}
	return nil
}

// Loans returns every loan ordered by id.
func (r *Records) Loans(ctx context.Context) ([]Loan, error) {
	return loadAll(ctx, r.Store, CollectionBorrows, func(id string, l *Loan) { l.ID = LoanID(id) })
}

// Fines returns every fine ordered by id.
func (r *Records) Fines(ctx context.Context) ([]Fine, error) {
	return loadAll(ctx, r.Store, CollectionFines, func(id string, f *Fine) { f.ID = FineID(id) })
}

func (r *Records) Students(ctx context.Context) ([]Student, error) {
	return loadAll(ctx, r.Store, CollectionStudents, func(id string, s *Student) { s.ID = StudentID(id) })
}

func (r *Records) Books(ctx context.Context) ([]Book, error) {
	return loadAll(ctx, r.Store, CollectionBooks, func(id string, b *Book) { b.ID = BookID(id) })
}

func (r *Records) Loan(ctx context.Context, id LoanID) (Loan, error) {
	l, err := loadOne(ctx, r.Store, CollectionBorrows, string(id), ErrLoanNotFound, func(l *Loan) { l.ID = id })
	return l, err
}

func (r *Records) Fine(ctx context.Context, id FineID) (Fine, error) {
	return loadOne(ctx, r.Store, CollectionFines, string(id), ErrFineNotFound, func(f *Fine) { f.ID = id })
}

func (r *Records) Student(ctx context.Context, id StudentID) (Student, error) {
	return loadOne(ctx, r.Store, CollectionStudents, string(id), ErrStudentNotFound, func(s *Student) { s.ID = id })
}

func (r *Records) Book(ctx context.Context, id BookID) (Book, error) {
	return loadOne(ctx, r.Store, CollectionBooks, string(id), ErrBookNotFound, func(b *Book) { b.ID = id })
}

// AddStudent appends a student and returns it with its generated id.
func (r *Records) AddStudent(ctx context.Context, s Student) (Student, error) {
	id, err := r.Store.Push(ctx, CollectionStudents, s)
	if err != nil {
		return Student{}, storeErr("add student", err)
	}
	s.ID = StudentID(id)
	return s, nil
}

// AddBook appends a book and returns it with its generated id.
func (r *Records) AddBook(ctx context.Context, b Book) (Book, error) {
	id, err := r.Store.Push(ctx, CollectionBooks, b)
	if err != nil {
		return Book{}, storeErr("add book", err)
	}
	b.ID = BookID(id)
	return b, nil
}

func loadAll[T any](ctx context.Context, store RecordStore, collection string, setID func(string, *T)) ([]T, error) {
	tree, err := store.GetSubtree(ctx, collection)
	if err != nil {
		return nil, storeErr("load "+collection, err)
	}
	ids := make([]string, 0, len(tree))
	for id := range tree {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		var v T
		if err := json.Unmarshal(tree[id], &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		setID(id, &v)
		out = append(out, v)
	}
	return out, nil
}

func loadOne[T any](ctx context.Context, store RecordStore, collection, id string, notFound error, setID func(*T)) (T, error) {
	var v T
	raw, ok, err := store.Get(ctx, RecordPath(collection, id))
	if err != nil {
		return v, storeErr("load "+collection, err)
	}
	if !ok {
		return v, fmt.Errorf("%w: %s", notFound, id)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	setID(&v)
	return v, nil
}
