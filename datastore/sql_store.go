package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	// postgres driver for OpenSQL("postgres", dsn)
	_ "github.com/lib/pq"

	"github.com/smartcontractkit/deployment-orchestrator/pkg/logger"
)

// SQLStore is a Datastore backed by a SQL database. Statements of one store are serialized,
// which keeps read-modify-write sequences consistent within a process.
type SQLStore struct {
	mu   sync.Mutex
	db   *dbController
	raw  *sql.DB
	seq  int64
	refs *sqlContractRefStore
}

var _ Datastore = (*SQLStore)(nil)

// OpenSQL opens a database and prepares the schema. driver is "postgres" in production.
func OpenSQL(ctx context.Context, lggr logger.Logger, driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	s, err := NewSQLStore(ctx, lggr, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// NewSQLStore prepares the schema on db and returns a store using it.
func NewSQLStore(ctx context.Context, lggr logger.Logger, db *sql.DB) (*SQLStore, error) {
	ctrl := newDBController(lggr.Named("datastore"), db)
	for name, stmt := range map[string]string{
		"documents":     schemaDocuments,
		"transitions":   schemaTransitions,
		"contract refs": schemaContractRefs,
	} {
		if _, err := ctrl.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create %s schema: %w", name, err)
		}
	}

	s := &SQLStore{db: ctrl, raw: db}
	s.refs = &sqlContractRefStore{store: s}

	return s, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.raw.Close()
}

func (s *SQLStore) Contracts() ContractRefStore {
	return s.refs
}

// withTransaction runs fn inside a transaction. The caller holds s.mu.
func (s *SQLStore) withTransaction(ctx context.Context, fn func() error) (err error) {
	if err = s.db.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = s.db.Rollback()
			panic(r)
		}
		if err != nil {
			err = errors.Join(err, s.db.Rollback())
			return
		}
		err = s.db.Commit()
	}()

	return fn()
}

func documentKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}

func (s *SQLStore) Put(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%s document without id", doc.Kind)
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	key := documentKey(doc.Kind, doc.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTransaction(ctx, func() error {
		found, err := s.db.exists(ctx, queryDocumentExists, key)
		if err != nil {
			return err
		}
		if found {
			_, err = s.db.Exec(ctx, queryUpdateDocument, doc.Status, string(doc.Body), doc.UpdatedAt.UnixNano(), key)
		} else {
			_, err = s.db.Exec(ctx, queryInsertDocument, key, string(doc.Kind), doc.ID, doc.Status, string(doc.Body), doc.UpdatedAt.UnixNano())
		}

		return err
	})
}

func (s *SQLStore) Get(ctx context.Context, kind Kind, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(ctx, queryGetDocument, documentKey(kind, id))
	if err != nil {
		return Document{}, err
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return Document{}, err
	}
	if len(docs) == 0 {
		return Document{}, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}

	return docs[0], nil
}

func (s *SQLStore) List(ctx context.Context, kind Kind) ([]Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(ctx, queryListDocuments, string(kind))
	if err != nil {
		return nil, err
	}

	return scanDocuments(rows)
}

func (s *SQLStore) Delete(ctx context.Context, kind Kind, id string) error {
	key := documentKey(kind, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.db.exists(ctx, queryDocumentExists, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	_, err = s.db.Exec(ctx, queryDeleteDocument, key)

	return err
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			doc       Document
			kind      string
			body      sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&kind, &doc.ID, &doc.Status, &body, &updatedAt); err != nil {
			return nil, err
		}
		doc.Kind = Kind(kind)
		if body.Valid && body.String != "" {
			doc.Body = json.RawMessage(body.String)
		}
		doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, doc)
	}

	return out, rows.Err()
}

// nextSeq returns a strictly increasing sequence number. The caller holds s.mu.
func (s *SQLStore) nextSeq() int64 {
	n := time.Now().UnixNano()
	if n <= s.seq {
		n = s.seq + 1
	}
	s.seq = n

	return n
}

func (s *SQLStore) AppendTransition(ctx context.Context, t Transition) error {
	if t.EntityID == "" {
		return errors.New("transition without entity id")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	meta := ""
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return err
		}
		meta = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(ctx, queryInsertTransition,
		s.nextSeq(), t.EntityID, t.Scope, t.From, t.To, meta, t.Timestamp.UnixNano())

	return err
}

func (s *SQLStore) ListHistory(ctx context.Context, entityID string) ([]Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(ctx, queryListTransitions, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t                 Transition
			scope, from, meta sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&t.EntityID, &scope, &from, &t.To, &meta, &createdAt); err != nil {
			return nil, err
		}
		t.Scope, t.From = scope.String, from.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("transition metadata: %w", err)
			}
		}
		t.Timestamp = time.Unix(0, createdAt).UTC()
		out = append(out, t)
	}

	return out, rows.Err()
}

type sqlContractRefStore struct {
	store *SQLStore
}

var _ ContractRefStore = (*sqlContractRefStore)(nil)

func (r *sqlContractRefStore) Add(ctx context.Context, ref ContractRef) error {
	return r.write(ctx, ref, false)
}

func (r *sqlContractRefStore) Upsert(ctx context.Context, ref ContractRef) error {
	return r.write(ctx, ref, true)
}

func (r *sqlContractRefStore) write(ctx context.Context, ref ContractRef, replace bool) error {
	key := ref.Key()
	version := ""
	if ref.Version != nil {
		version = ref.Version.String()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTransaction(ctx, func() error {
		found, err := s.db.exists(ctx, queryContractRefExists, key.String())
		if err != nil {
			return err
		}
		switch {
		case found && !replace:
			return fmt.Errorf("contract %s: %w", key, ErrAlreadyExists)
		case found:
			_, err = s.db.Exec(ctx, queryUpdateContractRef,
				ref.Type, version, ref.PlanID, ref.NodeID, ref.TxHash, ref.Labels.String(), key.String())
		default:
			_, err = s.db.Exec(ctx, queryInsertContractRef,
				key.String(), strconv.FormatUint(ref.ChainSelector, 10), key.Address, ref.Type, version,
				ref.PlanID, ref.NodeID, ref.TxHash, ref.Labels.String(), s.nextSeq())
		}

		return err
	})
}

func (r *sqlContractRefStore) Get(ctx context.Context, key ContractRefKey) (ContractRef, error) {
	key = NewContractRefKey(key.ChainSelector, key.Address)

	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(ctx, queryGetContractRef, key.String())
	if err != nil {
		return ContractRef{}, err
	}
	refs, err := scanContractRefs(rows)
	if err != nil {
		return ContractRef{}, err
	}
	if len(refs) == 0 {
		return ContractRef{}, fmt.Errorf("contract %s: %w", key, ErrNotFound)
	}

	return refs[0], nil
}

func (r *sqlContractRefStore) Fetch(ctx context.Context) ([]ContractRef, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(ctx, queryListContractRefs)
	if err != nil {
		return nil, err
	}

	return scanContractRefs(rows)
}

func (r *sqlContractRefStore) Filter(ctx context.Context, filters ...FilterFunc) ([]ContractRef, error) {
	refs, err := r.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch records: %w", err)
	}

	return applyFilters(refs, filters), nil
}

func scanContractRefs(rows *sql.Rows) ([]ContractRef, error) {
	defer rows.Close()

	var out []ContractRef
	for rows.Next() {
		var (
			ref                                ContractRef
			selector                           string
			version, planID, nodeID, txHash, l sql.NullString
			createdAt                          int64
		)
		if err := rows.Scan(&selector, &ref.Address, &ref.Type, &version, &planID, &nodeID, &txHash, &l, &createdAt); err != nil {
			return nil, err
		}
		sel, err := strconv.ParseUint(selector, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain selector %q: %w", selector, err)
		}
		ref.ChainSelector = sel
		if version.String != "" {
			if ref.Version, err = semver.NewVersion(version.String); err != nil {
				return nil, fmt.Errorf("contract version %q: %w", version.String, err)
			}
		}
		ref.PlanID, ref.NodeID, ref.TxHash = planID.String, nodeID.String, txHash.String
		if err := ref.Labels.Scan(l.String); err != nil {
			return nil, err
		}
		ref.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, ref)
	}

	return out, rows.Err()
}
