package datastore

// The schema sticks to TEXT and BIGINT columns with single column keys so that it runs
// unchanged on postgres and on the ramsql driver used in tests. Chain selectors exceed the
// BIGINT range and are stored as text.
const (
	schemaDocuments = `
		CREATE TABLE IF NOT EXISTS documents (
			doc_key    TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			id         TEXT NOT NULL,
			status     TEXT NOT NULL,
			body       TEXT,
			updated_at BIGINT NOT NULL
		);`

	schemaTransitions = `
		CREATE TABLE IF NOT EXISTS transitions (
			seq         BIGINT PRIMARY KEY,
			entity_id   TEXT NOT NULL,
			scope       TEXT,
			from_status TEXT,
			to_status   TEXT NOT NULL,
			metadata    TEXT,
			created_at  BIGINT NOT NULL
		);`

	schemaContractRefs = `
		CREATE TABLE IF NOT EXISTS contract_refs (
			ref_key        TEXT PRIMARY KEY,
			chain_selector TEXT NOT NULL,
			address        TEXT NOT NULL,
			contract_type  TEXT NOT NULL,
			version        TEXT,
			plan_id        TEXT,
			node_id        TEXT,
			tx_hash        TEXT,
			labels         TEXT,
			created_at     BIGINT NOT NULL
		);`
)

const (
	queryDocumentExists = `SELECT doc_key FROM documents WHERE doc_key = $1`
	queryInsertDocument = `INSERT INTO documents (doc_key, kind, id, status, body, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`
	queryUpdateDocument = `UPDATE documents SET status = $1, body = $2, updated_at = $3 WHERE doc_key = $4`
	queryGetDocument    = `SELECT kind, id, status, body, updated_at FROM documents WHERE doc_key = $1`
	queryListDocuments  = `SELECT kind, id, status, body, updated_at FROM documents WHERE kind = $1 ORDER BY id ASC`
	queryDeleteDocument = `DELETE FROM documents WHERE doc_key = $1`

	queryInsertTransition = `INSERT INTO transitions (seq, entity_id, scope, from_status, to_status, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`
	queryListTransitions  = `SELECT entity_id, scope, from_status, to_status, metadata, created_at FROM transitions WHERE entity_id = $1 ORDER BY seq ASC`

	queryContractRefExists = `SELECT ref_key FROM contract_refs WHERE ref_key = $1`
	queryInsertContractRef = `INSERT INTO contract_refs (ref_key, chain_selector, address, contract_type, version, plan_id, node_id, tx_hash, labels, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	queryUpdateContractRef = `UPDATE contract_refs SET contract_type = $1, version = $2, plan_id = $3, node_id = $4, tx_hash = $5, labels = $6 WHERE ref_key = $7`
	queryGetContractRef    = `SELECT chain_selector, address, contract_type, version, plan_id, node_id, tx_hash, labels, created_at FROM contract_refs WHERE ref_key = $1`
	queryListContractRefs  = `SELECT chain_selector, address, contract_type, version, plan_id, node_id, tx_hash, labels, created_at FROM contract_refs ORDER BY created_at ASC`
)
