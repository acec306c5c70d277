package postgres

// SQL for the command idempotency gate, ledger heads, and the receipt index.

const (
	// queryAdvisoryLock serializes all commands touching one resource.
	// hashtextextended folds the account:resource key to the bigint the
	// advisory lock needs; the lock releases with the transaction.
	queryAdvisoryLock = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	// queryGetIdempotency reads one idempotency row and locks it for the
	// rest of the transaction, so concurrent retries queue behind the
	// first writer instead of double-executing.
	queryGetIdempotency = `
		SELECT account_id, route_template, resource_id, idempotency_key,
			request_hash, status, http_status, response_body,
			error_code, error_body, event_id, expires_at
		FROM command_idempotency
		WHERE account_id = $1
		  AND route_template = $2
		  AND resource_id = $3
		  AND idempotency_key = $4
		FOR UPDATE
	`

	queryCreateIdempotency = `
		INSERT INTO command_idempotency
			(account_id, route_template, resource_id, idempotency_key,
			 request_hash, status, http_status, response_body,
			 error_code, error_body, event_id, expires_at, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, 'in_progress', 202, $6::jsonb,
			 NULL, NULL, NULL, NOW() + ($7 * INTERVAL '1 second'), NOW(), NOW())
	`

	queryRestartIdempotency = `
		UPDATE command_idempotency
		SET request_hash = $5,
			status = 'in_progress',
			http_status = 202,
			response_body = $6::jsonb,
			error_code = NULL,
			error_body = NULL,
			event_id = NULL,
			expires_at = NOW() + ($7 * INTERVAL '1 second'),
			updated_at = NOW()
		WHERE account_id = $1
		  AND route_template = $2
		  AND resource_id = $3
		  AND idempotency_key = $4
	`

	queryCompleteIdempotency = `
		UPDATE command_idempotency
		SET request_hash = $5,
			status = 'succeeded',
			http_status = $6,
			response_body = $7::jsonb,
			error_code = NULL,
			error_body = NULL,
			event_id = $8,
			expires_at = NOW() + ($9 * INTERVAL '1 second'),
			updated_at = NOW()
		WHERE account_id = $1
		  AND route_template = $2
		  AND resource_id = $3
		  AND idempotency_key = $4
	`

	queryFailIdempotency = `
		UPDATE command_idempotency
		SET request_hash = $5,
			status = 'failed',
			http_status = $6,
			response_body = $7::jsonb,
			error_code = $8,
			error_body = $9::jsonb,
			expires_at = NOW() + ($10 * INTERVAL '1 second'),
			updated_at = NOW()
		WHERE account_id = $1
		  AND route_template = $2
		  AND resource_id = $3
		  AND idempotency_key = $4
	`

	// queryGetLedgerHead locks the head row while a command decides whether
	// the append wins its optimistic concurrency check.
	queryGetLedgerHead = `
		SELECT account_id, resource_id, last_event_id, last_hash, stream_version
		FROM ledger_heads
		WHERE account_id = $1
		  AND resource_id = $2
		FOR UPDATE
	`

	queryUpsertLedgerHead = `
		INSERT INTO ledger_heads
			(account_id, resource_id, last_event_id, last_hash, stream_version, updated_at)
		VALUES
			($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id, resource_id)
		DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			last_hash = EXCLUDED.last_hash,
			stream_version = EXCLUDED.stream_version,
			updated_at = NOW()
	`

	queryInsertReceipt = `
		INSERT INTO receipt_index
			(account_id, resource_id, event_id, stream_version, event_type,
			 created_at, prev_hash, hash, body, signing_identity_id, idempotency_key)
		VALUES
			($1, $2, $3, $4, $5, $6::timestamptz, $7, $8, $9::jsonb, $10, $11)
	`

	queryListActiveIdentities = `
		SELECT id, account_id, key_ref, public_key_pem, public_key_id, status
		FROM signing_identities
		WHERE account_id = $1
		  AND status = 'active'
		ORDER BY created_at ASC
	`

	queryInsertIdentity = `
		INSERT INTO signing_identities
			(id, account_id, key_ref, public_key_pem, public_key_id, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`
)
