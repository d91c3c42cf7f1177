// Copyright (C) 2019 Keystorm Labs, Inc.
// See LICENSE for copying information.

package scoredb

import (
	"context"

	"keystorm.io/keystorm/pkg/utils"
)

// JobRecord is a diagnostic row for a background job.
type JobRecord struct {
	JobID     string
	Queue     string
	Payload   string
	Status    string
	Attempts  int
	LastError string
}

// RecordJob upserts the diagnostic row of a job.
func (db *DB) RecordJob(ctx context.Context, record JobRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := nowMillis()
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, queue, payload, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		record.JobID, record.Queue, record.Payload, record.Status,
		record.Attempts, nullString(record.LastError), now, now)
	return Error.Wrap(err)
}

// ListJobs returns the most recent jobs with the given status on a
// queue, newest first.
func (db *DB) ListJobs(ctx context.Context, queue, status string, limit int) (records []JobRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT job_id, queue, payload, status, attempts, COALESCE(last_error, '')
		FROM jobs WHERE queue = ? AND status = ?
		ORDER BY updated_at DESC LIMIT ?`, queue, status, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = utils.CombineErrors(err, rows.Close()) }()

	for rows.Next() {
		var record JobRecord
		err := rows.Scan(&record.JobID, &record.Queue, &record.Payload,
			&record.Status, &record.Attempts, &record.LastError)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}
