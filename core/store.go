package core

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// serializationFailure is PostgreSQL's SQLSTATE for a serializable
// transaction that lost a write-write race; ClaimNext retries on it.
const serializationFailure = "40001"

// ResultUpdate models the optional fields of an attempt result write. A nil
// field leaves the corresponding column untouched; this collapses the five
// named result-writer variants into one call shape (see DESIGN.md).
type ResultUpdate struct {
	ErrorMessage *string
	UsedTime     *float64 // seconds
	// UsedMemory is in KB, not MB despite the column's name: the reference
	// implementation's console summary divides by 1024 strictly after every
	// write for an attempt has already happened, so the KB value is what
	// ends up persisted. Reproduced verbatim rather than "fixed".
	UsedMemory     *float64
	Score          *float64
	CheckerComment *string
}

// AttemptStore is the transactional boundary to the relational queue.
type AttemptStore interface {
	RegisterWorker(ctx context.Context) (int64, error)
	Heartbeat(ctx context.Context, heartbeatID int64) error
	Unregister(ctx context.Context, heartbeatID int64) error
	ClaimNext(ctx context.Context, testerName, initialResult string, allowedCompilers, allowedRunners []string) (*Attempt, error)
	UpdateResult(ctx context.Context, attemptID int64, result string, update ResultUpdate) error
	RecordTestInfo(ctx context.Context, attemptID int64, testNumber int, verdictLabel string, usedTimeS, usedMemoryKB float64, checkerComment string) error
}

// PgAttemptStore implements AttemptStore against PostgreSQL via pgx.
type PgAttemptStore struct {
	db *pgxpool.Pool
}

func NewPgAttemptStore(db *pgxpool.Pool) *PgAttemptStore {
	return &PgAttemptStore{db: db}
}

func (s *PgAttemptStore) RegisterWorker(ctx context.Context) (int64, error) {
	const q = `INSERT INTO checker_statuses (updated_at) VALUES (NOW()) RETURNING id`
	var id int64
	if err := s.db.QueryRow(ctx, q).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PgAttemptStore) Heartbeat(ctx context.Context, heartbeatID int64) error {
	const q = `UPDATE checker_statuses SET updated_at = NOW() WHERE id = $1`
	_, err := s.db.Exec(ctx, q, heartbeatID)
	return err
}

func (s *PgAttemptStore) Unregister(ctx context.Context, heartbeatID int64) error {
	const q = `DELETE FROM checker_statuses WHERE id = $1`
	_, err := s.db.Exec(ctx, q, heartbeatID)
	return err
}

const selectUntestedAttempt = `
SELECT
    a.id, a.source,
    pic.problem_id, p.name, p.path, p.time_limit, p.memory_limit,
    p.checker, p.mask_in, p.mask_out,
    pic.contest_id, c.is_school,
    pic.number,
    u.login, u.username,
    comp.name, comp.codename, comp.runner_codename
FROM attempts a
JOIN compilers comp ON comp.id = a.compiler_id
JOIN users u ON u.id = a.user_id
JOIN problem_in_contests pic ON pic.id = a.problem_in_contest_id
JOIN problems p ON p.id = pic.problem_id
JOIN contests c ON c.id = pic.contest_id
WHERE (a.result IS NULL OR a.result = '')
AND   comp.codename = ANY($1)
AND   comp.runner_codename = ANY($2)
ORDER BY a.time
LIMIT 1
`

const acquireAttempt = `
UPDATE attempts
SET tester_name = $2,
    result = $3,
    error_message = NULL,
    checker_comment = '',
    used_time = NULL,
    used_memory = NULL,
    score = NULL,
    updated_at = NOW()
WHERE id = $1
`

// ClaimNext selects the oldest untested attempt whose compiler and runner
// codenames are both allow-listed, and atomically claims it for
// testerName. Under a serialization conflict it retries until it either
// claims an attempt or observes an empty queue.
func (s *PgAttemptStore) ClaimNext(ctx context.Context, testerName, initialResult string, allowedCompilers, allowedRunners []string) (*Attempt, error) {
	for {
		attempt, err := s.tryClaimNext(ctx, testerName, initialResult, allowedCompilers, allowedRunners)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == serializationFailure {
				continue
			}
			return nil, err
		}
		return attempt, nil
	}
}

func (s *PgAttemptStore) tryClaimNext(ctx context.Context, testerName, initialResult string, allowedCompilers, allowedRunners []string) (*Attempt, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var a Attempt
	var problem Problem
	var contest Contest
	var pic ProblemInContest
	var user User
	var compiler Compiler

	row := tx.QueryRow(ctx, selectUntestedAttempt, allowedCompilers, allowedRunners)
	err = row.Scan(
		&a.ID, &a.Source,
		&problem.ID, &problem.Name, &problem.Path, &problem.TimeLimitMS, &problem.MemoryLimitMB,
		&problem.Checker, &problem.MaskIn, &problem.MaskOut,
		&contest.ID, &contest.IsSchool,
		&pic.Number,
		&user.Login, &user.DisplayName,
		&compiler.Name, &compiler.Codename, &compiler.RunnerCodename,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, acquireAttempt, a.ID, testerName, initialResult); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	pic.Problem = problem
	pic.Contest = contest
	a.PIC = pic
	a.User = user
	a.Compiler = compiler
	return &a, nil
}

const updateAttemptResult = `
UPDATE attempts
SET result = $2,
    error_message = COALESCE($3, error_message),
    used_time = COALESCE($4, used_time),
    used_memory = COALESCE($5, used_memory),
    score = COALESCE($6, score),
    checker_comment = COALESCE($7, checker_comment),
    updated_at = NOW()
WHERE id = $1
`

func (s *PgAttemptStore) UpdateResult(ctx context.Context, attemptID int64, result string, update ResultUpdate) error {
	_, err := s.db.Exec(ctx, updateAttemptResult,
		attemptID, result,
		update.ErrorMessage, update.UsedTime, update.UsedMemory, update.Score, update.CheckerComment,
	)
	return err
}

func (s *PgAttemptStore) RecordTestInfo(ctx context.Context, attemptID int64, testNumber int, verdictLabel string, usedTimeS, usedMemoryKB float64, checkerComment string) error {
	const q = `
INSERT INTO test_infos (attempt_id, test_number, result, used_time, used_memory, checker_comment)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := s.db.Exec(ctx, q, attemptID, testNumber, verdictLabel, usedTimeS, usedMemoryKB, checkerComment)
	return err
}
