package postgres

const queryInsertRun = `
INSERT INTO runs (id, automation_id, status, token, result, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryGetRun = `
SELECT id, automation_id, status, token, result, error, created_at, updated_at
FROM runs
WHERE id = $1
`

const queryListRuns = `
SELECT id, automation_id, status, token, result, error, created_at, updated_at
FROM runs
WHERE ($1 = '' OR status = $1)
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`

const queryListPendingRuns = `
SELECT id, automation_id, status, token, result, error, created_at, updated_at
FROM runs
WHERE status NOT IN ('completed', 'failed', 'cancelled')
ORDER BY created_at ASC
`

const queryGetStalePendingRuns = `
SELECT id, automation_id, status, token, result, error, created_at, updated_at
FROM runs
WHERE status = 'pending'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

const queryCheckpointRun = `
UPDATE runs
SET status = 'running', token = $2, updated_at = $3
WHERE id = $1
  AND status IN ('pending', 'running')
`

const queryResumeRun = `
UPDATE runs
SET status = 'running', token = $2, updated_at = $3
WHERE id = $1
  AND status = 'waiting_for_input'
`

const querySuspendRun = `
UPDATE runs
SET status = 'waiting_for_input', token = $2, updated_at = $3
WHERE id = $1
  AND status = 'running'
`

const queryFinishRun = `
UPDATE runs
SET status = $2, result = $3, error = $4, updated_at = $5
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled')
`

const queryGetRunStatus = `
SELECT status FROM runs WHERE id = $1
`

// The interaction_requests table carries a partial unique index on
// (run_id) WHERE status = 'open', which is what enforces the
// one-open-request-per-run invariant under concurrency.
const queryInsertRequest = `
INSERT INTO interaction_requests
    (id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at)
VALUES ($1, $2, $3, $4, 'open', NULL, '', $5, $6, $7)
`

const queryGetRequest = `
SELECT id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at
FROM interaction_requests
WHERE id = $1
`

const queryGetOpenRequestForRun = `
SELECT id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at
FROM interaction_requests
WHERE run_id = $1
  AND status = 'open'
`

const queryGetLatestRequestForRun = `
SELECT id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at
FROM interaction_requests
WHERE run_id = $1
ORDER BY created_at DESC
LIMIT 1
`

const queryCloseRequest = `
UPDATE interaction_requests
SET status = $2, reply = $3, replied_via = $4, updated_at = $5
WHERE id = $1
  AND status = 'open'
RETURNING id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at
`

const queryListOpenRequests = `
SELECT id, run_id, prompt, surfaces, status, reply, replied_via, created_at, expires_at, updated_at
FROM interaction_requests
WHERE status = 'open'
ORDER BY expires_at ASC
`

const queryGetScheduleCursor = `
SELECT fired_at FROM schedule_cursors WHERE automation_id = $1
`

const querySaveScheduleCursor = `
INSERT INTO schedule_cursors (automation_id, fired_at)
VALUES ($1, $2)
ON CONFLICT (automation_id) DO UPDATE SET fired_at = EXCLUDED.fired_at
`
