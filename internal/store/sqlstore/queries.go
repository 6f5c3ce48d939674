package sqlstore

const postColumns = `
    id, chat_id, text, media_refs, fire_at, status, attempts, last_error,
    claimed_at, created_at, updated_at`

const queryInsertPost = `
INSERT INTO posts (id, chat_id, text, media_refs, fire_at, status, attempts, last_error, claimed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const queryGetPost = `
SELECT` + postColumns + `
FROM posts
WHERE id = $1
`

const queryListPending = `
SELECT` + postColumns + `
FROM posts
WHERE status = 'pending'
ORDER BY fire_at, id
LIMIT $1 OFFSET $2
`

const queryGetPostStatus = `
SELECT status FROM posts WHERE id = $1
`

const queryClaimPost = `
UPDATE posts
SET status = 'firing', claimed_at = $1, updated_at = $1
WHERE id = $2
  AND status = 'pending'
`

const queryMarkMissed = `
UPDATE posts
SET status = 'missed', updated_at = $1
WHERE id = $2
  AND status = 'pending'
`

const queryCancelPost = `
UPDATE posts
SET status = 'cancelled', updated_at = $1
WHERE id = $2
  AND status = 'pending'
`

const queryCompletePost = `
UPDATE posts
SET status = $1, attempts = $2, last_error = $3, updated_at = $4
WHERE id = $5
  AND status = 'firing'
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, post_id, attempt, outcome, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryListDeliveryAttempts = `
SELECT id, post_id, attempt, outcome, error, started_at, finished_at
FROM delivery_attempts
WHERE post_id = $1
ORDER BY attempt, started_at
`

const queryGetOrphanedPosts = `
SELECT` + postColumns + `
FROM posts
WHERE status = 'firing'
  AND claimed_at < $1
ORDER BY claimed_at
LIMIT $2
`

const queryPurgeTerminalAttempts = `
DELETE FROM delivery_attempts
WHERE post_id IN (
    SELECT id FROM posts
    WHERE status IN ('sent', 'failed', 'cancelled', 'missed')
      AND updated_at < $1
)
`

const queryPurgeTerminalPosts = `
DELETE FROM posts
WHERE status IN ('sent', 'failed', 'cancelled', 'missed')
  AND updated_at < $1
`

const queryPing = `SELECT 1`
