package ingestion

import (
	"context"
	"fmt"

	"github.com/kernelci/kcidb-ingester/pkg/common/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultInsertChunk = 1000
	// PostgreSQL caps a statement at 65535 bind parameters
	aggregateIDChunk = 10000
)

// Repository writes KCIDB records to PostgreSQL.
type Repository struct {
	db      *gorm.DB
	chunk   int
	idChunk int
}

func NewRepository(db *gorm.DB, chunk int) *Repository {
	if chunk <= 0 {
		chunk = defaultInsertChunk
	}
	return &Repository{db: db, chunk: chunk, idChunk: aggregateIDChunk}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(models.AllTables()...)
}

// WriteBatch inserts every kind in dependency order and refreshes the derived
// tables, all in one transaction. Rows whose key already exists are skipped.
func (r *Repository) WriteBatch(ctx context.Context, batch *models.Batch) error {
	if batch.Empty() {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.insert(tx, models.KindIssue, &batch.Issues, len(batch.Issues)); err != nil {
			return err
		}
		if err := r.insert(tx, models.KindCheckout, &batch.Checkouts, len(batch.Checkouts)); err != nil {
			return err
		}
		if err := r.insert(tx, models.KindBuild, &batch.Builds, len(batch.Builds)); err != nil {
			return err
		}
		if err := r.insert(tx, models.KindTest, &batch.Tests, len(batch.Tests)); err != nil {
			return err
		}
		if err := r.insert(tx, models.KindIncident, &batch.Incidents, len(batch.Incidents)); err != nil {
			return err
		}
		return r.aggregate(tx, batch)
	})
}

func (r *Repository) insert(tx *gorm.DB, kind string, rows interface{}, n int) error {
	if n == 0 {
		return nil
	}
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, r.chunk).Error
	if err != nil {
		return fmt.Errorf("inserting %d %ss: %w", n, kind, err)
	}
	return nil
}

const upsertTreeHeadSQL = `
INSERT INTO tree_heads (origin, tree_name, git_repository_url, git_repository_branch,
	checkout_id, git_commit_hash, start_time, updated_at)
SELECT DISTINCT ON (c.origin, c.tree_name, c.git_repository_url, c.git_repository_branch)
	c.origin, c.tree_name, c.git_repository_url, c.git_repository_branch,
	c.id, c.git_commit_hash, c.start_time, now()
FROM checkouts c
WHERE c.id IN ? AND c.tree_name IS NOT NULL
	AND c.git_repository_url IS NOT NULL AND c.git_repository_branch IS NOT NULL
ORDER BY c.origin, c.tree_name, c.git_repository_url, c.git_repository_branch,
	c.start_time DESC NULLS LAST
ON CONFLICT (origin, tree_name, git_repository_url, git_repository_branch) DO UPDATE SET
	checkout_id = excluded.checkout_id,
	git_commit_hash = excluded.git_commit_hash,
	start_time = excluded.start_time,
	updated_at = excluded.updated_at
WHERE tree_heads.start_time IS NULL OR excluded.start_time > tree_heads.start_time`

const refreshTestSummarySQL = `
INSERT INTO checkout_test_summaries (checkout_id, pass_tests, fail_tests, skip_tests,
	error_tests, miss_tests, done_tests, null_tests, updated_at)
SELECT b.checkout_id,
	count(*) FILTER (WHERE t.status = 'PASS'),
	count(*) FILTER (WHERE t.status = 'FAIL'),
	count(*) FILTER (WHERE t.status = 'SKIP'),
	count(*) FILTER (WHERE t.status = 'ERROR'),
	count(*) FILTER (WHERE t.status = 'MISS'),
	count(*) FILTER (WHERE t.status = 'DONE'),
	count(*) FILTER (WHERE t.status IS NULL),
	now()
FROM tests t JOIN builds b ON b.id = t.build_id
WHERE b.checkout_id IN (SELECT DISTINCT checkout_id FROM builds WHERE id IN ?)
GROUP BY b.checkout_id
ON CONFLICT (checkout_id) DO UPDATE SET
	pass_tests = excluded.pass_tests,
	fail_tests = excluded.fail_tests,
	skip_tests = excluded.skip_tests,
	error_tests = excluded.error_tests,
	miss_tests = excluded.miss_tests,
	done_tests = excluded.done_tests,
	null_tests = excluded.null_tests,
	updated_at = excluded.updated_at`

// aggregate refreshes the latest checkout per tree and the per-checkout test
// status counts touched by this batch.
func (r *Repository) aggregate(tx *gorm.DB, batch *models.Batch) error {
	if len(batch.Checkouts) > 0 {
		ids := make([]string, 0, len(batch.Checkouts))
		for _, c := range batch.Checkouts {
			ids = append(ids, c.ID)
		}
		if err := r.execChunked(tx, upsertTreeHeadSQL, ids); err != nil {
			return fmt.Errorf("refreshing tree heads: %w", err)
		}
	}

	if len(batch.Tests) > 0 {
		seen := make(map[string]struct{}, len(batch.Tests))
		buildIDs := make([]string, 0, len(batch.Tests))
		for _, t := range batch.Tests {
			if _, dup := seen[t.BuildID]; dup {
				continue
			}
			seen[t.BuildID] = struct{}{}
			buildIDs = append(buildIDs, t.BuildID)
		}
		if err := r.execChunked(tx, refreshTestSummarySQL, buildIDs); err != nil {
			return fmt.Errorf("refreshing test summaries: %w", err)
		}
	}
	return nil
}

// execChunked runs query once per slice of ids, keeping each IN list under the
// server's bind parameter limit.
func (r *Repository) execChunked(tx *gorm.DB, query string, ids []string) error {
	for start := 0; start < len(ids); start += r.idChunk {
		end := min(start+r.idChunk, len(ids))
		if err := tx.Exec(query, ids[start:end]).Error; err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of stored rows of one model.
func (r *Repository) Count(ctx context.Context, model interface{}) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(model).Count(&n).Error
	return n, err
}
