package database

import (
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

const defaultLockTimeout = 5 * time.Second

// PostgresRepository is a Repository backed by Postgres. The per-cluster lock is a row lock on the cluster
// taken with SELECT ... FOR UPDATE, bounded by lock_timeout.
type PostgresRepository struct {
	db          *pgxpool.Pool
	clock       clock.PassiveClock
	lockTimeout time.Duration
}

func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration, clock clock.PassiveClock) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &PostgresRepository{
		db:          db,
		clock:       clock,
		lockTimeout: lockTimeout,
	}
}

func (r *PostgresRepository) GetCluster(ctx *hvcontext.Context, id int64) (*model.Cluster, error) {
	return getCluster(ctx, r.db, id)
}

func (r *PostgresRepository) GetDeployment(ctx *hvcontext.Context, id int64) (*model.Deployment, error) {
	return getDeployment(ctx, r.db, id)
}

func (r *PostgresRepository) GetAllocationByDeployment(ctx *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	return getAllocationByDeployment(ctx, r.db, deploymentId)
}

func (r *PostgresRepository) SumAllocations(ctx *hvcontext.Context, clusterId int64) (model.Resources, error) {
	return sumAllocations(ctx, r.db, clusterId)
}

func (r *PostgresRepository) CreateCluster(ctx *hvcontext.Context, cluster *model.Cluster) error {
	now := r.clock.Now()
	cluster.CreatedAt = now
	cluster.ModifiedAt = now
	return insertCluster(ctx, r.db, cluster)
}

func (r *PostgresRepository) ListClusters(ctx *hvcontext.Context) ([]*model.Cluster, error) {
	return listClusters(ctx, r.db)
}

func (r *PostgresRepository) SetClusterDeleted(ctx *hvcontext.Context, id int64, deleted bool) error {
	return updateClusterDeleted(ctx, r.db, id, deleted, r.clock.Now())
}

func (r *PostgresRepository) ListDeployments(ctx *hvcontext.Context, filter DeploymentFilter) ([]*model.Deployment, error) {
	return listDeployments(ctx, r.db, filterExpressions(filter)...)
}

func (r *PostgresRepository) ListUncleanedTerminalDeployments(ctx *hvcontext.Context) ([]*model.Deployment, error) {
	return listDeployments(ctx, r.db, uncleanedTerminalExpressions()...)
}

func (r *PostgresRepository) ListAllocations(ctx *hvcontext.Context, clusterId int64) ([]*model.ResourceAllocation, error) {
	return listAllocations(ctx, r.db, clusterId)
}

func (r *PostgresRepository) WithClusterLock(ctx *hvcontext.Context, clusterId int64, action func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, r.db, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		if err := r.lockCluster(ctx, tx, clusterId); err != nil {
			return err
		}
		return action(&postgresTx{tx: tx, clock: r.clock})
	})
}

func (r *PostgresRepository) lockCluster(ctx *hvcontext.Context, tx pgx.Tx, clusterId int64) error {
	// SET doesn't accept bind parameters.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
		return errors.WithStack(err)
	}
	sql, args, err := toSQL(dialect.From(clustersTable).Select("id").
		Where(goqu.C("id").Eq(clusterId)).ForUpdate(exp.Wait).Prepared(true))
	if err != nil {
		return err
	}
	var id int64
	if err := tx.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if hasCode(err, pgerrcode.LockNotAvailable) {
			return errors.WithStack(&hverrors.ErrLockNotAcquired{ClusterId: clusterId})
		}
		return notFound(err, "cluster", clusterId)
	}
	return nil
}

// postgresTx implements Tx on top of an open pgx transaction that holds the cluster row lock.
type postgresTx struct {
	tx    pgx.Tx
	clock clock.PassiveClock
}

func (t *postgresTx) GetCluster(ctx *hvcontext.Context, id int64) (*model.Cluster, error) {
	return getCluster(ctx, t.tx, id)
}

func (t *postgresTx) GetDeployment(ctx *hvcontext.Context, id int64) (*model.Deployment, error) {
	return getDeployment(ctx, t.tx, id)
}

func (t *postgresTx) GetAllocationByDeployment(ctx *hvcontext.Context, deploymentId int64) (*model.ResourceAllocation, error) {
	return getAllocationByDeployment(ctx, t.tx, deploymentId)
}

func (t *postgresTx) SumAllocations(ctx *hvcontext.Context, clusterId int64) (model.Resources, error) {
	return sumAllocations(ctx, t.tx, clusterId)
}

func (t *postgresTx) CreateDeployment(ctx *hvcontext.Context, deployment *model.Deployment) error {
	now := t.clock.Now()
	deployment.CreatedAt = now
	deployment.ModifiedAt = now
	return insertDeployment(ctx, t.tx, deployment)
}

func (t *postgresTx) UpdateDeployment(ctx *hvcontext.Context, deployment *model.Deployment) error {
	deployment.ModifiedAt = t.clock.Now()
	return updateDeployment(ctx, t.tx, deployment)
}

func (t *postgresTx) CreateAllocation(ctx *hvcontext.Context, allocation *model.ResourceAllocation) error {
	return insertAllocation(ctx, t.tx, allocation)
}

func (t *postgresTx) DeleteAllocation(ctx *hvcontext.Context, id int64) error {
	return deleteAllocation(ctx, t.tx, id)
}
