package database

import (
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/hypervisor-io/hypervisor/internal/common/database"
	"github.com/hypervisor-io/hypervisor/internal/common/hvcontext"
	"github.com/hypervisor-io/hypervisor/internal/common/hverrors"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

const (
	clustersTable    = "clusters"
	deploymentsTable = "deployments"
	allocationsTable = "resource_allocations"
)

var dialect = goqu.Dialect("postgres")

var clusterColumns = []interface{}{
	"id", "name", "organization_id", "cpu", "ram", "gpu", "is_deleted", "created_at", "modified_at",
}

var deploymentColumns = []interface{}{
	"id", "priority", "cpu_required", "ram_required", "gpu_required", "image_path", "cluster_id", "status",
	"queued_at", "started_at", "completed_at", "is_deleted", "created_at", "modified_at",
}

var allocationColumns = []interface{}{
	"id", "cluster_id", "deployment_id", "cpu_allocated", "ram_allocated", "gpu_allocated", "allocated_at",
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func toSQL(b sqlBuilder) (string, []interface{}, error) {
	sql, args, err := b.ToSQL()
	if err != nil {
		return "", nil, errors.WithStack(err)
	}
	return sql, args, nil
}

func scanCluster(row pgx.Row) (*model.Cluster, error) {
	c := &model.Cluster{}
	err := row.Scan(
		&c.Id, &c.Name, &c.OrganizationId, &c.Total.Cpu, &c.Total.Ram, &c.Total.Gpu,
		&c.IsDeleted, &c.CreatedAt, &c.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanDeployment(row pgx.Row) (*model.Deployment, error) {
	d := &model.Deployment{}
	var status string
	err := row.Scan(
		&d.Id, &d.Priority, &d.Required.Cpu, &d.Required.Ram, &d.Required.Gpu, &d.ImagePath, &d.ClusterId,
		&status, &d.QueuedAt, &d.StartedAt, &d.CompletedAt, &d.IsDeleted, &d.CreatedAt, &d.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = model.DeploymentStatus(status)
	return d, nil
}

func scanAllocation(row pgx.Row) (*model.ResourceAllocation, error) {
	a := &model.ResourceAllocation{}
	err := row.Scan(
		&a.Id, &a.ClusterId, &a.DeploymentId, &a.Allocated.Cpu, &a.Allocated.Ram, &a.Allocated.Gpu, &a.AllocatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func notFound(err error, resourceType string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.WithStack(&hverrors.ErrNotFound{Type: resourceType, Value: strconv.FormatInt(id, 10)})
	}
	return errors.WithStack(err)
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func getCluster(ctx *hvcontext.Context, q database.Querier, id int64) (*model.Cluster, error) {
	sql, args, err := toSQL(dialect.From(clustersTable).Select(clusterColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return nil, err
	}
	c, err := scanCluster(q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(err, "cluster", id)
	}
	return c, nil
}

func getDeployment(ctx *hvcontext.Context, q database.Querier, id int64) (*model.Deployment, error) {
	sql, args, err := toSQL(dialect.From(deploymentsTable).Select(deploymentColumns...).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return nil, err
	}
	d, err := scanDeployment(q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(err, "deployment", id)
	}
	return d, nil
}

func getAllocationByDeployment(ctx *hvcontext.Context, q database.Querier, deploymentId int64) (*model.ResourceAllocation, error) {
	sql, args, err := toSQL(dialect.From(allocationsTable).Select(allocationColumns...).
		Where(goqu.C("deployment_id").Eq(deploymentId)).Prepared(true))
	if err != nil {
		return nil, err
	}
	a, err := scanAllocation(q.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, notFound(err, "resource_allocation", deploymentId)
	}
	return a, nil
}

func sumAllocations(ctx *hvcontext.Context, q database.Querier, clusterId int64) (model.Resources, error) {
	// SUM over BIGINT yields NUMERIC, hence the casts.
	sql, args, err := toSQL(dialect.From(allocationsTable).
		Select(
			goqu.L("COALESCE(SUM(cpu_allocated), 0)::BIGINT"),
			goqu.L("COALESCE(SUM(ram_allocated), 0)::BIGINT"),
			goqu.L("COALESCE(SUM(gpu_allocated), 0)::BIGINT"),
		).
		Where(goqu.C("cluster_id").Eq(clusterId)).Prepared(true))
	if err != nil {
		return model.Resources{}, err
	}
	var r model.Resources
	if err := q.QueryRow(ctx, sql, args...).Scan(&r.Cpu, &r.Ram, &r.Gpu); err != nil {
		return model.Resources{}, errors.WithStack(err)
	}
	return r, nil
}

func listClusters(ctx *hvcontext.Context, q database.Querier) ([]*model.Cluster, error) {
	sql, args, err := toSQL(dialect.From(clustersTable).Select(clusterColumns...).Order(goqu.C("id").Asc()).Prepared(true))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var clusters []*model.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		clusters = append(clusters, c)
	}
	return clusters, errors.WithStack(rows.Err())
}

func listDeployments(ctx *hvcontext.Context, q database.Querier, where ...exp.Expression) ([]*model.Deployment, error) {
	sql, args, err := toSQL(dialect.From(deploymentsTable).Select(deploymentColumns...).
		Where(where...).Order(goqu.C("id").Asc()).Prepared(true))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var deployments []*model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		deployments = append(deployments, d)
	}
	return deployments, errors.WithStack(rows.Err())
}

func filterExpressions(filter DeploymentFilter) []exp.Expression {
	var where []exp.Expression
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, goqu.C("status").In(statuses))
	}
	if filter.ClusterId != nil {
		where = append(where, goqu.C("cluster_id").Eq(*filter.ClusterId))
	}
	if !filter.IncludeDeleted {
		where = append(where, goqu.C("is_deleted").IsFalse())
	}
	return where
}

func uncleanedTerminalExpressions() []exp.Expression {
	return []exp.Expression{
		goqu.C("is_deleted").IsFalse(),
		goqu.C("status").In(string(model.DeploymentCompleted), string(model.DeploymentFailed)),
		goqu.Or(
			goqu.C("completed_at").IsNull(),
			goqu.L("EXISTS (SELECT 1 FROM resource_allocations a WHERE a.deployment_id = deployments.id)"),
		),
	}
}

func listAllocations(ctx *hvcontext.Context, q database.Querier, clusterId int64) ([]*model.ResourceAllocation, error) {
	sql, args, err := toSQL(dialect.From(allocationsTable).Select(allocationColumns...).
		Where(goqu.C("cluster_id").Eq(clusterId)).Order(goqu.C("id").Asc()).Prepared(true))
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var allocations []*model.ResourceAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		allocations = append(allocations, a)
	}
	return allocations, errors.WithStack(rows.Err())
}

func insertCluster(ctx *hvcontext.Context, q database.Querier, c *model.Cluster) error {
	sql, args, err := toSQL(dialect.Insert(clustersTable).Rows(goqu.Record{
		"name":            c.Name,
		"organization_id": c.OrganizationId,
		"cpu":             c.Total.Cpu,
		"ram":             c.Total.Ram,
		"gpu":             c.Total.Gpu,
		"is_deleted":      c.IsDeleted,
		"created_at":      c.CreatedAt,
		"modified_at":     c.ModifiedAt,
	}).Returning("id").Prepared(true))
	if err != nil {
		return err
	}
	return errors.WithStack(q.QueryRow(ctx, sql, args...).Scan(&c.Id))
}

func updateClusterDeleted(ctx *hvcontext.Context, q database.Querier, id int64, deleted bool, now time.Time) error {
	sql, args, err := toSQL(dialect.Update(clustersTable).
		Set(goqu.Record{"is_deleted": deleted, "modified_at": now}).
		Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&hverrors.ErrNotFound{Type: "cluster", Value: strconv.FormatInt(id, 10)})
	}
	return nil
}

func deploymentRecord(d *model.Deployment) goqu.Record {
	return goqu.Record{
		"priority":     d.Priority,
		"cpu_required": d.Required.Cpu,
		"ram_required": d.Required.Ram,
		"gpu_required": d.Required.Gpu,
		"image_path":   d.ImagePath,
		"cluster_id":   d.ClusterId,
		"status":       string(d.Status),
		"queued_at":    d.QueuedAt,
		"started_at":   nullableTime(d.StartedAt),
		"completed_at": nullableTime(d.CompletedAt),
		"is_deleted":   d.IsDeleted,
		"created_at":   d.CreatedAt,
		"modified_at":  d.ModifiedAt,
	}
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func insertDeployment(ctx *hvcontext.Context, q database.Querier, d *model.Deployment) error {
	sql, args, err := toSQL(dialect.Insert(deploymentsTable).Rows(deploymentRecord(d)).Returning("id").Prepared(true))
	if err != nil {
		return err
	}
	return errors.WithStack(q.QueryRow(ctx, sql, args...).Scan(&d.Id))
}

func updateDeployment(ctx *hvcontext.Context, q database.Querier, d *model.Deployment) error {
	sql, args, err := toSQL(dialect.Update(deploymentsTable).Set(deploymentRecord(d)).
		Where(goqu.C("id").Eq(d.Id)).Prepared(true))
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&hverrors.ErrNotFound{Type: "deployment", Value: strconv.FormatInt(d.Id, 10)})
	}
	return nil
}

func insertAllocation(ctx *hvcontext.Context, q database.Querier, a *model.ResourceAllocation) error {
	sql, args, err := toSQL(dialect.Insert(allocationsTable).Rows(goqu.Record{
		"cluster_id":    a.ClusterId,
		"deployment_id": a.DeploymentId,
		"cpu_allocated": a.Allocated.Cpu,
		"ram_allocated": a.Allocated.Ram,
		"gpu_allocated": a.Allocated.Gpu,
		"allocated_at":  a.AllocatedAt,
	}).Returning("id").Prepared(true))
	if err != nil {
		return err
	}
	if err := q.QueryRow(ctx, sql, args...).Scan(&a.Id); err != nil {
		if hasCode(err, pgerrcode.UniqueViolation) {
			return errors.WithStack(&hverrors.ErrAlreadyExists{
				Type:  "resource_allocation",
				Value: strconv.FormatInt(a.DeploymentId, 10),
			})
		}
		return errors.WithStack(err)
	}
	return nil
}

func deleteAllocation(ctx *hvcontext.Context, q database.Querier, id int64) error {
	sql, args, err := toSQL(dialect.Delete(allocationsTable).Where(goqu.C("id").Eq(id)).Prepared(true))
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.WithStack(&hverrors.ErrNotFound{Type: "resource_allocation", Value: strconv.FormatInt(id, 10)})
	}
	return nil
}
