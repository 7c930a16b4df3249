package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/europeana/metis-framework-sub004/pkg/models"
	"github.com/europeana/metis-framework-sub004/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var _ storage.Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db  DBInterface
	now func() time.Time
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (*PostgresStore, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "begin transaction")
		}
		return &PostgresStore{db: tx, now: s.now}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// inTx runs fn in a transaction. A store that already is a transaction runs
// fn directly and leaves the outcome to its owner.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if _, ok := s.db.(*sqlx.Tx); ok {
		return fn(s)
	}
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit transaction")
}

// stageRow is the stored shape of a StageExecution.
type stageRow struct {
	ExecutionID string `db:"execution_id"`
	Index       int    `db:"stage_index"`
	models.StageExecution
	Processed  sql.NullInt64 `db:"processed"`
	Errors     sql.NullInt64 `db:"errors"`
	Total      sql.NullInt64 `db:"total"`
	ConfigJSON []byte        `db:"config"`
}

func toStageRow(executionID string, index int, st models.StageExecution) (stageRow, error) {
	cfg, err := json.Marshal(st.Config)
	if err != nil {
		return stageRow{}, errors.Wrap(err, "encode stage config")
	}
	row := stageRow{ExecutionID: executionID, Index: index, StageExecution: st, ConfigJSON: cfg}
	if st.Progress != nil {
		row.Processed = sql.NullInt64{Int64: int64(st.Progress.Processed), Valid: true}
		row.Errors = sql.NullInt64{Int64: int64(st.Progress.Errors), Valid: true}
		row.Total = sql.NullInt64{Int64: int64(st.Progress.Total), Valid: true}
	}
	return row, nil
}

func (r stageRow) stage() (models.StageExecution, error) {
	st := r.StageExecution
	if err := json.Unmarshal(r.ConfigJSON, &st.Config); err != nil {
		return models.StageExecution{}, errors.Wrapf(err, "decode config of stage %d of execution %s", r.Index, r.ExecutionID)
	}
	if r.Processed.Valid {
		st.Progress = &models.Progress{
			Processed: int(r.Processed.Int64),
			Errors:    int(r.Errors.Int64),
			Total:     int(r.Total.Int64),
		}
	}
	return st, nil
}

const executionColumns = `id, dataset_id, status, cancelling, cancelled_by, priority, predecessor_task_id,
	created_date, started_date, updated_date, finished_date, owner`

const stageColumns = `execution_id, stage_index, stage_type, status, enabled, external_task_id,
	started_date, finished_date, processed, errors, total, config`

// InsertExecution stores the execution and its stages atomically.
func (s *PostgresStore) InsertExecution(ctx context.Context, e models.WorkflowExecution) error {
	return s.inTx(ctx, func(tx *PostgresStore) error {
		_, err := tx.db.ExecContext(ctx, `
			INSERT INTO workflow_executions (`+executionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.DatasetID, e.Status, e.Cancelling, e.CancelledBy, e.Priority, e.PredecessorTaskID,
			e.CreatedDate, e.StartedDate, e.UpdatedDate, e.FinishedDate, e.Owner)
		if err != nil {
			return errors.Wrapf(err, "insert execution %s", e.ID)
		}
		for i, st := range e.Stages {
			row, err := toStageRow(e.ID, i, st)
			if err != nil {
				return err
			}
			_, err = tx.db.ExecContext(ctx, `
				INSERT INTO stage_executions (`+stageColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				row.ExecutionID, row.Index, row.Type, row.Status, row.Enabled, row.ExternalTaskID,
				row.StartedDate, row.FinishedDate, row.Processed, row.Errors, row.Total, row.ConfigJSON)
			if err != nil {
				return errors.Wrapf(err, "insert stage %d of execution %s", i, e.ID)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.GetContext(ctx, &e, "SELECT "+executionColumns+" FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkflowExecution{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowExecution{}, errors.Wrapf(err, "get execution %s", id)
	}
	stages, err := s.loadStages(ctx, []string{id})
	if err != nil {
		return models.WorkflowExecution{}, err
	}
	e.Stages = stages[id]
	return e, nil
}

func (s *PostgresStore) loadStages(ctx context.Context, ids []string) (map[string][]models.StageExecution, error) {
	var rows []stageRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT "+stageColumns+" FROM stage_executions WHERE execution_id = ANY($1) ORDER BY execution_id, stage_index",
		pq.Array(ids))
	if err != nil {
		return nil, errors.Wrap(err, "load stages")
	}
	out := make(map[string][]models.StageExecution, len(ids))
	for _, r := range rows {
		st, err := r.stage()
		if err != nil {
			return nil, err
		}
		out[r.ExecutionID] = append(out[r.ExecutionID], st)
	}
	return out, nil
}

// changed converts a conditional update result into the CAS outcome. When
// nothing changed it tells a failed condition apart from a missing row.
func (s *PostgresStore) changed(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE id = $1)", id); err != nil {
		return false, errors.Wrapf(err, "look up execution %s", id)
	}
	if !exists {
		return false, storage.ErrNotFound
	}
	return false, nil
}

// ownedChanged is changed for updates conditioned on owner. When nothing
// changed it also reports a foreign owner as ErrNotOwner.
func (s *PostgresStore) ownedChanged(ctx context.Context, res sql.Result, id, owner string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if n > 0 {
		return true, nil
	}
	var current string
	err = s.db.GetContext(ctx, &current, "SELECT owner FROM workflow_executions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return false, storage.ErrNotFound
	}
	if err != nil {
		return false, errors.Wrapf(err, "look up execution %s", id)
	}
	if owner != "" && current != owner {
		return false, storage.ErrNotOwner
	}
	return false, nil
}

func (s *PostgresStore) ClaimExecution(ctx context.Context, id, owner string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = 'RUNNING', owner = $1, updated_date = $2, started_date = COALESCE(started_date, $2)
		WHERE id = $3 AND status = 'QUEUED'`,
		owner, now, id)
	if err != nil {
		return false, errors.Wrapf(err, "claim execution %s", id)
	}
	return s.changed(ctx, res, id)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, expected, next models.ExecutionStatus) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $1::text,
		updated_date = $2,
		started_date = CASE WHEN $1::text = 'RUNNING' THEN COALESCE(started_date, $2) ELSE started_date END,
		owner = CASE WHEN $1::text = 'QUEUED' THEN '' ELSE owner END
		WHERE id = $3 AND status = $4`,
		next, now, id, expected)
	if err != nil {
		return false, errors.Wrapf(err, "update status of execution %s", id)
	}
	return s.changed(ctx, res, id)
}

func (s *PostgresStore) FinishExecution(ctx context.Context, id, owner string, expected, next models.ExecutionStatus, stageStatus models.StageStatus) (bool, error) {
	var ok bool
	err := s.inTx(ctx, func(tx *PostgresStore) error {
		now := tx.now()
		res, err := tx.db.ExecContext(ctx, `
			UPDATE workflow_executions
			SET status = $1, updated_date = $2, finished_date = $2
			WHERE id = $3 AND status = $4 AND ($5::text = '' OR owner = $5::text)`,
			next, now, id, expected, owner)
		if err != nil {
			return errors.Wrapf(err, "finish execution %s", id)
		}
		if ok, err = tx.ownedChanged(ctx, res, id, owner); err != nil || !ok {
			return err
		}
		_, err = tx.db.ExecContext(ctx, `
			UPDATE stage_executions
			SET status = $1, finished_date = $2
			WHERE execution_id = $3 AND status NOT IN ('FINISHED', 'FAILED', 'CANCELLED')`,
			stageStatus, now, id)
		return errors.Wrapf(err, "close stages of execution %s", id)
	})
	return ok, err
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, id string, staleBefore time.Time, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET updated_date = $1, owner = $2
		WHERE id = $3 AND status IN ('RUNNING', 'CANCELLING') AND updated_date < $4`,
		s.now(), owner, id, staleBefore)
	if err != nil {
		return false, errors.Wrapf(err, "reclaim execution %s", id)
	}
	return s.changed(ctx, res, id)
}

func (s *PostgresStore) UpdateHeartbeat(ctx context.Context, id, owner string) error {
	return s.touch(ctx, id, owner)
}

// touch refreshes the heartbeat of an execution still held by owner.
func (s *PostgresStore) touch(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_executions SET updated_date = $1 WHERE id = $2 AND ($3::text = '' OR owner = $3::text)",
		s.now(), id, owner)
	if err != nil {
		return errors.Wrapf(err, "heartbeat execution %s", id)
	}
	_, err = s.ownedChanged(ctx, res, id, owner)
	return err
}

func (s *PostgresStore) UpdateStage(ctx context.Context, id, owner string, index int, st models.StageExecution) error {
	row, err := toStageRow(id, index, st)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *PostgresStore) error {
		// The heartbeat row lock also keeps a concurrent takeover out until commit.
		if err := tx.touch(ctx, id, owner); err != nil {
			return err
		}
		res, err := tx.db.ExecContext(ctx, `
			UPDATE stage_executions
			SET stage_type = $1, status = $2, enabled = $3, external_task_id = $4, started_date = $5,
			finished_date = $6, processed = $7, errors = $8, total = $9, config = $10
			WHERE execution_id = $11 AND stage_index = $12`,
			row.Type, row.Status, row.Enabled, row.ExternalTaskID, row.StartedDate,
			row.FinishedDate, row.Processed, row.Errors, row.Total, row.ConfigJSON, id, index)
		if err != nil {
			return errors.Wrapf(err, "update stage %d of execution %s", index, id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "rows affected")
		}
		if n == 0 {
			return errors.Errorf("stage index %d out of range for execution %s", index, id)
		}
		return nil
	})
}

func (s *PostgresStore) SetCancelling(ctx context.Context, id, by string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflow_executions SET cancelling = TRUE, cancelled_by = $1 WHERE id = $2", by, id)
	if err != nil {
		return errors.Wrapf(err, "cancel execution %s", id)
	}
	_, err = s.changed(ctx, res, id)
	return err
}

func (s *PostgresStore) FindLatestSuccessfulStage(ctx context.Context, datasetID string, types []models.PluginType) (*storage.FoundStage, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	var row stageRow
	err := s.db.GetContext(ctx, &row, `
		SELECT s.execution_id, s.stage_index, s.stage_type, s.status, s.enabled, s.external_task_id,
		s.started_date, s.finished_date, s.processed, s.errors, s.total, s.config
		FROM stage_executions s
		JOIN workflow_executions e ON e.id = s.execution_id
		WHERE e.dataset_id = $1 AND s.stage_type = ANY($2)
		AND s.status = 'FINISHED' AND s.errors = 0 AND s.finished_date IS NOT NULL
		ORDER BY s.finished_date DESC
		LIMIT 1`,
		datasetID, pq.Array(names))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find latest successful stage of dataset %s", datasetID)
	}
	st, err := row.stage()
	if err != nil {
		return nil, err
	}
	return &storage.FoundStage{ExecutionID: row.ExecutionID, Stage: st}, nil
}

// ListByStatus pages by execution id; the token is the last id returned.
func (s *PostgresStore) ListByStatus(ctx context.Context, status models.ExecutionStatus, pageToken string, limit int) (storage.Page, error) {
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	var executions []models.WorkflowExecution
	err := s.db.SelectContext(ctx, &executions,
		"SELECT "+executionColumns+" FROM workflow_executions WHERE status = $1 AND id > $2 ORDER BY id LIMIT $3",
		status, pageToken, limit+1)
	if err != nil {
		return storage.Page{}, errors.Wrapf(err, "list %s executions", status)
	}

	page := storage.Page{}
	if len(executions) > limit {
		executions = executions[:limit]
		page.NextToken = executions[limit-1].ID
	}
	ids := make([]string, len(executions))
	for i, e := range executions {
		ids[i] = e.ID
	}
	stages, err := s.loadStages(ctx, ids)
	if err != nil {
		return storage.Page{}, err
	}
	for i := range executions {
		executions[i].Stages = stages[executions[i].ID]
	}
	page.Executions = executions
	return page, nil
}

type workflowRow struct {
	DatasetID   string    `db:"dataset_id"`
	Stages      []byte    `db:"stages"`
	UpdatedDate time.Time `db:"updated_date"`
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	stages, err := json.Marshal(w.Stages)
	if err != nil {
		return errors.Wrap(err, "encode workflow stages")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (dataset_id, stages, updated_date) VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id) DO UPDATE SET stages = EXCLUDED.stages, updated_date = EXCLUDED.updated_date`,
		w.DatasetID, stages, s.now())
	return errors.Wrapf(err, "save workflow of dataset %s", w.DatasetID)
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, datasetID string) (models.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row, "SELECT dataset_id, stages, updated_date FROM workflows WHERE dataset_id = $1", datasetID)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "get workflow of dataset %s", datasetID)
	}
	w := models.Workflow{DatasetID: row.DatasetID, UpdatedDate: row.UpdatedDate}
	if err := json.Unmarshal(row.Stages, &w.Stages); err != nil {
		return models.Workflow{}, errors.Wrapf(err, "decode workflow of dataset %s", datasetID)
	}
	return w, nil
}

const scheduledColumns = "dataset_id, owner, pointer_date, frequency, priority"

func (s *PostgresStore) SaveScheduledWorkflow(ctx context.Context, sw models.ScheduledWorkflow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_workflows (`+scheduledColumns+`) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset_id) DO UPDATE SET owner = EXCLUDED.owner, pointer_date = EXCLUDED.pointer_date,
		frequency = EXCLUDED.frequency, priority = EXCLUDED.priority`,
		sw.DatasetID, sw.Owner, sw.PointerDate, sw.Frequency, sw.Priority)
	return errors.Wrapf(err, "save schedule of dataset %s", sw.DatasetID)
}

func (s *PostgresStore) DeleteScheduledWorkflow(ctx context.Context, datasetID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_workflows WHERE dataset_id = $1", datasetID)
	if err != nil {
		return errors.Wrapf(err, "delete schedule of dataset %s", datasetID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetScheduledWorkflow(ctx context.Context, datasetID string) (models.ScheduledWorkflow, error) {
	var sw models.ScheduledWorkflow
	err := s.db.GetContext(ctx, &sw, "SELECT "+scheduledColumns+" FROM scheduled_workflows WHERE dataset_id = $1", datasetID)
	if err == sql.ErrNoRows {
		return models.ScheduledWorkflow{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ScheduledWorkflow{}, errors.Wrapf(err, "get schedule of dataset %s", datasetID)
	}
	return sw, nil
}

func (s *PostgresStore) ListScheduledWorkflows(ctx context.Context, frequency models.Frequency) ([]models.ScheduledWorkflow, error) {
	out := []models.ScheduledWorkflow{}
	err := s.db.SelectContext(ctx, &out,
		"SELECT "+scheduledColumns+" FROM scheduled_workflows WHERE frequency = $1 ORDER BY dataset_id", frequency)
	if err != nil {
		return nil, errors.Wrapf(err, "list %s schedules", frequency)
	}
	return out, nil
}

func (s *PostgresStore) ListScheduledOnce(ctx context.Context, from, to time.Time) ([]models.ScheduledWorkflow, error) {
	out := []models.ScheduledWorkflow{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+scheduledColumns+` FROM scheduled_workflows
		WHERE frequency = $1 AND pointer_date > $2 AND pointer_date <= $3
		ORDER BY dataset_id`,
		models.OnceFrequency, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "list one-off schedules")
	}
	return out, nil
}
