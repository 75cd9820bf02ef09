package imports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

const maxErrorLen = 500

var terminalStages = []types.Stage{types.StageComplete, types.StageFailed}

type ImportJobRepo interface {
	Create(dbc dbctx.Context, job *types.ImportJob) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ImportJob, error)
	GetLatestByUser(dbc dbctx.Context, userID uuid.UUID) (*types.ImportJob, error)
	HasActive(dbc dbctx.Context, userID uuid.UUID) (bool, error)
	// Advance moves a job forward. It reports false when the write would move the stage or
	// the progress backwards, or the job is already terminal.
	Advance(dbc dbctx.Context, id uuid.UUID, stage types.Stage, progress int, extra map[string]interface{}) (bool, error)
	Fail(dbc dbctx.Context, id uuid.UUID, failedStage types.Stage, errMsg, reason string) (bool, error)
	SaveCheckpoint(dbc dbctx.Context, id uuid.UUID, checkpoint datatypes.JSON) (bool, error)
	SaveUsage(dbc dbctx.Context, id uuid.UUID, usage datatypes.JSON) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// ClaimStale takes over non-terminal jobs not touched since before, bumping attempts.
	ClaimStale(dbc dbctx.Context, before time.Time, limit int) ([]*types.ImportJob, error)
}

type importJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewImportJobRepo(db *gorm.DB, baseLog *logger.Logger) ImportJobRepo {
	return &importJobRepo{
		db:  db,
		log: baseLog.With("repo", "ImportJobRepo"),
	}
}

func (r *importJobRepo) Create(dbc dbctx.Context, job *types.ImportJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Stage == "" {
		job.Stage = types.StagePending
	}
	job.StageRank = job.Stage.Rank()
	if len(job.Checkpoint) == 0 {
		job.Checkpoint = datatypes.JSON([]byte("{}"))
	}
	if len(job.Usage) == 0 {
		job.Usage = datatypes.JSON([]byte("{}"))
	}
	return dbc.DB(r.db).Create(job).Error
}

func (r *importJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ImportJob, error) {
	var job types.ImportJob
	err := dbc.DB(r.db).Where("id = ?", id).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *importJobRepo) GetLatestByUser(dbc dbctx.Context, userID uuid.UUID) (*types.ImportJob, error) {
	if userID == uuid.Nil {
		return nil, nil
	}
	var job types.ImportJob
	err := dbc.DB(r.db).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *importJobRepo) HasActive(dbc dbctx.Context, userID uuid.UUID) (bool, error) {
	var n int64
	err := dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("user_id = ? AND stage NOT IN ?", userID, terminalStages).
		Count(&n).Error
	return n > 0, err
}

func (r *importJobRepo) Advance(dbc dbctx.Context, id uuid.UUID, stage types.Stage, progress int, extra map[string]interface{}) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"stage":        stage,
		"stage_rank":   stage.Rank(),
		"progress":     progress,
		"heartbeat_at": now,
		"updated_at":   now,
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("id = ? AND stage_rank <= ? AND progress <= ? AND stage NOT IN ?", id, stage.Rank(), progress, terminalStages).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *importJobRepo) Fail(dbc dbctx.Context, id uuid.UUID, failedStage types.Stage, errMsg, reason string) (bool, error) {
	now := time.Now().UTC()
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	res := dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("id = ? AND stage NOT IN ?", id, terminalStages).
		Updates(map[string]interface{}{
			"stage":        types.StageFailed,
			"stage_rank":   types.StageFailed.Rank(),
			"failed_stage": failedStage,
			"error":        errMsg,
			"reason":       reason,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *importJobRepo) SaveCheckpoint(dbc dbctx.Context, id uuid.UUID, checkpoint datatypes.JSON) (bool, error) {
	res := dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("id = ? AND stage NOT IN ?", id, terminalStages).
		Updates(map[string]interface{}{
			"checkpoint": checkpoint,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *importJobRepo) SaveUsage(dbc dbctx.Context, id uuid.UUID, usage datatypes.JSON) error {
	return dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("id = ?", id).
		UpdateColumn("usage", usage).Error
}

func (r *importJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return dbc.DB(r.db).Model(&types.ImportJob{}).
		Where("id = ? AND stage NOT IN ?", id, terminalStages).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *importJobRepo) ClaimStale(dbc dbctx.Context, before time.Time, limit int) ([]*types.ImportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	var candidates []*types.ImportJob
	err := dbc.DB(r.db).
		Where("stage NOT IN ? AND updated_at < ?", terminalStages, before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*types.ImportJob, 0, len(candidates))
	for _, job := range candidates {
		now := time.Now().UTC()
		// attempts doubles as the version: a concurrent claimer bumps it first and we lose
		res := dbc.DB(r.db).Model(&types.ImportJob{}).
			Where("id = ? AND attempts = ? AND stage NOT IN ?", job.ID, job.Attempts, terminalStages).
			Updates(map[string]interface{}{
				"attempts":     job.Attempts + 1,
				"heartbeat_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected != 1 {
			r.log.Debug("stale job claimed elsewhere", "job_id", job.ID)
			continue
		}
		job.Attempts++
		job.HeartbeatAt = &now
		job.UpdatedAt = now
		claimed = append(claimed, job)
	}
	return claimed, nil
}
