package imports

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
	"github.com/yungbote/memory-import/internal/pkg/logger"
)

// ImportState is the profile's mirror of the running import.
type ImportState struct {
	Status   types.ProfileStatus
	Stage    types.Stage
	Progress int
	Error    string
	JobID    uuid.UUID
}

type UserProfileRepo interface {
	Get(dbc dbctx.Context, userID uuid.UUID) (*types.UserProfile, error)
	SetImportState(dbc dbctx.Context, userID uuid.UUID, st ImportState) error
	SetQuickSummary(dbc dbctx.Context, userID uuid.UUID, summary string) error
	SetMemoryDigest(dbc dbctx.Context, userID uuid.UUID, digest string) error
	SetSections(dbc dbctx.Context, userID uuid.UUID, sections datatypes.JSON) error
}

type userProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserProfileRepo(db *gorm.DB, baseLog *logger.Logger) UserProfileRepo {
	return &userProfileRepo{
		db:  db,
		log: baseLog.With("repo", "UserProfileRepo"),
	}
}

func (r *userProfileRepo) Get(dbc dbctx.Context, userID uuid.UUID) (*types.UserProfile, error) {
	var p types.UserProfile
	if err := dbc.DB(r.db).Where("user_id = ?", userID).Limit(1).Find(&p).Error; err != nil {
		return nil, err
	}
	if p.UserID == uuid.Nil {
		return nil, nil
	}
	return &p, nil
}

func (r *userProfileRepo) update(dbc dbctx.Context, userID uuid.UUID, fields map[string]interface{}) error {
	tx := dbc.DB(r.db)
	row := &types.UserProfile{
		UserID:       userID,
		ImportStatus: types.ProfileNone,
		Sections:     datatypes.JSON([]byte("{}")),
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return err
	}
	fields["updated_at"] = time.Now().UTC()
	return tx.Model(&types.UserProfile{}).Where("user_id = ?", userID).Updates(fields).Error
}

func (r *userProfileRepo) SetImportState(dbc dbctx.Context, userID uuid.UUID, st ImportState) error {
	fields := map[string]interface{}{
		"import_status":   st.Status,
		"import_stage":    st.Stage,
		"import_progress": st.Progress,
		"import_error":    st.Error,
	}
	if st.JobID != uuid.Nil {
		fields["import_job_id"] = st.JobID
	}
	return r.update(dbc, userID, fields)
}

func (r *userProfileRepo) SetQuickSummary(dbc dbctx.Context, userID uuid.UUID, summary string) error {
	return r.update(dbc, userID, map[string]interface{}{"quick_summary": summary})
}

func (r *userProfileRepo) SetMemoryDigest(dbc dbctx.Context, userID uuid.UUID, digest string) error {
	return r.update(dbc, userID, map[string]interface{}{"memory_digest": digest})
}

func (r *userProfileRepo) SetSections(dbc dbctx.Context, userID uuid.UUID, sections datatypes.JSON) error {
	return r.update(dbc, userID, map[string]interface{}{"sections": sections})
}
