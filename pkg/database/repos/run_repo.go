package repos

import (
	"github.com/tauraamui/streamerd/pkg/database/dbconn"
	"github.com/tauraamui/streamerd/pkg/database/models"
	"github.com/tauraamui/xerror"
)

type RunRepository struct {
	DB dbconn.GormWrapper
}

func (r *RunRepository) Create(run *models.Run) error {
	return r.DB.Create(run).Error()
}

// Finish writes back the final state of a run created earlier.
func (r *RunRepository) Finish(run *models.Run) error {
	if err := r.DB.Save(run).Error(); err != nil {
		return xerror.Errorf("unable to record end of run %s: %w", run.UUID, err)
	}
	return nil
}

func (r *RunRepository) FindByUUID(uuid string) (models.Run, error) {
	run := models.Run{}
	if err := r.DB.Where("uuid = ?", uuid).First(&run).Error(); err != nil {
		return run, xerror.Errorf("run of uuid %s not found", uuid)
	}

	return run, nil
}

// Latest returns up to limit runs, most recently started first.
func (r *RunRepository) Latest(limit int) ([]models.Run, error) {
	runs := []models.Run{}
	if err := r.DB.Order("started_at desc").Limit(limit).Find(&runs).Error(); err != nil {
		return nil, xerror.Errorf("unable to list runs: %w", err)
	}
	return runs, nil
}
