package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Batch struct {
	bun.BaseModel `bun:"table:history.batches,alias:b"`

	ID        uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	Runner    string    `bun:",notnull"`
	Name      string    `bun:",notnull"`
	RemoteDir string    `bun:",notnull"`
	JobCount  int       `bun:",notnull"`
	Failed    int       `bun:",notnull"`
	Error     string    `bun:",nullzero"`

	CreatedAt  time.Time `bun:",nullzero,notnull"`
	FinishedAt time.Time `bun:",nullzero,notnull"`

	Jobs []*Job `bun:"rel:has-many,join:id=batch_id"`
}

type Job struct {
	bun.BaseModel `bun:"table:history.jobs,alias:j"`

	ID         uuid.UUID `bun:"type:uuid,default:gen_random_uuid(),pk"`
	BatchID    uuid.UUID `bun:"type:uuid,notnull"`
	Index      int       `bun:"job_index,notnull"`
	Name       string    `bun:",notnull"`
	Status     string    `bun:",notnull"`
	Error      string    `bun:",nullzero"`
	DurationMS int64     `bun:"duration_ms,notnull"`
	SourcePath string    `bun:",notnull"`
	OutputPath string    `bun:",notnull"`
}
