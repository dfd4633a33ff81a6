package lib

import (
	"context"
	"fmt"
	"testing"

	"github.com/fiffu/subscribable/lib/models"
	"github.com/fiffu/subscribable/lib/queue"
	"github.com/fiffu/subscribable/lib/registry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// User authors posts and comments. It notifies as itself (profile edits
// fan out to the subscribers of each authored post).
type User struct {
	gorm.Model
	Name  string
	Posts []Post `gorm:"foreignKey:AuthorID"`
}

func (u *User) EntityKind() string { return "users" }
func (u *User) EntityID() uint     { return u.ID }
func (u *User) ActorID() uint      { return u.ID }

// Post is the subscribable. It is also its own notifier: an edit fans out
// to the post's subscribers, with EditorID as the acting user.
type Post struct {
	gorm.Model
	AuthorID uint
	EditorID uint
	Title    string
}

func (p *Post) EntityKind() string { return "posts" }
func (p *Post) EntityID() uint     { return p.ID }
func (p *Post) OwnerID() uint      { return p.AuthorID }
func (p *Post) ActorID() uint      { return p.EditorID }

// Comment notifies the subscribers of its parent post.
type Comment struct {
	gorm.Model
	AuthorID uint
	PostID   uint
	Body     string

	Author User
	Post   Post
}

func (c *Comment) EntityKind() string { return "comments" }
func (c *Comment) EntityID() uint     { return c.ID }
func (c *Comment) ActorID() uint      { return c.AuthorID }

// Reaction references its target dynamically through a type/id pair.
type Reaction struct {
	gorm.Model
	AuthorID   uint
	TargetType string
	TargetID   uint
	Emoji      string
}

func (r *Reaction) EntityKind() string { return "reactions" }
func (r *Reaction) EntityID() uint     { return r.ID }
func (r *Reaction) ActorID() uint      { return r.AuthorID }

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Subscription{},
		&models.Update{},
		&User{},
		&Post{},
		&Comment{},
		&Reaction{},
	))
	return db
}

// captureQueue records enqueued jobs so tests can run them deterministically.
type captureQueue struct {
	jobs []queue.Job
}

func (q *captureQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *captureQueue) drain() []queue.Job {
	jobs := q.jobs
	q.jobs = nil
	return jobs
}

type harness struct {
	db       *gorm.DB
	registry *registry.Registry
	engine   *Engine
	queue    *captureQueue
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := zaptest.NewLogger(t)
	db := newTestDB(t)
	reg := registry.New()
	engine := NewEngine(log, db, reg)
	q := &captureQueue{}

	require.NoError(t, db.Use(NewPlugin(log, reg, q, engine)))
	return &harness{db: db, registry: reg, engine: engine, queue: q}
}

// runJobs executes every captured job through the engine.
func (h *harness) runJobs(t *testing.T) {
	t.Helper()
	for _, job := range h.queue.drain() {
		require.NoError(t, h.engine.Run(context.Background(), job))
	}
}

func (h *harness) countUpdates(t *testing.T, conds ...any) int64 {
	t.Helper()
	var n int64
	tx := h.db.Model(&models.Update{})
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	require.NoError(t, tx.Count(&n).Error)
	return n
}

func (h *harness) countSubscriptions(t *testing.T, conds ...any) int64 {
	t.Helper()
	var n int64
	tx := h.db.Model(&models.Subscription{})
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	require.NoError(t, tx.Count(&n).Error)
	return n
}
