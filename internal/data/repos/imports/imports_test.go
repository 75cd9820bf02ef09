package imports

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/memory-import/internal/data/repos/testutil"
	types "github.com/yungbote/memory-import/internal/domain/imports"
	"github.com/yungbote/memory-import/internal/pkg/dbctx"
)

func newJob(t *testing.T, repo ImportJobRepo, userID uuid.UUID) *types.ImportJob {
	t.Helper()
	job := &types.ImportJob{UserID: userID, StoragePath: "gs://b/k.json"}
	if err := repo.Create(dbctx.From(context.Background()), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestAdvanceIsMonotonic(t *testing.T) {
	db := testutil.DB(t)
	repo := NewImportJobRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	job := newJob(t, repo, uuid.New())

	steps := []struct {
		stage    types.Stage
		progress int
		want     bool
	}{
		{types.StageDownloading, 0, true},
		{types.StageChunking, 60, true},
		{types.StageQuickSummary, 20, false},
		{types.StageChunking, 50, false},
		{types.StageChunking, 60, true},
		{types.StageFactExtraction, 70, true},
		{types.StageComplete, 100, true},
		{types.StageComplete, 100, false},
	}
	for i, s := range steps {
		ok, err := repo.Advance(dbc, job.ID, s.stage, s.progress, nil)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if ok != s.want {
			t.Fatalf("step %d (%s,%d): applied=%v want %v", i, s.stage, s.progress, ok, s.want)
		}
	}
	got, err := repo.GetByID(dbc, job.ID)
	if err != nil || got == nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != types.StageComplete || got.Progress != 100 {
		t.Fatalf("unexpected final state %s/%d", got.Stage, got.Progress)
	}
	if ok, _ := repo.Fail(dbc, job.ID, types.StageChunking, "late", "import failed"); ok {
		t.Fatalf("a completed job must not be failed")
	}
}

func TestFailTruncatesError(t *testing.T) {
	db := testutil.DB(t)
	repo := NewImportJobRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	job := newJob(t, repo, uuid.New())

	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	ok, err := repo.Fail(dbc, job.ID, types.StageDownloading, string(long), "file not found")
	if err != nil || !ok {
		t.Fatalf("fail: ok=%v err=%v", ok, err)
	}
	got, _ := repo.GetByID(dbc, job.ID)
	if got.Stage != types.StageFailed || got.FailedStage != types.StageDownloading {
		t.Fatalf("unexpected stages %s/%s", got.Stage, got.FailedStage)
	}
	if len(got.Error) != 500 || got.Reason != "file not found" {
		t.Fatalf("error len=%d reason=%q", len(got.Error), got.Reason)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}
}

func TestClaimStaleBumpsAttemptsOnce(t *testing.T) {
	db := testutil.DB(t)
	repo := NewImportJobRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())

	stale := newJob(t, repo, uuid.New())
	fresh := newJob(t, repo, uuid.New())
	done := newJob(t, repo, uuid.New())
	old := time.Now().UTC().Add(-2 * time.Hour)
	for _, id := range []uuid.UUID{stale.ID, done.ID} {
		if err := db.Model(&types.ImportJob{}).Where("id = ?", id).UpdateColumn("updated_at", old).Error; err != nil {
			t.Fatalf("age job: %v", err)
		}
	}
	if err := db.Model(&types.ImportJob{}).Where("id = ?", done.ID).UpdateColumn("stage", types.StageComplete).Error; err != nil {
		t.Fatalf("complete job: %v", err)
	}

	claimed, err := repo.ClaimStale(dbc, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != stale.ID || claimed[0].Attempts != 1 {
		t.Fatalf("unexpected claim %+v", claimed)
	}
	again, err := repo.ClaimStale(dbc, time.Now().UTC().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("claimed job should be fresh now, got %d", len(again))
	}
	_ = fresh
}

func TestLatestByUserAndActive(t *testing.T) {
	db := testutil.DB(t)
	repo := NewImportJobRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user := uuid.New()

	first := newJob(t, repo, user)
	if _, err := repo.Fail(dbc, first.ID, types.StageDownloading, "x", "file not found"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	active, err := repo.HasActive(dbc, user)
	if err != nil || active {
		t.Fatalf("expected no active job, got %v (%v)", active, err)
	}
	time.Sleep(5 * time.Millisecond)
	second := newJob(t, repo, user)
	latest, err := repo.GetLatestByUser(dbc, user)
	if err != nil || latest == nil || latest.ID != second.ID {
		t.Fatalf("latest = %+v, err %v", latest, err)
	}
	if active, _ := repo.HasActive(dbc, user); !active {
		t.Fatalf("expected active job")
	}
	if none, err := repo.GetLatestByUser(dbc, uuid.New()); err != nil || none != nil {
		t.Fatalf("unknown user: %+v, %v", none, err)
	}
}

func chunkRows(user, job uuid.UUID, conv string, n int, content string) []*types.ConversationChunk {
	out := make([]*types.ConversationChunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &types.ConversationChunk{
			UserID:         user,
			ImportJobID:    job,
			ConversationID: conv,
			Seq:            i,
			Content:        fmt.Sprintf("%s %d", content, i),
			MessageCount:   i + 1,
			TokenCount:     10,
			Tier:           "medium",
			LastMessageAt:  time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func TestChunkUpsertIsIdempotent(t *testing.T) {
	db := testutil.DB(t)
	repo := NewChunkRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user, job := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		if err := repo.UpsertBatch(dbc, chunkRows(user, job, "conv-a", 4, "hello")); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	n, err := repo.CountByUser(dbc, user)
	if err != nil || n != 4 {
		t.Fatalf("count = %d (%v), want 4", n, err)
	}

	if err := repo.UpsertBatch(dbc, chunkRows(user, job, "conv-a", 4, "changed")); err != nil {
		t.Fatalf("upsert changed: %v", err)
	}
	rows, err := repo.PageByJob(dbc, job, nil, 10)
	if err != nil || len(rows) != 4 {
		t.Fatalf("page: %d rows (%v)", len(rows), err)
	}
	if rows[0].Content != "changed 0" {
		t.Fatalf("content not updated: %q", rows[0].Content)
	}
	if rows[0].ID != types.ChunkID(user, "conv-a", 0) {
		t.Fatalf("chunk id not deterministic")
	}
}

func TestChunkPagingAndSample(t *testing.T) {
	db := testutil.DB(t)
	repo := NewChunkRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user, job := uuid.New(), uuid.New()

	var all []*types.ConversationChunk
	all = append(all, chunkRows(user, job, "b", 3, "b")...)
	all = append(all, chunkRows(user, job, "a", 4, "a")...)
	all = append(all, chunkRows(uuid.New(), uuid.New(), "a", 2, "other")...)
	if err := repo.UpsertBatch(dbc, all); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var seen []string
	var cursor *ChunkCursor
	for {
		page, err := repo.PageByJob(dbc, job, cursor, 2)
		if err != nil {
			t.Fatalf("page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			seen = append(seen, fmt.Sprintf("%s/%d", c.ConversationID, c.Seq))
		}
		last := page[len(page)-1]
		cursor = &ChunkCursor{ConversationID: last.ConversationID, Seq: last.Seq}
	}
	want := []string{"a/0", "a/1", "a/2", "a/3", "b/0", "b/1", "b/2"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("paged %v, want %v", seen, want)
	}

	sample, err := repo.TopSample(dbc, job, 2)
	if err != nil || len(sample) != 2 {
		t.Fatalf("sample: %d (%v)", len(sample), err)
	}
	if sample[0].ConversationID != "a" || sample[0].Seq != 3 {
		t.Fatalf("largest chunk should come first, got %s/%d", sample[0].ConversationID, sample[0].Seq)
	}
}

func TestChunkUpsertRebindsJobAndKeepsVectors(t *testing.T) {
	db := testutil.DB(t)
	repo := NewChunkRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user, first, second := uuid.New(), uuid.New(), uuid.New()

	if err := repo.UpsertBatch(dbc, chunkRows(user, first, "conv-a", 2, "same")); err != nil {
		t.Fatalf("upsert first: %v", err)
	}
	vec, _ := json.Marshal([]float32{0.5})
	for seq := 0; seq < 2; seq++ {
		if err := repo.AttachEmbedding(dbc, types.ChunkID(user, "conv-a", seq), datatypes.JSON(vec)); err != nil {
			t.Fatalf("attach %d: %v", seq, err)
		}
	}

	// Seq 0 keeps its content, seq 1 changes.
	rows := chunkRows(user, second, "conv-a", 2, "same")
	rows[1].Content = "edited 1"
	if err := repo.UpsertBatch(dbc, rows); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	if n, err := repo.CountByJob(dbc, first); err != nil || n != 0 {
		t.Fatalf("first job still owns %d chunks (%v)", n, err)
	}
	if n, err := repo.CountByJob(dbc, second); err != nil || n != 2 {
		t.Fatalf("second job owns %d chunks (%v), want 2", n, err)
	}
	got, err := repo.PageByJob(dbc, second, nil, 10)
	if err != nil || len(got) != 2 {
		t.Fatalf("page: %d rows (%v)", len(got), err)
	}
	if len(got[0].Embedding) == 0 || got[0].EmbeddedAt == nil {
		t.Fatalf("unchanged chunk lost its embedding")
	}
	if len(got[1].Embedding) != 0 || got[1].EmbeddedAt != nil || got[1].Content != "edited 1" {
		t.Fatalf("edited chunk kept a stale embedding: %q %s", got[1].Content, got[1].Embedding)
	}
}

func TestPruneTails(t *testing.T) {
	db := testutil.DB(t)
	repo := NewChunkRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user, other, job := uuid.New(), uuid.New(), uuid.New()

	var all []*types.ConversationChunk
	all = append(all, chunkRows(user, job, "a", 5, "a")...)
	all = append(all, chunkRows(user, job, "b", 2, "b")...)
	all = append(all, chunkRows(other, job, "a", 5, "x")...)
	if err := repo.UpsertBatch(dbc, all); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	pruned, err := repo.PruneTails(dbc, user, []ConversationTail{
		{ConversationID: "a", Chunks: 3},
		{ConversationID: "b", Chunks: 2},
	})
	if err != nil || pruned != 2 {
		t.Fatalf("pruned %d (%v), want 2", pruned, err)
	}
	if n, _ := repo.CountByUser(dbc, user); n != 5 {
		t.Fatalf("user chunks = %d, want 5", n)
	}
	if n, _ := repo.CountByUser(dbc, other); n != 5 {
		t.Fatalf("other user's chunks touched: %d", n)
	}
	if pruned, err := repo.PruneTails(dbc, user, nil); err != nil || pruned != 0 {
		t.Fatalf("empty prune = %d (%v)", pruned, err)
	}
}

func TestEmbeddingBackfillQueue(t *testing.T) {
	db := testutil.DB(t)
	repo := NewChunkRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	if err := repo.UpsertBatch(dbc, chunkRows(uuid.New(), uuid.New(), "c", 3, "x")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	missing, err := repo.ListMissingEmbedding(dbc, 10)
	if err != nil || len(missing) != 3 {
		t.Fatalf("missing = %d (%v)", len(missing), err)
	}
	vec, _ := json.Marshal([]float32{0.1, 0.2})
	if err := repo.AttachEmbedding(dbc, missing[0].ID, datatypes.JSON(vec)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	missing, _ = repo.ListMissingEmbedding(dbc, 10)
	if len(missing) != 2 {
		t.Fatalf("expected 2 left, got %d", len(missing))
	}
}

func TestProfileUpserts(t *testing.T) {
	db := testutil.DB(t)
	repo := NewUserProfileRepo(db, testutil.Logger(t))
	dbc := dbctx.From(context.Background())
	user, job := uuid.New(), uuid.New()

	if p, err := repo.Get(dbc, user); err != nil || p != nil {
		t.Fatalf("expected no profile, got %+v (%v)", p, err)
	}
	if err := repo.SetImportState(dbc, user, ImportState{Status: types.ProfileProcessing, Stage: types.StagePending, JobID: job}); err != nil {
		t.Fatalf("state: %v", err)
	}
	if err := repo.SetQuickSummary(dbc, user, "likes Go"); err != nil {
		t.Fatalf("quick: %v", err)
	}
	if err := repo.SetImportState(dbc, user, ImportState{Status: types.ProfileQuickReady, Stage: types.StageChunking, Progress: 40}); err != nil {
		t.Fatalf("state: %v", err)
	}
	p, err := repo.Get(dbc, user)
	if err != nil || p == nil {
		t.Fatalf("get: %v", err)
	}
	if p.ImportStatus != types.ProfileQuickReady || p.ImportProgress != 40 || p.QuickSummary != "likes Go" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if p.ImportJobID == nil || *p.ImportJobID != job {
		t.Fatalf("job id lost: %v", p.ImportJobID)
	}
}
