package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/me/contestd/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedTasks inserts n tasks with seq 1..n, all eligible at base.
func seedTasks(t *testing.T, st *SQLiteStore, n int, base time.Time) []*model.Task {
	t.Helper()
	var tasks []*model.Task
	for i := 1; i <= n; i++ {
		task := &model.Task{
			Seq:       int64(i),
			Name:      fmt.Sprintf("task-%d", i),
			Content:   []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt: base,
		}
		if err := st.CreateTask(context.Background(), task); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func sampleTeam(name string) *model.Team {
	return &model.Team{Name: name, SecretHash: "hash", Active: true}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestFileStore_Persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "contest.db")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	st, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedTasks(t, st, 2, time.Now().Add(-time.Minute))
	if _, err := st.AcquireNextTask(ctx, time.Now()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st.Close()

	st, err = NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	n, err := st.CountTasks(ctx, model.IssuedOnly())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("issued after reopen = %d, want 1", n)
	}
}

func TestTeamCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	team := sampleTeam("alpha")
	if err := st.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}
	if team.ID == 0 {
		t.Error("expected ID to be assigned")
	}

	err := st.CreateTeam(ctx, sampleTeam("alpha"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate CreateTeam err = %v, want ErrDuplicate", err)
	}

	got, err := st.GetTeamByName(ctx, "alpha")
	if err != nil {
		t.Fatalf("GetTeamByName: %v", err)
	}
	if got == nil || got.ID != team.ID || !got.Active || got.SecretHash != "hash" {
		t.Fatalf("got %+v", got)
	}
	if got.LastSeen != nil {
		t.Error("LastSeen should be nil before any connection")
	}

	missing, err := st.GetTeamByName(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("missing team = %v, %v; want nil, nil", missing, err)
	}

	if err := st.SetTeamActive(ctx, "alpha", false); err != nil {
		t.Fatalf("SetTeamActive: %v", err)
	}
	if err := st.SetTeamActive(ctx, "nobody", false); err == nil {
		t.Error("expected error deactivating unknown team")
	}

	seen := time.Now().UTC().Truncate(time.Millisecond)
	if err := st.TouchTeam(ctx, "alpha", seen); err != nil {
		t.Fatalf("TouchTeam: %v", err)
	}
	got, _ = st.GetTeamByName(ctx, "alpha")
	if got.Active {
		t.Error("team should be inactive")
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}

	if err := st.CreateTeam(ctx, sampleTeam("bravo")); err != nil {
		t.Fatalf("CreateTeam bravo: %v", err)
	}
	teams, err := st.ListTeams(ctx)
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 2 || teams[0].Name != "alpha" || teams[1].Name != "bravo" {
		t.Errorf("ListTeams = %v", teams)
	}
}

func TestCreateTask_Defaults(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	task := &model.Task{Seq: 1, Content: []byte(`{"a":1}`)}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.MaxAttempts != model.DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want default", task.MaxAttempts)
	}

	err := st.CreateTask(ctx, &model.Task{Seq: 1, Content: []byte(`{}`)})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate seq err = %v, want ErrDuplicate", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if string(got.Content) != `{"a":1}` || got.Issued || got.IssuedAt != nil {
		t.Errorf("got %+v", got)
	}

	missing, err := st.GetTask(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("missing task = %v, %v; want nil, nil", missing, err)
	}
}

func TestCreateTasks_AllOrNothing(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	// The third insert collides with the first; nothing may remain.
	batch := []*model.Task{
		{Seq: 1, Name: "a", Content: []byte(`{}`)},
		{Seq: 2, Name: "b", Content: []byte(`{}`)},
		{Seq: 1, Name: "c", Content: []byte(`{}`)},
		{Seq: 4, Name: "d", Content: []byte(`{}`)},
	}
	if err := st.CreateTasks(ctx, batch); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("CreateTasks err = %v, want ErrDuplicate", err)
	}
	n, err := st.CountTasks(ctx, model.TaskFilter{})
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	if n != 0 {
		t.Errorf("tasks after failed batch = %d, want 0", n)
	}

	batch = []*model.Task{
		{Seq: 1, Name: "a", Content: []byte(`{}`)},
		{Seq: 2, Name: "b", Content: []byte(`{}`), MaxAttempts: 5},
	}
	if err := st.CreateTasks(ctx, batch); err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}
	if batch[0].ID == 0 || batch[1].ID == 0 {
		t.Errorf("ids not assigned: %d, %d", batch[0].ID, batch[1].ID)
	}
	got, err := st.GetTask(ctx, batch[1].ID)
	if err != nil || got == nil || got.MaxAttempts != 5 {
		t.Errorf("GetTask = %+v, %v", got, err)
	}
}

func TestAcquireNextTask_Order(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	// Insert out of seq order; issuance must follow seq.
	for _, seq := range []int64{3, 1, 2} {
		task := &model.Task{Seq: seq, Content: []byte(`{}`), CreatedAt: now.Add(-time.Minute)}
		if err := st.CreateTask(ctx, task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	for want := int64(1); want <= 3; want++ {
		task, err := st.AcquireNextTask(ctx, now)
		if err != nil {
			t.Fatalf("AcquireNextTask: %v", err)
		}
		if task == nil || task.Seq != want {
			t.Fatalf("acquired %+v, want seq %d", task, want)
		}
		if !task.Issued || task.IssuedAt == nil {
			t.Errorf("task %d not marked issued: %+v", want, task)
		}
	}

	task, err := st.AcquireNextTask(ctx, now)
	if err != nil || task != nil {
		t.Errorf("exhausted acquire = %v, %v; want nil, nil", task, err)
	}
}

func TestAcquireNextTask_EligibilityGate(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.CreateTask(ctx, &model.Task{Seq: 1, Content: []byte(`{}`), CreatedAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	task, err := st.AcquireNextTask(ctx, now)
	if err != nil || task != nil {
		t.Fatalf("acquire before created_at = %v, %v; want nil, nil", task, err)
	}

	task, err = st.AcquireNextTask(ctx, now.Add(2*time.Hour))
	if err != nil || task == nil {
		t.Fatalf("acquire after created_at = %v, %v", task, err)
	}
}

func TestAcquireNextTask_RollbackOnFailure(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()
	tasks := seedTasks(t, st, 2, now.Add(-time.Minute))

	// A stale issuance row makes the second half of the transaction fail.
	if _, err := st.db.ExecContext(ctx,
		`INSERT INTO issuances (task_id, issued_at) VALUES (?, ?)`, tasks[0].ID, now.UnixMilli()); err != nil {
		t.Fatalf("pre-insert issuance: %v", err)
	}

	if _, err := st.AcquireNextTask(ctx, now); err == nil {
		t.Fatal("expected acquire to fail")
	}

	got, err := st.GetTask(ctx, tasks[0].ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Issued || got.IssuedAt != nil {
		t.Errorf("task should remain unissued after rollback: %+v", got)
	}
}

func TestAcquireNextTask_AtMostOnceConcurrent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "concurrent.db")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	const n = 10
	seedTasks(t, st, n, time.Now().Add(-time.Minute))

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := st.AcquireNextTask(ctx, time.Now())
				if err != nil {
					// Lock contention is a legitimate failed attempt; retry.
					continue
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("issued %d distinct tasks, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("task %d issued %d times", id, count)
		}
	}
}

func TestListAndCountTasks_Filters(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	now := time.Now()
	seedTasks(t, st, 3, now.Add(-time.Minute))
	if _, err := st.AcquireNextTask(ctx, now); err != nil {
		t.Fatal(err)
	}

	all, _ := st.ListTasks(ctx, model.TaskFilter{})
	issued, _ := st.ListTasks(ctx, model.IssuedOnly())
	unissued, _ := st.CountTasks(ctx, model.UnissuedOnly())
	total, _ := st.CountTasks(ctx, model.TaskFilter{})

	if len(all) != 3 || total != 3 {
		t.Errorf("all = %d, total = %d, want 3", len(all), total)
	}
	if len(issued) != 1 || issued[0].Seq != 1 {
		t.Errorf("issued = %v", issued)
	}
	if unissued != 2 {
		t.Errorf("unissued = %d, want 2", unissued)
	}
}

func TestCreateSubmission_Attempts(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	team := sampleTeam("alpha")
	if err := st.CreateTeam(ctx, team); err != nil {
		t.Fatal(err)
	}
	tasks := seedTasks(t, st, 1, time.Now())

	for want := 1; want <= 3; want++ {
		sub := &model.Submission{
			TeamID:   team.ID,
			TaskID:   tasks[0].ID,
			Content:  []byte(`{"label":"x"}`),
			Metadata: []byte(`{"tool":"t"}`),
		}
		if err := st.CreateSubmission(ctx, sub, 3); err != nil {
			t.Fatalf("attempt %d: %v", want, err)
		}
		if sub.Attempt != want || sub.ID == 0 || sub.Status != model.SubmissionStatusReceived {
			t.Errorf("attempt %d: got %+v", want, sub)
		}
	}

	err := st.CreateSubmission(ctx, &model.Submission{TeamID: team.ID, TaskID: tasks[0].ID, Content: []byte(`{}`)}, 3)
	if !errors.Is(err, ErrAttemptsExceeded) {
		t.Errorf("4th attempt err = %v, want ErrAttemptsExceeded", err)
	}

	n, err := st.CountSubmissions(ctx, team.ID, tasks[0].ID)
	if err != nil || n != 3 {
		t.Errorf("CountSubmissions = %d, %v; want 3", n, err)
	}

	subs, err := st.ListSubmissions(ctx, model.SubmissionFilter{TeamID: team.ID})
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(subs) != 3 || subs[2].Attempt != 3 || string(subs[0].Metadata) != `{"tool":"t"}` {
		t.Errorf("subs = %+v", subs)
	}

	other, _ := st.ListSubmissions(ctx, model.SubmissionFilter{TaskID: 999})
	if len(other) != 0 {
		t.Errorf("filtered list = %d, want 0", len(other))
	}
}
