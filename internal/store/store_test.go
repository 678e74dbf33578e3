package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "patrol.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patrol.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// 再次打开同一个库必须能重复跑迁移
	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.InsertRun(ctx, "SN-42", "robot-01", "gemini-2.0")
	require.NoError(t, err)
	require.Greater(t, runID, int64(0))

	r, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, "Running", r.Status)
	require.Nil(t, r.EndTime)

	require.NoError(t, s.FinishRun(ctx, runID, "Completed", nil, nil))

	r, err = s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, "Completed", r.Status)
	require.NotNil(t, r.EndTime)
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	r, err := s.GetRun(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestInspectionsAndTokenTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.InsertRun(ctx, "SN-42", "robot-01", "gemini-2.0")
	require.NoError(t, err)

	for i, name := range []string{"Entrance", "Hallway"} {
		err := s.InsertInspection(ctx, &InspectionResult{
			RunID:        runID,
			PointName:    name,
			AIResponse:   "OK",
			Tokens:       TokenCounts{Input: 100, Output: 10, Total: 110},
			MovingStatus: "Success",
			RobotID:      "robot-01",
			CoordinateX:  float64(i),
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveReport(ctx, runID, "all clear", "{}", TokenCounts{Input: 50, Output: 20, Total: 70}))
	require.NoError(t, s.UpdateRunTokenTotals(ctx, runID))

	r, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, int64(250), r.Tokens.Input)  // 2*100 + 50
	require.Equal(t, int64(40), r.Tokens.Output)  // 2*10 + 20
	require.Equal(t, int64(290), r.Tokens.Total)  // 2*110 + 70

	list, err := s.ListInspections(ctx, runID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "Entrance", list[0].PointName)
	require.Equal(t, "Hallway", list[1].PointName)

	n, err := s.CountInspections(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLiveAlerts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runID, err := s.InsertRun(ctx, "SN-42", "robot-01", "gemini-2.0")
	require.NoError(t, err)

	a := &LiveAlert{RunID: runID, Rule: "Is there a person?", Response: "yes", RobotID: "robot-01", StreamSource: "robot_camera"}
	require.NoError(t, s.InsertAlert(ctx, a))
	require.Greater(t, a.ID, int64(0))
	require.NotEmpty(t, a.Timestamp)

	alerts, err := s.ListAlerts(ctx, runID)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, "robot_camera", alerts[0].StreamSource)
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.AddSchedule(ctx, "08:30", nil, true)
	require.NoError(t, err)
	require.Len(t, entry.Days, 7) // 默认每天

	newTime := "21:00"
	disabled := false
	require.NoError(t, s.UpdateSchedule(ctx, entry.ID, &newTime, []int{0, 4}, &disabled))

	got, err := s.GetSchedule(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "21:00", got.Time)
	require.Equal(t, []int{0, 4}, got.Days)
	require.False(t, got.Enabled)

	require.NoError(t, s.DeleteSchedule(ctx, entry.ID))
	got, err = s.GetSchedule(ctx, entry.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}
