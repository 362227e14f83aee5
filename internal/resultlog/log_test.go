package resultlog_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/secretsync/internal/models"
	"github.com/atinyakov/secretsync/internal/resultlog"
)

func result(profile string, n int) models.SyncResult {
	at := time.Date(2024, 5, 1, 12, 0, n, 0, time.UTC)
	return models.SyncResult{
		ProfileID:  profile,
		HostName:   "host-" + profile,
		StartedAt:  at,
		FinishedAt: at,
		Outcome:    models.OutcomeSuccessChanges,
		DetailLog:  []string{fmt.Sprintf("run %d", n)},
	}
}

func TestAllIsNewestFirst(t *testing.T) {
	l := resultlog.New(0)
	l.Append(result("a", 1))
	l.Append(result("b", 2))
	l.Append(result("a", 3))

	all := l.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"run 3"}, all[0].DetailLog)
	assert.Equal(t, []string{"run 1"}, all[2].DetailLog)
	assert.Len(t, l.ForProfile("a"), 2)
}

func TestRetentionPerProfile(t *testing.T) {
	l := resultlog.New(2)
	for i := 1; i <= 4; i++ {
		l.Append(result("a", i))
	}
	l.Append(result("b", 5))

	assert.Equal(t, 3, l.Len())
	a := l.ForProfile("a")
	require.Len(t, a, 2)
	assert.Equal(t, []string{"run 4"}, a[0].DetailLog)
	assert.Equal(t, []string{"run 3"}, a[1].DetailLog)
}

func TestHeldEntriesSurviveEviction(t *testing.T) {
	l := resultlog.New(1)
	l.Append(result("a", 1))
	held := l.All()[0]

	l.Append(result("a", 2))
	assert.Equal(t, []string{"run 1"}, held.DetailLog)

	held.DetailLog[0] = "mutated"
	assert.Equal(t, []string{"run 2"}, l.All()[0].DetailLog)
}

func TestRestoreAppliesRetention(t *testing.T) {
	l := resultlog.New(1)
	l.Restore([]models.SyncResult{result("a", 1), result("a", 2), result("b", 3)})
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []string{"run 2"}, l.ForProfile("a")[0].DetailLog)
}

func TestAsText(t *testing.T) {
	l := resultlog.New(0)
	failed := result("a", 1)
	failed.Outcome = models.OutcomeFailed
	failed.ErrorMessage = "connection error: refused"
	l.Append(failed)
	l.Append(result("b", 2))

	text := l.AsText()
	lines := strings.Split(strings.TrimSpace(text), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "host-b: success, changes (local 0, remote 0)")
	assert.Equal(t, "  run 2", lines[1])
	assert.Contains(t, lines[2], "host-a: failed")
	assert.Equal(t, "  error: connection error: refused", lines[3])
}
