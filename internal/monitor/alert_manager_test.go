package monitor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/jobscheduler/internal/model"
	"github.com/t77yq/jobscheduler/internal/testutil"
)

func failedRun(jobID string) model.ExecutionEvent {
	return model.ExecutionEvent{ID: jobID + "-f", JobID: jobID, Outcome: model.OutcomeFailed, Error: "boom"}
}

func succeededRun(jobID string) model.ExecutionEvent {
	return model.ExecutionEvent{ID: jobID + "-s", JobID: jobID, Outcome: model.OutcomeSucceeded}
}

func TestAlertManager_Rules(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))

	rule := &model.AlertRule{Name: "Failures", Type: model.AlertTypeJobFailure}
	require.NoError(t, manager.AddRule(rule))
	require.NotEmpty(t, rule.ID)
	assert.Equal(t, 1, rule.Threshold)
	assert.Equal(t, model.AlertSeverityWarning, rule.Severity)
	assert.Equal(t, rule.CreatedAt, rule.UpdatedAt)

	assert.Error(t, manager.AddRule(&model.AlertRule{Type: model.AlertTypeSlowJob}))
	assert.Error(t, manager.AddRule(&model.AlertRule{Type: "disk_full"}))

	updated := &model.AlertRule{ID: rule.ID, Name: "Renamed", Type: model.AlertTypeJobFailure, Threshold: 3}
	require.NoError(t, manager.UpdateRule(updated))
	got, err := manager.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.Equal(t, rule.CreatedAt, got.CreatedAt)

	err = manager.UpdateRule(&model.AlertRule{ID: "missing"})
	assert.True(t, errors.Is(err, ErrRuleNotFound))

	require.NoError(t, manager.DeleteRule(rule.ID))
	assert.Empty(t, manager.Rules())
	assert.True(t, errors.Is(manager.DeleteRule(rule.ID), ErrRuleNotFound))
}

func TestAlertManager_ConsecutiveFailures(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))
	require.NoError(t, manager.AddRule(&model.AlertRule{
		ID:        "failures",
		Type:      model.AlertTypeJobFailure,
		Threshold: 2,
		Severity:  model.AlertSeverityError,
	}))
	listen := manager.Listener()

	listen(model.EventJobFailed, failedRun("sync"))
	assert.Empty(t, manager.ActiveAlerts())

	listen(model.EventJobFailed, failedRun("sync"))
	alerts := manager.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "sync", alerts[0].JobID)
	assert.Equal(t, model.AlertSeverityError, alerts[0].Severity)

	// still firing, no duplicate
	listen(model.EventJobFailed, failedRun("sync"))
	assert.Len(t, manager.ActiveAlerts(), 1)

	// other jobs are counted separately
	listen(model.EventJobFailed, failedRun("report"))
	assert.Len(t, manager.ActiveAlerts(), 1)

	listen(model.EventJobSucceeded, succeededRun("sync"))
	assert.Empty(t, manager.ActiveAlerts())
	require.NotNil(t, alerts[0].ResolvedAt)
}

func TestAlertManager_SilencedAndScopedRules(t *testing.T) {
	manager := NewAlertManager(nil, zaptest.NewLogger(t))
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "quiet", Type: model.AlertTypeJobFailure, Silenced: true}))
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "billing", Type: model.AlertTypeJobFailure, JobID: "billing"}))
	listen := manager.Listener()

	listen(model.EventJobFailed, failedRun("sync"))
	assert.Empty(t, manager.ActiveAlerts())

	listen(model.EventJobFailed, failedRun("billing"))
	alerts := manager.ActiveAlerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "billing", alerts[0].RuleID)
}

func TestAlertManager_PublishesAlerts(t *testing.T) {
	_, nc, js := testutil.StartJetStream(t)

	manager := NewAlertManager(js, zaptest.NewLogger(t))
	require.NoError(t, manager.Start())
	require.NoError(t, testutil.WaitForStream(t, js, AlertStream, 5*time.Second))

	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "failures", Type: model.AlertTypeJobFailure}))
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "recovery", Type: model.AlertTypeJobRecovery, Severity: model.AlertSeverityInfo}))
	require.NoError(t, manager.AddRule(&model.AlertRule{ID: "slow", Type: model.AlertTypeSlowJob, Duration: time.Second}))

	failures := testutil.Collect(t, nc, "alert.job_failure")
	recoveries := testutil.Collect(t, nc, "alert.job_recovery")
	slow := testutil.Collect(t, nc, "alert.slow_job")

	listen := manager.Listener()
	listen(model.EventJobFailed, failedRun("sync"))

	ok := succeededRun("sync")
	ok.Duration = 3 * time.Second
	listen(model.EventJobSucceeded, ok)

	var alert model.Alert
	select {
	case msg := <-failures:
		require.NoError(t, json.Unmarshal(msg.Data, &alert))
		assert.Equal(t, "failures", alert.RuleID)
		assert.Equal(t, "boom", alert.Data["error"])
	case <-time.After(5 * time.Second):
		t.Fatal("no failure alert")
	}

	select {
	case msg := <-recoveries:
		var recovery model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &recovery))
		assert.Equal(t, alert.ID, recovery.Data["resolved_alert_id"])
	case <-time.After(5 * time.Second):
		t.Fatal("no recovery alert")
	}

	select {
	case msg := <-slow:
		var slowAlert model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &slowAlert))
		assert.Equal(t, "sync", slowAlert.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("no slow job alert")
	}

	info, err := js.StreamInfo(AlertStream)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.State.Msgs)
}
