package monitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/model"
)

// AlertStream is the JetStream stream holding published alerts
const AlertStream = "ALERTS"

// ErrRuleNotFound is returned for unknown alert rule IDs
var ErrRuleNotFound = errors.New("alert rule not found")

// AlertManager evaluates alert rules against execution events and publishes
// alerts on alert.<type>
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	now    func() time.Time
	rules  sync.Map

	mu       sync.Mutex
	failures map[string]int
	active   map[string]*model.Alert
}

// NewAlertManager creates a new alert manager. js may be nil, in which case
// alerts are only logged and kept in memory.
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		now:      time.Now,
		failures: make(map[string]int),
		active:   make(map[string]*model.Alert),
	}
}

// Start ensures the alert stream exists
func (m *AlertManager) Start() error {
	if m.js == nil {
		return nil
	}

	stream, err := m.js.StreamInfo(AlertStream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrap(err, "failed to get stream info")
	}

	if stream == nil {
		_, err = m.js.AddStream(&nats.StreamConfig{
			Name:     AlertStream,
			Subjects: []string{"alert.*"},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create stream")
		}
	}

	m.logger.Info("Alert manager started")
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	return value.(*model.AlertRule), nil
}

// Rules returns every rule ordered by ID
func (m *AlertManager) Rules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rules = append(rules, value.(*model.AlertRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeJobFailure, model.AlertTypeJobRecovery:
	case model.AlertTypeSlowJob:
		if rule.Duration <= 0 {
			return errors.New("slow job rule requires a duration")
		}
	default:
		return errors.Newf("unknown alert type %q", rule.Type)
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Threshold <= 0 {
		rule.Threshold = 1
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	existing, err := m.GetRule(rule.ID)
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = m.now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return errors.Wrapf(ErrRuleNotFound, "rule %s", id)
	}
	m.rules.Delete(id)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, alert := range m.active {
		if alert.RuleID == id {
			delete(m.active, key)
		}
	}
	return nil
}

// ActiveAlerts returns unresolved failure alerts
func (m *AlertManager) ActiveAlerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*model.Alert, 0, len(m.active))
	for _, alert := range m.active {
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts
}

// Listener returns the event listener evaluating the rules
func (m *AlertManager) Listener() func(name string, event model.ExecutionEvent) {
	return m.handleEvent
}

func (m *AlertManager) handleEvent(name string, event model.ExecutionEvent) {
	var recovered []*model.Alert

	for _, rule := range m.Rules() {
		if rule.Silenced || (rule.JobID != "" && rule.JobID != event.JobID) {
			continue
		}

		switch rule.Type {
		case model.AlertTypeJobFailure:
			if alert := m.evaluateFailure(rule, event); alert != nil {
				recovered = append(recovered, alert)
			}
		case model.AlertTypeSlowJob:
			if event.Duration > rule.Duration {
				m.createAlert(rule, event.JobID,
					fmt.Sprintf("Job %s ran for %s, over %s", event.JobID, event.Duration, rule.Duration),
					map[string]interface{}{
						"event_id": event.ID,
						"duration": event.Duration.String(),
					})
			}
		}
	}

	if len(recovered) == 0 {
		return
	}
	for _, rule := range m.Rules() {
		if rule.Type != model.AlertTypeJobRecovery || rule.Silenced || (rule.JobID != "" && rule.JobID != event.JobID) {
			continue
		}
		for _, resolved := range recovered {
			m.createAlert(rule, event.JobID,
				fmt.Sprintf("Job %s recovered", event.JobID),
				map[string]interface{}{
					"event_id":          event.ID,
					"resolved_alert_id": resolved.ID,
				})
		}
	}
}

// evaluateFailure tracks consecutive failures for rule and job. It returns
// the alert resolved by a success, if any.
func (m *AlertManager) evaluateFailure(rule *model.AlertRule, event model.ExecutionEvent) *model.Alert {
	key := rule.ID + "/" + event.JobID

	m.mu.Lock()
	if event.Succeeded() {
		delete(m.failures, key)
		alert, ok := m.active[key]
		if !ok {
			m.mu.Unlock()
			return nil
		}
		delete(m.active, key)
		resolvedAt := m.now()
		alert.ResolvedAt = &resolvedAt
		m.mu.Unlock()

		m.logger.Info("Alert resolved",
			zap.String("id", alert.ID),
			zap.String("rule_id", rule.ID),
			zap.String("job_id", event.JobID))
		return alert
	}

	m.failures[key]++
	count := m.failures[key]
	_, firing := m.active[key]
	m.mu.Unlock()

	if firing || count < rule.Threshold {
		return nil
	}

	alert := m.createAlert(rule, event.JobID,
		fmt.Sprintf("Job %s failed %d times in a row", event.JobID, count),
		map[string]interface{}{
			"event_id":             event.ID,
			"error":                event.Error,
			"consecutive_failures": count,
		})

	m.mu.Lock()
	m.active[key] = alert
	m.mu.Unlock()
	return nil
}

// createAlert creates and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, jobID, message string, data map[string]interface{}) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		JobID:     jobID,
		Message:   message,
		Data:      data,
		CreatedAt: m.now(),
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("job_id", jobID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	if err := m.publish(alert); err != nil {
		m.logger.Error("Failed to publish alert", zap.String("id", alert.ID), zap.Error(err))
	}
	return alert
}

func (m *AlertManager) publish(alert *model.Alert) error {
	if m.js == nil {
		return nil
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return errors.Wrap(err, "failed to marshal alert")
	}

	if _, err := m.js.Publish("alert."+string(alert.Type), data, nats.MsgId(alert.ID)); err != nil {
		return errors.Wrap(err, "failed to publish alert")
	}
	return nil
}
