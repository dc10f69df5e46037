package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskrelay/taskrelay/internal/core"
	"github.com/taskrelay/taskrelay/internal/state"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RegisterCron validates and stores a recurring task schedule.
func (d *Dispatcher) RegisterCron(ctx context.Context, schedule *core.CronSchedule) (*core.CronSchedule, error) {
	if schedule.Name == "" {
		return nil, core.NewInvalidRequestError("The 'name' field is required.", map[string]any{
			"field":      "name",
			"validation": "required",
		})
	}
	if verr := core.ValidateSubmitRequest(&core.SubmitRequest{
		Kind:   schedule.Kind,
		Params: schedule.Params,
	}); verr != nil {
		return nil, verr
	}
	if schedule.Retry != nil {
		if verr := core.ValidateRetryPolicy(schedule.Retry); verr != nil {
			return nil, verr
		}
	}

	parsed, err := cronParser.Parse(schedule.Expression)
	if err != nil {
		return nil, core.NewInvalidRequestError(
			fmt.Sprintf("Invalid cron expression: %s", schedule.Expression),
			map[string]any{"expression": schedule.Expression, "error": err.Error()},
		)
	}

	now := time.Now()
	schedule.CreatedAt = core.FormatTime(now)
	schedule.NextRunAt = core.FormatTime(parsed.Next(now))
	schedule.Enabled = true
	if schedule.Queue == "" {
		schedule.Queue = DefaultQueue
	}

	record := &state.CronRecord{
		Name:       schedule.Name,
		Expression: schedule.Expression,
		Kind:       schedule.Kind,
		Queue:      schedule.Queue,
		Enabled:    schedule.Enabled,
		CreatedAt:  schedule.CreatedAt,
		NextRunAt:  schedule.NextRunAt,
	}
	if schedule.Params != nil {
		record.Params = string(schedule.Params)
	}
	if schedule.Retry != nil {
		retryJSON, _ := json.Marshal(schedule.Retry)
		record.Retry = string(retryJSON)
	}

	if err := d.store.PutCron(ctx, record); err != nil {
		return nil, fmt.Errorf("store cron: %w", err)
	}

	d.logger.Info("cron registered",
		slog.String("name", schedule.Name),
		slog.String("expression", schedule.Expression))

	return schedule, nil
}

// ListCrons returns all registered schedules.
func (d *Dispatcher) ListCrons(ctx context.Context) ([]*core.CronSchedule, error) {
	records, err := d.store.ListCrons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list crons: %w", err)
	}

	schedules := make([]*core.CronSchedule, 0, len(records))
	for _, record := range records {
		schedules = append(schedules, state.RecordToCron(record))
	}

	return schedules, nil
}

// GetCron returns one schedule by name.
func (d *Dispatcher) GetCron(ctx context.Context, name string) (*core.CronSchedule, error) {
	record, err := d.store.GetCron(ctx, name)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, core.NewNotFoundError("cron", name)
		}
		return nil, fmt.Errorf("get cron: %w", err)
	}

	return state.RecordToCron(record), nil
}

// DeleteCron removes a schedule.
func (d *Dispatcher) DeleteCron(ctx context.Context, name string) error {
	if _, err := d.GetCron(ctx, name); err != nil {
		return err
	}
	return d.store.DeleteCron(ctx, name)
}

// FireCrons submits tasks for every enabled schedule whose next run
// time has passed. The per-slot lock makes each firing happen once
// across server instances.
func (d *Dispatcher) FireCrons(ctx context.Context) error {
	records, err := d.store.ListCrons(ctx)
	if err != nil {
		return fmt.Errorf("list crons: %w", err)
	}

	now := time.Now()
	var firstErr error
	for _, record := range records {
		if !record.Enabled {
			continue
		}
		if err := d.fireCron(ctx, record, now); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			d.logger.Error("cron firing failed",
				slog.String("name", record.Name),
				slog.String("error", err.Error()))
		}
	}

	return firstErr
}

func (d *Dispatcher) fireCron(ctx context.Context, record *state.CronRecord, now time.Time) error {
	if record.NextRunAt == "" {
		return nil
	}
	nextRun, err := time.Parse(core.TimeFormat, record.NextRunAt)
	if err != nil || nextRun.After(now) {
		return nil
	}

	acquired, err := d.store.AcquireCronLock(ctx, record.Name, nextRun.Unix())
	if err != nil {
		return fmt.Errorf("acquire cron lock: %w", err)
	}
	if !acquired {
		// Another instance fired this slot
		return nil
	}

	schedule := state.RecordToCron(record)
	req := &core.SubmitRequest{
		Kind:   schedule.Kind,
		Params: schedule.Params,
		Options: &core.SubmitOptions{
			Queue: schedule.Queue,
			Retry: schedule.Retry,
			Tags:  []string{"cron:" + schedule.Name},
		},
	}
	if _, err := d.Submit(ctx, req, ""); err != nil {
		return fmt.Errorf("submit cron task: %w", err)
	}

	parsed, err := cronParser.Parse(record.Expression)
	if err != nil {
		return fmt.Errorf("reparse cron expression: %w", err)
	}
	record.LastRunAt = core.FormatTime(now)
	record.NextRunAt = core.FormatTime(parsed.Next(now))
	if err := d.store.PutCron(ctx, record); err != nil {
		return fmt.Errorf("advance cron schedule: %w", err)
	}

	d.logger.Info("cron fired",
		slog.String("name", record.Name),
		slog.String("next_run_at", record.NextRunAt))

	return nil
}
