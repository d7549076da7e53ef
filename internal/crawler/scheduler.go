package crawler

import (
	"context"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/sitespeak/sitespeak/internal/models"
	"github.com/sitespeak/sitespeak/internal/problem"
	"github.com/sitespeak/sitespeak/pkg/observability"
)

// Starter admits crawl sessions. *Orchestrator satisfies it.
type Starter interface {
	Start(ctx context.Context, req StartRequest) (*models.CrawlSession, error)
}

// Schedule is one recurring crawl. Spec takes standard cron expressions
// plus the @every shorthand. Mode defaults to delta.
type Schedule struct {
	TenantID uuid.UUID        `mapstructure:"tenant_id"`
	SiteID   uuid.UUID        `mapstructure:"site_id"`
	Spec     string           `mapstructure:"spec"`
	Mode     models.CrawlMode `mapstructure:"mode"`
}

// Scheduler fires recurring crawls on cron schedules. A tick that lands
// while the previous session is still active is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	logger  observability.Logger
}

// NewScheduler registers every schedule entry. Invalid cron specs fail
// construction so misconfiguration surfaces at boot.
func NewScheduler(starter Starter, schedules []Schedule, logger observability.Logger) (*Scheduler, error) {
	if starter == nil {
		return nil, problem.New(problem.KindValidationFailed, "scheduler requires an orchestrator")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		logger:  logger.WithPrefix("crawl-scheduler"),
	}

	for _, entry := range schedules {
		entry := entry
		if entry.Mode == "" {
			entry.Mode = models.CrawlModeDelta
		}
		if !entry.Mode.Valid() || entry.Mode == models.CrawlModeSelective {
			return nil, problem.Newf(problem.KindValidationFailed,
				"schedule for site %s has unsupported mode %q", entry.SiteID, entry.Mode)
		}
		if _, err := s.cron.AddFunc(entry.Spec, func() { s.fire(entry) }); err != nil {
			return nil, problem.Wrapf(problem.KindValidationFailed, err,
				"invalid cron spec %q for site %s", entry.Spec, entry.SiteID)
		}
	}
	return s, nil
}

func (s *Scheduler) fire(entry Schedule) {
	session, err := s.starter.Start(context.Background(), StartRequest{
		TenantID:    entry.TenantID,
		SiteID:      entry.SiteID,
		Mode:        entry.Mode,
		RequestedBy: "scheduler",
	})
	if err != nil {
		if problem.IsKind(err, problem.KindAlreadyRunning) {
			s.logger.Debug("skipping scheduled crawl, previous run still active", map[string]interface{}{
				"site_id": entry.SiteID.String(),
				"mode":    string(entry.Mode),
			})
			return
		}
		s.logger.Error("scheduled crawl failed to start", map[string]interface{}{
			"site_id": entry.SiteID.String(),
			"mode":    string(entry.Mode),
			"error":   err.Error(),
		})
		return
	}
	s.logger.Info("scheduled crawl started", map[string]interface{}{
		"session_id": session.ID.String(),
		"site_id":    entry.SiteID.String(),
		"mode":       string(entry.Mode),
	})
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries reports how many schedules are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
