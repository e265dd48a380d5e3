package history

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/probelab/testbridge/internal/logger"
)

// cronParser accepts standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Janitor periodically purges history rows past the retention window.
type Janitor struct {
	store     *Store
	retention time.Duration
	spec      string
	cron      *cron.Cron
}

// NewJanitor validates the cron spec and builds a janitor. retention is how
// far back rows are kept.
func NewJanitor(store *Store, spec string, retention time.Duration) (*Janitor, error) {
	if _, err := cronParser.Parse(spec); err != nil {
		return nil, fmt.Errorf("invalid retention cron spec %q: %w", spec, err)
	}
	return &Janitor{
		store:     store,
		retention: retention,
		spec:      spec,
		cron:      cron.New(cron.WithParser(cronParser)),
	}, nil
}

// Start schedules the purge job.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.spec, j.sweep)
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}
	j.cron.Start()
	logger.Info("History retention sweep scheduled (%s, keep %v)", j.spec, j.retention)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

func (j *Janitor) sweep() {
	cutoff := time.Now().Add(-j.retention)
	removed, err := j.store.Purge(cutoff)
	if err != nil {
		logger.Error("History retention sweep failed: %v", err)
		return
	}
	if removed > 0 {
		logger.Info("History retention sweep removed %d sessions older than %v", removed, cutoff.Format(time.RFC3339))
	}
}
