package engine

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// InitializeSchedules starts the background sweeps: idle sessions are closed
// and aged export archives removed. Returns the running scheduler so the
// caller can stop it on shutdown.
func (serverHandler *ServerHandler) InitializeSchedules() (*cron.Cron, error) {
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))

	spec := fmt.Sprintf("@every %dm", serverHandler.ServerConfig.SweepIntervalMin)
	if _, err := scheduler.AddFunc(spec, serverHandler.sweep); err != nil {
		return nil, fmt.Errorf("unable to schedule sweep: %w", err)
	}
	scheduler.Start()
	Logger.Info("Sweep scheduled", "interval", spec, "sessionTTL", serverHandler.ServerConfig.SessionTTL)
	return scheduler, nil
}

func (serverHandler *ServerHandler) sweep() {
	serverHandler.sweepSessions()
	serverHandler.cleanExports()
}

// sweepSessions closes sessions that have been idle past the TTL.
func (serverHandler *ServerHandler) sweepSessions() {
	cutoff := time.Now().Add(-serverHandler.ServerConfig.SessionTTL)

	serverHandler.mu.Lock()
	var expired []*Session
	for id, session := range serverHandler.sessions {
		session.mu.Lock()
		idle := session.lastUsed.Before(cutoff)
		session.mu.Unlock()
		if idle {
			expired = append(expired, session)
			delete(serverHandler.sessions, id)
		}
	}
	serverHandler.mu.Unlock()

	for _, session := range expired {
		Logger.Info("Sweeping idle session", "session", session.ID)
		serverHandler.teardown(session)
	}
}
