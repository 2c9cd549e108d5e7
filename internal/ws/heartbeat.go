package ws

import (
	"context"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval, evicts those silent
// for longer than Interval + Timeout, and refreshes the presence TTL of the
// rest. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Infow("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second).String())
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debugw("heartbeat ping failed", "conn", c.ID, "error", err)
			server.RemoveConnection(c)
			continue
		}

		if server.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := server.presence.RefreshTTL(ctx, c.ID); err != nil {
				server.log.Warnw("presence refresh failed", "conn", c.ID, "error", err)
			}
			cancel()
		}
	}
}
