package main

import (
	"fmt"
	"sync/atomic"

	"islandd/internal/dedup"
	"islandd/internal/logging"
)

// logNotifier renders relayed notifications as log lines. A desktop
// frontend replaces this with real display calls; the daemon core only
// needs the Show/Cancel contract.
type logNotifier struct {
	logger *logging.Logger
	nextID atomic.Int64
}

func newLogNotifier(logger *logging.Logger) *logNotifier {
	return &logNotifier{logger: logger.WithComponent("notify")}
}

func (n *logNotifier) Show(c *dedup.Candidate) (string, error) {
	id := fmt.Sprintf("n%d", n.nextID.Add(1))
	n.logger.Info("notification",
		"id", id,
		"package", c.PackageName,
		"app", c.AppName,
		"title", c.Title,
		"text", c.Text,
	)
	return id, nil
}

func (n *logNotifier) Cancel(id string) {
	n.logger.Info("notification withdrawn", "id", id)
}
