// Package logging provides structured logging for concord processes.
//
// Every concord invocation (a CLI call, a hook dispatch, a long-running watch)
// appends JSON lines to a single log under the coordination root:
//
//	<root>/logs/concord.log
//
// Entries carry the writing pid and, once known, the instance_id, so the
// interleaved output of several cooperating instances can be filtered per
// instance after the fact.
//
// # Levels
//
// Staleness conditions (a reclaimed lock, a swept instance) log at WARN since
// they usually indicate a prior crash. Integrity failures log at ERROR.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger(root, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	log := logger.WithInstance(inst.ID).WithComponent("filelock")
//	log.Warn("stale lock reclaimed", "resource", key, "previous_owner", prev)
package logging
