// SPDX-License-Identifier: MIT

package state

// keys builds the backend key layout. An optional org prefix namespaces every
// key for multi-tenant deployments sharing one Redis.
type keys struct {
	prefix string
}

func (k keys) session(id string) string    { return k.prefix + "sio:session:" + id }
func (k keys) runner(id string) string     { return k.prefix + "sio:runner:" + id }
func (k keys) terminal(id string) string   { return k.prefix + "sio:terminal:" + id }
func (k keys) seq(sessionID string) string { return k.prefix + "sio:seq:" + sessionID }

func (k keys) runnerLink(sessionID string) string {
	return k.prefix + "sio:runner-link:" + sessionID
}

func (k keys) allSessions() string { return k.prefix + "sio:all-sessions" }
func (k keys) allRunners() string  { return k.prefix + "sio:all-runners" }

func (k keys) userSessions(userID string) string {
	return k.prefix + "sio:user-sessions:" + userID
}

func (k keys) userRunners(userID string) string {
	return k.prefix + "sio:user-runners:" + userID
}

func (k keys) runnerTerminals(runnerID string) string {
	return k.prefix + "sio:runner-terminals:" + runnerID
}

// Patterns for SCAN-based maintenance.
func (k keys) userSessionsPattern() string    { return k.prefix + "sio:user-sessions:*" }
func (k keys) userRunnersPattern() string     { return k.prefix + "sio:user-runners:*" }
func (k keys) runnerTerminalsPattern() string { return k.prefix + "sio:runner-terminals:*" }
