package session

import "sync"

// lifecycle holds the handshake state shared by ClientSession and
// ServerSession: whether the endpoint has completed initialize, what
// version was negotiated, and what the peer told us about itself. It is
// embedded by value and guarded by its own mutex so reads from request
// handlers never contend with the engine's internal locks.
type lifecycle struct {
	mu sync.RWMutex

	initialized       bool
	negotiatedVersion string
	peerInfo          *Implementation
	peerCapabilities  *Capabilities

	// peerMinLogLevel is set by the client's logging/setLevel request (as
	// observed on the server) or is simply unset (sessions that never
	// configure a level impose no floor).
	peerMinLogLevel    LoggingLevel
	hasPeerMinLogLevel bool
}

func (l *lifecycle) setInitialized(version string, peerInfo *Implementation, peerCaps *Capabilities) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.negotiatedVersion = version
	l.peerInfo = peerInfo
	l.peerCapabilities = peerCaps
}

func (l *lifecycle) markInitializedComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.initialized = true
}

func (l *lifecycle) isInitialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.initialized
}

func (l *lifecycle) version() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.negotiatedVersion
}

func (l *lifecycle) peer() (*Implementation, *Capabilities) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peerInfo, l.peerCapabilities
}

func (l *lifecycle) setPeerMinLogLevel(level LoggingLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerMinLogLevel = level
	l.hasPeerMinLogLevel = true
}

func (l *lifecycle) getPeerMinLogLevel() (LoggingLevel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.peerMinLogLevel, l.hasPeerMinLogLevel
}
