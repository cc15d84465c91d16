package messaging

import "time"

// SetConnectTimeout bypasses the clamp so tests can use short windows
func SetConnectTimeout(cm *ConnectionManager, timeout time.Duration) {
	cm.connectTimeout = timeout
}
