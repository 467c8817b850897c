package persistence

// DisconnectSource 强制断开的发起方
type DisconnectSource int

const (
	DisconnectSourceExtension DisconnectSource = iota
	DisconnectSourceServer
)

var disconnectSources = []DisconnectSource{DisconnectSourceExtension, DisconnectSourceServer}

// ParseDisconnectSource 未知编号返回 false
func ParseDisconnectSource(n int) (DisconnectSource, bool) {
	for _, source := range disconnectSources {
		if int(source) == n {
			return source, true
		}
	}
	return 0, false
}

func (s DisconnectSource) String() string {
	switch s {
	case DisconnectSourceExtension:
		return "extension"
	case DisconnectSourceServer:
		return "server"
	default:
		return "unknown"
	}
}

// reason 写入事件日志与连接的断开原因
func (s DisconnectSource) reason() string {
	switch s {
	case DisconnectSourceServer:
		return "Disconnected by server"
	default:
		return "Disconnected via extension system"
	}
}
