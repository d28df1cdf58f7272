// Package event defines the data model that flows across every queue edge
// of the backend: inbound Events (I/O -> worker), outbound GenericTasks
// (worker -> I/O or worker -> disk), DiskTasks (I/O -> disk), and LogTasks
// (worker -> log).
package event

// ProtocolType identifies which transport produced or should receive an
// Event or a GenericTask.
type ProtocolType uint8

const (
	Unknown ProtocolType = iota
	Tcp
	Udp
	Rtp
)

func (p ProtocolType) String() string {
	switch p {
	case Tcp:
		return "tcp"
	case Udp:
		return "udp"
	case Rtp:
		return "rtp"
	default:
		return "unknown"
	}
}

// Context carries the ambient metadata attached to an inbound Event.
type Context struct {
	TimestampMs uint64
	RemoteIP    string
	RemotePort  uint16
}

// Event flows from a reactor or the timer ticker to exactly one worker.
// A Protocol == Unknown event with an empty Payload is a timer tick.
type Event struct {
	Protocol  ProtocolType
	SessionID uint64
	Context   Context
	Payload   []byte
}

// IsTimerTick reports whether this event is the synthetic periodic tick.
func (e Event) IsTimerTick() bool {
	return e.Protocol == Unknown && len(e.Payload) == 0
}

// TaskKind distinguishes the destination/purpose of a GenericTask.
type TaskKind uint8

const (
	KindTcp TaskKind = iota
	KindUdp
	KindTimer
	KindDisk
	KindLog
	// KindExternalCall routes a task to the external service dispatcher
	// (component H) instead of the disk executor. SPEC_FULL.md §3 [ADD].
	KindExternalCall
)

// GenericTask flows from a worker (the script VM) to an I/O reactor or to
// the disk thread pool. Reactors only act on tasks whose Kind matches
// their own transport.
type GenericTask struct {
	Kind      TaskKind
	Protocol  ProtocolType
	SessionID uint64
	Payload   []byte
}

// DiskOp selects the filesystem operation a DiskTask requests.
type DiskOp uint8

const (
	// DiskRead is reserved; the disk executor does not currently act on it.
	DiskRead DiskOp = iota
	DiskWrite
	DiskAppend
)

// DiskTask is the structured form pushed directly by reactors (e.g. RTP/UDP
// recording). The disk executor must also accept GenericTask{Kind: KindDisk}
// pushed by scripts — both shapes are serviced by the same executor.
type DiskTask struct {
	Op   DiskOp
	Path string
	Data []byte
}

// LogLevel mirrors the six levels the script VM's log() host function and
// the rest of the system can emit at.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogCritical
)

// ParseLogLevel defaults to LogInfo for any unrecognized string, matching
// the script log() host function's contract in SPEC_FULL.md §4.F.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "trace":
		return LogTrace
	case "debug":
		return LogDebug
	case "warn":
		return LogWarn
	case "error":
		return LogError
	case "critical":
		return LogCritical
	default:
		return LogInfo
	}
}

// LogTask flows from a worker to the single global log queue.
type LogTask struct {
	Level   LogLevel
	Message string
}
