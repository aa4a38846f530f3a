package monitor

// NotificationKind tells a consumer why it may want to re-render.
type NotificationKind uint8

const (
	// NotifyCountChanged: the line count changed; LineCount carries the new value.
	NotifyCountChanged NotificationKind = iota + 1
	// NotifyEpochChanged: the file was truncated, rotated or otherwise reset;
	// Epoch carries the new epoch and LineCount the fresh count.
	NotifyEpochChanged
	// NotifyFileMissing: the watched path has no backing file right now.
	NotifyFileMissing
)

// String returns the kind name for logging.
func (k NotificationKind) String() string {
	switch k {
	case NotifyCountChanged:
		return "count_changed"
	case NotifyEpochChanged:
		return "epoch_changed"
	case NotifyFileMissing:
		return "file_missing"
	default:
		return "unknown"
	}
}

// Notification is one change hint delivered to a subscriber. Notifications
// may be dropped under subscriber backpressure; they are hints to re-query,
// not a replayable log.
type Notification struct {
	Kind      NotificationKind
	LineCount int
	Epoch     uint64
}
