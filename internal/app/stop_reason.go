package app

// StopReason says why the app is stopping. It is logged and decides the
// exit status of the start command.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	// StopShutdownCommand means a shutdown entry was drained from the spool.
	StopShutdownCommand StopReason = "shutdown_command"
	StopAppStop         StopReason = "app_stop"
)
