package status

// LogFunc is the logging hook threaded through every layer of the driver,
// mirroring the teacher's jmshal.JMSHal.LogFunc: a caller-supplied,
// nil-safe sink for warnings the driver wants surfaced but that are not
// themselves failures (an unrecognized quad-enable code, a 4KiB erase
// instruction mismatch). Never called on the successful hot path.
type LogFunc func(format string, args ...any)

// Warnf calls log with format/args if log is non-nil.
func Warnf(log LogFunc, format string, args ...any) {
	if log != nil {
		log(format, args...)
	}
}
