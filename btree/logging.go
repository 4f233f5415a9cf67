package btree

import "go.uber.org/zap"

// defaultLogger backs every Tree opened with a nil logger argument;
// SetDefaultLogger replaces it. Replaces the teacher's bare fmt.Printf/log.Println
// calls in the pager and WAL with structured fields.
var defaultLogger = zap.NewNop()

// SetDefaultLogger overrides the package-wide fallback logger used by
// trees that were not given one explicitly.
func SetDefaultLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger = l
}

func loggerOrDefault(l *zap.Logger) *zap.Logger {
	if l == nil {
		return defaultLogger
	}
	return l
}
