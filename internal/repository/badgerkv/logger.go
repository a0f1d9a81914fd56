package badgerkv

import "go.uber.org/zap"

// badgerLogger routes Badger's internal logging into zap.
type badgerLogger struct{ log *zap.SugaredLogger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Debugf(f, v...) }

func zapOrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
