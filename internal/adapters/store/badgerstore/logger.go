package badgerstore

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// hclogBridge adapts an hclog logger onto badger's printf-style logging
// interface.
type hclogBridge struct {
	logger hclog.Logger
}

func (b hclogBridge) Errorf(format string, args ...interface{}) {
	b.logger.Error(render(format, args...))
}

func (b hclogBridge) Warningf(format string, args ...interface{}) {
	b.logger.Warn(render(format, args...))
}

func (b hclogBridge) Infof(format string, args ...interface{}) {
	b.logger.Info(render(format, args...))
}

func (b hclogBridge) Debugf(format string, args ...interface{}) {
	b.logger.Debug(render(format, args...))
}

func render(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
