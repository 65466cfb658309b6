package coap

import (
	"fmt"

	"github.com/astaxie/beego/logs"
)

var debugEnable bool
var healthMonitorEnable bool

// GLog debug log
var GLog *logs.BeeLogger

func init() {
	debugEnable = false
	healthMonitorEnable = false
	GLog = logs.NewLogger(10000)
	GLog.SetLogger("console", `{"level":7}`)
	GLog.EnableFuncCallDepth(true)
	GLog.SetLogFuncCallDepth(3)
}

// Debug Enable debug
func Debug(enable bool) {
	debugEnable = enable
}

// HealthMonitor Enable health monitor
func HealthMonitor(enable bool) {
	healthMonitorEnable = enable
}

// SetLogger Set new logger
func SetLogger(l *logs.BeeLogger) {
	if l != nil {
		GLog = l
	}
}

// TraceInfo logs at info level when debug tracing is enabled.
func TraceInfo(format string, v ...interface{}) {
	if debugEnable {
		GLog.Info(fmt.Sprintf(format, v...))
	}
}

// TraceWarn logs at warn level when debug tracing is enabled.
func TraceWarn(format string, v ...interface{}) {
	if debugEnable {
		GLog.Warn(fmt.Sprintf(format, v...))
	}
}

// TraceError always logs at error level, regardless of the debug flag.
func TraceError(format string, v ...interface{}) {
	GLog.Error(fmt.Sprintf(format, v...))
}
