package rundaq

import (
	"strconv"
	"strings"

	"github.com/lorenzosaino/go-sysctl"
)

// MinReceiveBuffer is the socket receive buffer size, in bytes, below which
// a DataCollector warns that bursts from many producers may stall them.
const MinReceiveBuffer = 4 << 20

// checkReceiveBuffer warns when the kernel caps socket receive buffers
// below MinReceiveBuffer. Systems without the sysctl are not checked.
func checkReceiveBuffer(log *Logger) {
	value, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		log.Debugf("cannot read net.core.rmem_max: %v", err)
		return
	}
	rmem, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Debugf("net.core.rmem_max=%q is not a number", value)
		return
	}
	if rmem < MinReceiveBuffer {
		log.Warnf("net.core.rmem_max is %d bytes; consider raising it to at least %d", rmem, MinReceiveBuffer)
	}
}
