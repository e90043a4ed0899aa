//go:build !windows

package process

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"

	psprocess "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// StartUnix returns when pid was started, in Unix seconds, or 0 when it
// cannot be determined. Together with the pid it identifies one process
// instance across pid reuse.
func StartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return startUnixLinux(pid)
	}
	p, err := psprocess.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// startUnixLinux reads starttime (field 22, clock ticks since boot) from
// /proc/<pid>/stat and adds the boot time from /proc/stat.
func startUnixLinux(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	btime := bootTime()
	if btime == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + ticks/clk
}

func bootTime() int64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "btime "); ok {
			bt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return 0
			}
			return bt
		}
	}
	return 0
}
