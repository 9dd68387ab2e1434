package session

import (
	"strconv"
	"strings"

	"shellgate/internal/models"
)

// 探测输出中各段的分隔行
const (
	markerCPU      = "===CPU==="
	markerMemory   = "===MEMORY==="
	markerDisk     = "===DISK==="
	markerOS       = "===OS==="
	markerUptime   = "===UPTIME==="
	markerHostname = "===HOSTNAME==="
)

// 缺失字段的占位值
const (
	unknownText = "Unknown"
	unknownSize = "0"
)

// probeCommand 一次远程调用打印全部探测结果，每段以分隔行开头
var probeCommand = strings.Join([]string{
	`echo "` + markerCPU + `"`,
	`lscpu | grep "Model name" | cut -d: -f2 | xargs`,
	`nproc`,
	`echo "` + markerMemory + `"`,
	`free -h | grep "Mem:" | awk '{print $2,$3,$4}'`,
	`free | grep "Mem:" | awk '{printf "%.1f\n", $3/$2 * 100}'`,
	`echo "` + markerDisk + `"`,
	`df -h / | tail -1 | awk '{print $2,$3,$4,$5}'`,
	`echo "` + markerOS + `"`,
	`grep PRETTY_NAME /etc/os-release | cut -d'"' -f2`,
	`uname -r`,
	`echo "` + markerUptime + `"`,
	`uptime -p`,
	`echo "` + markerHostname + `"`,
	`hostname`,
}, "; ")

var markers = []string{markerCPU, markerMemory, markerDisk, markerOS, markerUptime, markerHostname}

// parseTelemetry 按分隔行切段，每段读取固定行数；缺段或缺行时回落到占位值
func parseTelemetry(output string) *models.SystemTelemetry {
	sections := splitSections(output)

	cpu := sections[markerCPU]
	mem := sections[markerMemory]
	disk := sections[markerDisk]
	osInfo := sections[markerOS]

	info := &models.SystemTelemetry{
		CPUModel: lineAt(cpu, 0, unknownText),
		CPUCores: atoi(lineAt(cpu, 1, "")),
		OS:       lineAt(osInfo, 0, unknownText),
		Kernel:   lineAt(osInfo, 1, unknownText),
		Uptime:   lineAt(sections[markerUptime], 0, unknownText),
		Hostname: lineAt(sections[markerHostname], 0, unknownText),
	}

	memParts := strings.Fields(lineAt(mem, 0, ""))
	info.Memory = models.Usage{
		Total:          fieldAt(memParts, 0),
		Used:           fieldAt(memParts, 1),
		Free:           fieldAt(memParts, 2),
		PercentageUsed: atof(lineAt(mem, 1, "")),
	}

	diskParts := strings.Fields(lineAt(disk, 0, ""))
	info.Disk = models.Usage{
		Total:          fieldAt(diskParts, 0),
		Used:           fieldAt(diskParts, 1),
		Free:           fieldAt(diskParts, 2),
		PercentageUsed: atof(strings.TrimSuffix(fieldAt(diskParts, 3), "%")),
	}
	return info
}

// splitSections 返回 分隔行 -> 其后到下一个分隔行之前的非空行
func splitSections(output string) map[string][]string {
	sections := make(map[string][]string)
	current := ""
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m, ok := matchMarker(line); ok {
			current = m
			if _, seen := sections[m]; !seen {
				sections[m] = []string{}
			}
			continue
		}
		if current != "" {
			sections[current] = append(sections[current], line)
		}
	}
	return sections
}

func matchMarker(line string) (string, bool) {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return m, true
		}
	}
	return "", false
}

func lineAt(lines []string, i int, def string) string {
	if i < len(lines) {
		return lines[i]
	}
	return def
}

func fieldAt(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return unknownSize
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atof(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
